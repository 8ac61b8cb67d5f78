package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/entrhq/webpilot/pkg/browser"
)

// ActionType names a browser action the operator model can request.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionFill     ActionType = "fill"
	ActionPress    ActionType = "press"
	ActionScroll   ActionType = "scroll"
	ActionDone     ActionType = "done"
)

// Action is one step of a decision.
type Action struct {
	Type     ActionType `json:"type"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Key      string     `json:"key,omitempty"`
	Pixels   int        `json:"pixels,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// Decision is the operator model's answer for one step.
type Decision struct {
	Evaluation string   `json:"evaluation"`
	Memory     string   `json:"memory"`
	NextGoal   string   `json:"next_goal"`
	Actions    []Action `json:"actions"`
}

var errNoJSON = errors.New("no JSON object in model response")

// ParseDecision extracts the decision object from a model response. Code
// fences and text around the object are ignored.
func ParseDecision(content string) (*Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, errNoJSON
	}

	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	if len(d.Actions) == 0 {
		return nil, errors.New("decision has no actions")
	}
	for i, a := range d.Actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
	}
	return &d, nil
}

// Validate checks that the fields the action type needs are present.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			return errors.New("navigate needs a url")
		}
	case ActionClick:
		if a.Selector == "" {
			return errors.New("click needs a selector")
		}
	case ActionFill:
		if a.Selector == "" {
			return errors.New("fill needs a selector")
		}
	case ActionPress:
		if a.Selector == "" || a.Key == "" {
			return errors.New("press needs a selector and a key")
		}
	case ActionScroll, ActionDone:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// String describes the action as the model wrote it. Secret placeholders
// stay unresolved.
func (a Action) String() string {
	switch a.Type {
	case ActionNavigate:
		return "navigate to " + a.URL
	case ActionClick:
		return "click " + a.Selector
	case ActionFill:
		return fmt.Sprintf("fill %s with %q", a.Selector, a.Value)
	case ActionPress:
		return fmt.Sprintf("press %s on %s", a.Key, a.Selector)
	case ActionScroll:
		return fmt.Sprintf("scroll %d px", a.Pixels)
	case ActionDone:
		return "done"
	}
	return string(a.Type)
}

// Execute performs the action on page, resolving secret placeholders
// right before the values reach the browser.
func (a Action) Execute(page browser.Page, secrets map[string]string) error {
	switch a.Type {
	case ActionNavigate:
		return page.Navigate(ResolveSecrets(a.URL, secrets))
	case ActionClick:
		return page.Click(a.Selector)
	case ActionFill:
		return page.Fill(a.Selector, ResolveSecrets(a.Value, secrets))
	case ActionPress:
		return page.Press(a.Selector, a.Key)
	case ActionScroll:
		return page.Scroll(a.Pixels)
	case ActionDone:
		return nil
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

var secretPattern = regexp.MustCompile(`<secret>([^<]+)</secret>`)

// ResolveSecrets replaces <secret>name</secret> placeholders with the named
// values. Unknown names are left as they are.
func ResolveSecrets(s string, secrets map[string]string) string {
	if len(secrets) == 0 || !strings.Contains(s, "<secret>") {
		return s
	}
	return secretPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSpace(secretPattern.FindStringSubmatch(m)[1])
		if v, ok := secrets[name]; ok {
			return v
		}
		return m
	})
}

// MaskSecrets replaces every secret value occurring in s with its
// placeholder, so text read back from the page never carries the values.
func MaskSecrets(s string, secrets map[string]string) string {
	for name, v := range secrets {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "<secret>"+name+"</secret>")
	}
	return s
}
