package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/webpilot/pkg/types"
)

const probePrompt = "Reply with the single word OK."

const plannerPrompt = `You plan browser automation tasks.
Break the user's task into a short numbered list of concrete steps a browser
operator can follow. Reply with the list only.`

const operatorPrompt = `You control a web browser to complete the user's task.

Each turn you receive the task, the plan if any, the history of your previous
steps and the cleaned HTML of the current page. Reply with one JSON object:

{
  "evaluation": "did the previous actions work",
  "memory": "facts to remember for later steps",
  "next_goal": "what the actions below achieve",
  "actions": [ ... ]
}

Available actions:
  {"type": "navigate", "url": "https://..."}
  {"type": "click", "selector": "css selector"}
  {"type": "fill", "selector": "css selector", "value": "text"}
  {"type": "press", "selector": "css selector", "key": "Enter"}
  {"type": "scroll", "pixels": 600}
  {"type": "done", "text": "final answer for the user"}

Use at most %d actions per turn. Actions run in order and stop at the first
failure. Use "done" once the task is complete or cannot be completed.`

const secretsNote = `
Sensitive values are available as placeholders. Write <secret>name</secret>
where a value is needed; never ask for the real value. Available names: %s.`

const reporterPrompt = `You write the final report of a browser automation task.
Summarize for the user what was done and the answer to their task, based on the
step history below. Be concise.`

func plannerMessages(prompt string) []*types.Message {
	return []*types.Message{
		types.NewSystemMessage(plannerPrompt),
		types.NewUserMessage(prompt),
	}
}

func operatorSystem(maxActions int, secrets map[string]string) string {
	system := fmt.Sprintf(operatorPrompt, maxActions)
	if len(secrets) > 0 {
		names := make([]string, 0, len(secrets))
		for name := range secrets {
			names = append(names, name)
		}
		sort.Strings(names)
		system += fmt.Sprintf(secretsNote, strings.Join(names, ", "))
	}
	return system
}

type stepInput struct {
	prompt      string
	plan        string
	history     []string
	url         string
	title       string
	observation string
	truncated   bool
}

func stepMessages(system string, in stepInput) []*types.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", in.prompt)
	if in.plan != "" {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", in.plan)
	}
	if len(in.history) > 0 {
		b.WriteString("\nHistory:\n")
		for _, h := range in.history {
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\nCurrent page: %s", in.url)
	if in.title != "" {
		fmt.Fprintf(&b, " (%s)", in.title)
	}
	b.WriteString("\n\n")
	b.WriteString(in.observation)
	if in.truncated {
		b.WriteString("\n[page truncated]")
	}

	return []*types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(b.String()),
	}
}

func reportMessages(prompt string, history []string, answer string) []*types.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nHistory:\n%s\n", prompt, strings.Join(history, "\n"))
	if answer != "" {
		fmt.Fprintf(&b, "\nOperator answer: %s\n", answer)
	}
	return []*types.Message{
		types.NewSystemMessage(reporterPrompt),
		types.NewUserMessage(b.String()),
	}
}
