package types

import (
	"fmt"
	"time"
)

// MessageKind classifies a progress message.
type MessageKind string

const (
	MessageKindInfo     MessageKind = "info"     // MessageKindInfo is ordinary progress output.
	MessageKindError    MessageKind = "error"    // MessageKindError reports a failure inside the task.
	MessageKindComplete MessageKind = "complete" // MessageKindComplete is the terminal message of a task.
)

// ProgressMessage is one entry of a session's progress stream.
//
// The four sequence numbers locate the message inside the task:
// TaskSeq counts tasks of the session, AgentSeq counts agent phases inside
// the task, StepSeq is the current step and ActionSeq the current action
// inside that step.
type ProgressMessage struct {
	Time      time.Time   `json:"time"`
	Kind      MessageKind `json:"kind"`
	Header    string      `json:"header"`
	Body      string      `json:"body"`
	Progress  string      `json:"progress,omitempty"`
	TaskSeq   int         `json:"task_seq"`
	AgentSeq  int         `json:"agent_seq"`
	StepSeq   int         `json:"step_seq"`
	ActionSeq int         `json:"action_seq"`
}

// IsTerminal reports whether this message ends a task's stream.
func (m *ProgressMessage) IsTerminal() bool {
	return m.Kind == MessageKindComplete
}

// String renders the message the way it is shown in a plain text stream.
func (m *ProgressMessage) String() string {
	ts := m.Time.Format("15:04:05")
	if m.Header == "" {
		return fmt.Sprintf("[%s] %s", ts, m.Body)
	}
	if m.Progress != "" {
		return fmt.Sprintf("[%s] %s (%s) %s", ts, m.Header, m.Progress, m.Body)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, m.Header, m.Body)
}

// MessageRole is the author role of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat message exchanged with an LLM provider.
type Message struct {
	Role    MessageRole
	Content string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// ModelInfo describes the model behind a provider.
type ModelInfo struct {
	Metadata          map[string]interface{}
	Provider          string
	Name              string
	MaxTokens         int
	SupportsStreaming bool
}
