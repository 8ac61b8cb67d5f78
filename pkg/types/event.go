package types

// AgentEventType defines the type of event emitted by an agent task.
type AgentEventType string

const (
	EventTypeAgentStart AgentEventType = "agent_start" // EventTypeAgentStart indicates a new agent phase (planner, operator, reporter) has begun.
	EventTypeStepStart  AgentEventType = "step_start"  // EventTypeStepStart indicates the agent started a new decision step.
	EventTypeThinking   AgentEventType = "thinking"    // EventTypeThinking carries the agent's evaluation, memory or next goal.
	EventTypeAction     AgentEventType = "action"      // EventTypeAction indicates the agent is executing a browser action.
	EventTypeMessage    AgentEventType = "message"     // EventTypeMessage carries free-form progress text.
	EventTypeResult     AgentEventType = "result"      // EventTypeResult carries the final report of the task.
	EventTypeError      AgentEventType = "error"       // EventTypeError indicates an error occurred during agent processing.
)

// AgentEvent represents an event emitted by an agent task during execution.
// The task runner translates every event into a ProgressMessage.
type AgentEvent struct {
	// Metadata holds optional additional information about the event.
	Metadata map[string]interface{}

	// Error contains error information for error events.
	Error error

	// Header is a short label shown before the content.
	Header string

	// Content holds the event text.
	Content string

	// Progress is an optional progress indicator such as "3/10".
	Progress string

	// AgentName names the agent phase (agent start events).
	AgentName string

	// Type indicates the kind of event.
	Type AgentEventType

	// Step is the 1-based step number (step start events).
	Step int

	// ActionIndex and ActionTotal locate an action inside its step.
	ActionIndex int
	ActionTotal int
}

// NewAgentStartEvent creates an agent start event.
func NewAgentStartEvent(name, description string) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeAgentStart,
		AgentName: name,
		Header:    name,
		Content:   description,
		Metadata:  make(map[string]interface{}),
	}
}

// NewStepStartEvent creates a step start event.
func NewStepStartEvent(step int) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeStepStart,
		Step:     step,
		Metadata: make(map[string]interface{}),
	}
}

// NewThinkingEvent creates a thinking event.
func NewThinkingEvent(header, content string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeThinking,
		Header:   header,
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// NewActionEvent creates an action event for action index (1-based) of total.
func NewActionEvent(index, total int, description string) *AgentEvent {
	return &AgentEvent{
		Type:        EventTypeAction,
		ActionIndex: index,
		ActionTotal: total,
		Content:     description,
		Metadata:    make(map[string]interface{}),
	}
}

// NewMessageEvent creates a free-form progress message event.
func NewMessageEvent(header, content string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeMessage,
		Header:   header,
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// NewResultEvent creates a final result event.
func NewResultEvent(content string) *AgentEvent {
	return &AgentEvent{
		Type:     EventTypeResult,
		Header:   "result",
		Content:  content,
		Metadata: make(map[string]interface{}),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(err error) *AgentEvent {
	content := ""
	if err != nil {
		content = err.Error()
	}
	return &AgentEvent{
		Type:     EventTypeError,
		Header:   "error",
		Content:  content,
		Error:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithProgress sets the progress indicator and returns the event for chaining.
func (e *AgentEvent) WithProgress(progress string) *AgentEvent {
	e.Progress = progress
	return e
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *AgentEvent) WithMetadata(key string, value interface{}) *AgentEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsErrorEvent returns true if this is an error event.
func (e *AgentEvent) IsErrorEvent() bool {
	return e.Type == EventTypeError
}

// IsSequenceEvent returns true if the event advances one of the progress counters.
func (e *AgentEvent) IsSequenceEvent() bool {
	return e.Type == EventTypeAgentStart ||
		e.Type == EventTypeStepStart ||
		e.Type == EventTypeAction
}
