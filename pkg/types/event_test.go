package types

import (
	"errors"
	"testing"
	"time"
)

func TestAgentEventType(t *testing.T) {
	tests := []struct {
		eventType AgentEventType
		name      string
		expected  string
	}{
		{name: "agent_start", eventType: EventTypeAgentStart, expected: "agent_start"},
		{name: "step_start", eventType: EventTypeStepStart, expected: "step_start"},
		{name: "thinking", eventType: EventTypeThinking, expected: "thinking"},
		{name: "action", eventType: EventTypeAction, expected: "action"},
		{name: "message", eventType: EventTypeMessage, expected: "message"},
		{name: "result", eventType: EventTypeResult, expected: "result"},
		{name: "error", eventType: EventTypeError, expected: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.eventType) != tt.expected {
				t.Errorf("event type = %v, want %v", tt.eventType, tt.expected)
			}
		})
	}
}

func TestNewActionEvent(t *testing.T) {
	e := NewActionEvent(2, 3, "click #submit")
	if e.Type != EventTypeAction {
		t.Errorf("type = %v, want %v", e.Type, EventTypeAction)
	}
	if e.ActionIndex != 2 || e.ActionTotal != 3 {
		t.Errorf("action = %d/%d, want 2/3", e.ActionIndex, e.ActionTotal)
	}
	if !e.IsSequenceEvent() {
		t.Error("action events advance the sequence")
	}
}

func TestNewErrorEvent(t *testing.T) {
	err := errors.New("boom")
	e := NewErrorEvent(err)
	if !e.IsErrorEvent() {
		t.Error("expected error event")
	}
	if e.Content != "boom" {
		t.Errorf("content = %q, want boom", e.Content)
	}
	if e.IsSequenceEvent() {
		t.Error("error events do not advance the sequence")
	}

	if got := NewErrorEvent(nil).Content; got != "" {
		t.Errorf("nil error content = %q", got)
	}
}

func TestEventChaining(t *testing.T) {
	e := NewMessageEvent("plan", "open the site").WithProgress("1/4").WithMetadata("k", "v")
	if e.Progress != "1/4" {
		t.Errorf("progress = %q", e.Progress)
	}
	if e.Metadata["k"] != "v" {
		t.Errorf("metadata = %v", e.Metadata)
	}

	bare := &AgentEvent{}
	bare.WithMetadata("a", 1)
	if bare.Metadata["a"] != 1 {
		t.Error("WithMetadata should allocate the map")
	}
}

func TestProgressMessageString(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		msg  ProgressMessage
		want string
	}{
		{name: "body only", msg: ProgressMessage{Time: ts, Body: "done"}, want: "[03:04:05] done"},
		{name: "header", msg: ProgressMessage{Time: ts, Header: "step", Body: "go"}, want: "[03:04:05] step: go"},
		{name: "progress", msg: ProgressMessage{Time: ts, Header: "action", Progress: "1/2", Body: "click"}, want: "[03:04:05] action (1/2) click"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartupErrorUnwrap(t *testing.T) {
	cause := errors.New("exited")
	err := &StartupError{Process: "Xvnc", Port: 5910, Err: cause}

	if !errors.Is(err, ErrProcessStartup) {
		t.Error("expected ErrProcessStartup")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if errors.Is(&StartupError{Process: "x"}, cause) {
		t.Error("nil cause must not match")
	}
}

func TestStatus(t *testing.T) {
	s := Status{Display: 10, Bridge: 5030, Browser: 9222}
	if !s.Ready() {
		t.Error("expected ready")
	}
	s.Browser = 0
	if s.Ready() {
		t.Error("browser absent, not ready")
	}
	if s.TaskRunning() {
		t.Error("no task")
	}
}
