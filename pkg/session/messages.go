package session

import (
	"fmt"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
)

// Bodies of the messages the session itself writes.
const (
	TaskCompleted = "task completed"
	TaskCancelled = "task cancelled"
)

// sequencer turns the agent events of one task into progress messages,
// keeping the agent, step and action counters. It is used by the task's
// worker goroutine only.
type sequencer struct {
	taskSeq   int
	agentSeq  int
	stepSeq   int
	actionSeq int
	now       func() time.Time
}

func (q *sequencer) message(kind types.MessageKind, header, body string) *types.ProgressMessage {
	return &types.ProgressMessage{
		Time:      q.now(),
		Kind:      kind,
		Header:    header,
		Body:      body,
		TaskSeq:   q.taskSeq,
		AgentSeq:  q.agentSeq,
		StepSeq:   q.stepSeq,
		ActionSeq: q.actionSeq,
	}
}

func (q *sequencer) translate(e *types.AgentEvent) *types.ProgressMessage {
	header, body := e.Header, e.Content

	switch e.Type {
	case types.EventTypeAgentStart:
		q.agentSeq++
		q.stepSeq, q.actionSeq = 0, 0
	case types.EventTypeStepStart:
		q.stepSeq = e.Step
		q.actionSeq = 0
		if header == "" {
			header = "step"
		}
		if body == "" {
			body = fmt.Sprintf("step %d", e.Step)
		}
	case types.EventTypeAction:
		q.actionSeq = e.ActionIndex
		if header == "" {
			header = "action"
		}
	}

	kind := types.MessageKindInfo
	if e.IsErrorEvent() {
		kind = types.MessageKindError
	}
	m := q.message(kind, header, body)
	m.Progress = e.Progress
	return m
}

func (q *sequencer) failure(err error) *types.ProgressMessage {
	return q.message(types.MessageKindError, "error", err.Error())
}

func (q *sequencer) completed() *types.ProgressMessage {
	return q.message(types.MessageKindComplete, "task", TaskCompleted)
}
