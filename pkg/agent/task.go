// Package agent defines the automation task a session runs and provides the
// default browser operator.
package agent

import (
	"context"
	"errors"

	"github.com/entrhq/webpilot/pkg/types"
)

// ErrStopped is returned by Run when the task was stopped before finishing.
var ErrStopped = errors.New("task stopped")

// Emitter receives the progress events of a running task. It must be safe to
// call from the task's goroutine only; tasks never call it concurrently.
type Emitter func(*types.AgentEvent)

// Request is everything a task needs to know about its work and its sandbox.
type Request struct {
	// Prompt is the user's instruction.
	Prompt string

	// Operator and Planner are model names or ids. Planner is optional.
	Operator string
	Planner  string

	// SensitiveData maps placeholder names to values. Prompts and model
	// output only ever see the names, written as <secret>name</secret>.
	SensitiveData map[string]string

	// CDPPort is the session browser's remote debugging port.
	CDPPort int

	// WorkDir is the session's working directory.
	WorkDir string
}

// Task is one long-running automation job bound to a session.
type Task interface {
	// Run drives the task to completion, reporting progress through emit.
	Run(ctx context.Context, emit Emitter) error

	// Stop asks the task to finish early. It returns immediately; Run
	// returns ErrStopped once the task notices.
	Stop()
}

// Factory builds a task for a request.
type Factory func(req Request) (Task, error)
