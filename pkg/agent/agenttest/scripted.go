// Package agenttest provides scripted tasks for tests of task consumers.
package agenttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/entrhq/webpilot/pkg/agent"
	"github.com/entrhq/webpilot/pkg/types"
)

// Script describes what a Scripted task does when run.
type Script struct {
	// Events are emitted in order.
	Events []*types.AgentEvent

	// Block keeps Run waiting after the events until Stop is called, the
	// context ends or Release is closed. Stop is ignored when IgnoreStop is set.
	Block      bool
	IgnoreStop bool
	Release    chan struct{}

	// Err is returned after the events. Panic, when set, is raised instead.
	Err   error
	Panic any
}

// Scripted is an agent.Task following a Script.
type Scripted struct {
	script  Script
	req     agent.Request
	stop    chan struct{}
	once    sync.Once
	started chan struct{}
	running atomic.Bool
}

// New returns a task following script.
func New(script Script, req agent.Request) *Scripted {
	return &Scripted{
		script:  script,
		req:     req,
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Request returns the request the task was built with.
func (s *Scripted) Request() agent.Request {
	return s.req
}

// Started is closed once Run has begun.
func (s *Scripted) Started() <-chan struct{} {
	return s.started
}

// Running reports whether Run is executing.
func (s *Scripted) Running() bool {
	return s.running.Load()
}

// Run implements agent.Task.
func (s *Scripted) Run(ctx context.Context, emit agent.Emitter) error {
	s.running.Store(true)
	defer s.running.Store(false)
	close(s.started)

	for _, e := range s.script.Events {
		emit(e)
	}
	if s.script.Panic != nil {
		panic(s.script.Panic)
	}
	if s.script.Block {
		stop := s.stop
		if s.script.IgnoreStop {
			stop = nil
		}
		select {
		case <-stop:
			return agent.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-s.script.Release:
		}
	}
	return s.script.Err
}

// Stop implements agent.Task.
func (s *Scripted) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Factory builds Scripted tasks and remembers them in creation order.
type Factory struct {
	mu     sync.Mutex
	script Script
	tasks  []*Scripted
	err    error
}

// NewFactory returns a factory whose tasks follow script.
func NewFactory(script Script) *Factory {
	return &Factory{script: script}
}

// Fail makes later New calls return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New implements agent.Factory.
func (f *Factory) New(req agent.Request) (agent.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := New(f.script, req)
	f.tasks = append(f.tasks, t)
	return t, nil
}

// Tasks returns the tasks built so far.
func (f *Factory) Tasks() []*Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Scripted, len(f.tasks))
	copy(out, f.tasks)
	return out
}

// Last returns the most recent task, or nil.
func (f *Factory) Last() *Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil
	}
	return f.tasks[len(f.tasks)-1]
}
