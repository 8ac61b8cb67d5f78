package supervisor

import (
	"context"
	"sync"
)

// Slot holds at most one live process of a given kind. Ensure is idempotent:
// while the held process is alive it is returned instead of starting another.
//
// startMu serializes Ensure and Stop; mu only guards proc, so Get and Alive
// never wait on a process that is still coming up.
type Slot struct {
	startMu sync.Mutex
	mu      sync.Mutex
	proc    *Process
}

// Ensure returns the live process held by the slot, or starts spec through
// sup and stores the result. started reports whether a new process was launched.
func (s *Slot) Ensure(ctx context.Context, sup *Supervisor, spec Spec) (p *Process, started bool, err error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if p := s.Get(); p != nil {
		return p, false, nil
	}
	s.set(nil)

	p, err = sup.Start(ctx, spec)
	if err != nil {
		return nil, false, err
	}
	s.set(p)
	return p, true, nil
}

func (s *Slot) set(p *Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

// Get returns the held process if it is still alive.
func (s *Slot) Get() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc.Alive() {
		return s.proc
	}
	return nil
}

// Alive reports whether the slot holds a running process.
func (s *Slot) Alive() bool {
	return s.Get() != nil
}

// Port returns the readiness port of the live process, or 0.
func (s *Slot) Port() int {
	if p := s.Get(); p != nil {
		return p.Port()
	}
	return 0
}

// Stop stops the held process, if any, and empties the slot. It waits for
// an Ensure in progress so a process finishing startup is not left behind.
func (s *Slot) Stop(sup *Supervisor) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	sup.Stop(p)
}
