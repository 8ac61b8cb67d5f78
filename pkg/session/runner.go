package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// DefaultWorkers is the default number of tasks executing at once across
// all sessions.
const DefaultWorkers = 20

// ErrRunnerClosed is returned by Submit after Close.
var ErrRunnerClosed = errors.New("task runner closed")

// Runner executes session tasks on a bounded worker pool shared by every
// session. Submit blocks while all workers are busy.
type Runner struct {
	mu     sync.RWMutex
	pool   *pool.Pool
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	active  atomic.Int32
	pending atomic.Int32
}

// NewRunner creates a runner with the given number of workers.
func NewRunner(workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:   pool.New().WithMaxGoroutines(workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn on a worker. fn receives a context that is cancelled
// when the runner closes. Submit returns once a worker has taken fn.
func (r *Runner) Submit(fn func(ctx context.Context)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerClosed
	}

	r.pending.Add(1)
	r.pool.Go(func() {
		r.pending.Add(-1)
		r.active.Add(1)
		defer r.active.Add(-1)
		fn(r.ctx)
	})
	return nil
}

// Active returns the number of tasks currently executing.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Pending returns the number of Submit calls waiting for a worker.
func (r *Runner) Pending() int {
	return int(r.pending.Load())
}

// Close cancels the context of running tasks and waits for them to return.
func (r *Runner) Close() {
	r.cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pool.Wait()
}
