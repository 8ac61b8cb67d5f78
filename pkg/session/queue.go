package session

import (
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
)

// DefaultQueueCapacity bounds a session's pending progress messages.
const DefaultQueueCapacity = 1000

// Queue is a bounded FIFO of progress messages with one consumer in mind.
// When full, Push drops the oldest message, so the newest one (and in
// particular a task's terminal message) is always kept.
type Queue struct {
	mu       sync.Mutex
	items    []*types.ProgressMessage
	capacity int
	dropped  int
	notify   chan struct{}
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends m, evicting the oldest message when the queue is full.
func (q *Queue) Push(m *types.ProgressMessage) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (*types.ProgressMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// Next returns the oldest message, waiting up to timeout for one to arrive.
// A timeout of 0 does not wait.
func (q *Queue) Next(timeout time.Duration) (*types.ProgressMessage, bool) {
	if m, ok := q.pop(); ok {
		return m, true
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if m, ok := q.pop(); ok {
				return m, true
			}
		case <-timer.C:
			return q.pop()
		}
	}
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were evicted because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
