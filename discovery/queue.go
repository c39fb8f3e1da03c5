// Package discovery holds subject names seen on the receive path until the
// owning goroutine registers them.
package discovery

import "sync"

// Queue is an unbounded FIFO of subject names. Push is safe from any
// goroutine; Drain is meant for a single owning goroutine.
type Queue struct {
	mu    sync.Mutex
	names []string
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends name. Duplicates are kept.
func (q *Queue) Push(name string) {
	q.mu.Lock()
	q.names = append(q.names, name)
	q.mu.Unlock()
}

// Drain removes and returns everything queued so far, oldest first.
// It returns nil when the queue is empty.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.names) == 0 {
		return nil
	}
	out := q.names
	q.names = nil
	return out
}

// Len returns the number of queued names.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.names)
}
