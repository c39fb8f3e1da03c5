// Package buffer provides a generic, thread-safe ring buffer with a
// configurable overflow policy.
//
// Writers never block: when the ring is full either the oldest item is
// evicted (DropOldest, the default) or the new item is discarded
// (DropNewest). Readers wait for data with Wait.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/c360/poselink/errors"
)

// OverflowPolicy defines what Write does when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the item being written.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives every item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow behaviour.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(r *Ring[T]) {
		r.policy = policy
	}
}

// WithDropCallback sets a callback for dropped items. It runs outside the
// buffer lock.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(r *Ring[T]) {
		r.onDrop = callback
	}
}

// Ring is a fixed-capacity FIFO.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next write
	tail   int // next read
	size   int
	closed bool
	ready  chan struct{}

	policy OverflowPolicy
	onDrop DropCallback[T]

	writes atomic.Int64
	drops  atomic.Int64
}

// New creates a ring holding up to capacity items (minimum 1).
func New[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Write appends item, applying the overflow policy when full.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrClosed, "buffer", "Write", "buffer closed")
	}

	var (
		dropped T
		drop    bool
	)
	if r.size == len(r.items) {
		drop = true
		r.drops.Add(1)
		if r.policy == DropNewest {
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return nil
		}
		dropped = r.items[r.tail]
		r.tail = (r.tail + 1) % len(r.items)
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++
	r.writes.Add(1)
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	if drop && r.onDrop != nil {
		r.onDrop(dropped)
	}
	return nil
}

// Read removes the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.items)
	r.size--
	return item, true
}

// ReadBatch removes up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(max, r.size)
	if n == 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % len(r.items)
	}
	r.size -= n
	return out
}

// Wait returns a channel that receives after a Write. A receive does not
// guarantee data is still there when another reader got it first.
func (r *Ring[T]) Wait() <-chan struct{} {
	return r.ready
}

// Size returns the number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items.
func (r *Ring[T]) Capacity() int {
	return len(r.items)
}

// Writes returns how many items were accepted.
func (r *Ring[T]) Writes() int64 {
	return r.writes.Load()
}

// Drops returns how many items the overflow policy discarded.
func (r *Ring[T]) Drops() int64 {
	return r.drops.Load()
}

// Close rejects further writes. Buffered items can still be read.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
