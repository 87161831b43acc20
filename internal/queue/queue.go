// Package queue provides the blocking handoff queue that pipeline stages use
// to pass frames and packets between goroutines.
//
// A Queue is open until Shutdown is called. After that it rejects pushes,
// hands the items it still holds to poppers, and then reports closed.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by PopContext once the queue is shut down and empty.
var ErrClosed = errors.New("queue: closed")

// PopStatus tells a bounded-wait pop apart: an item, a timeout, or a closed queue.
type PopStatus int

const (
	Popped PopStatus = iota
	TimedOut
	Closed

	// pending means the queue is open and empty; never returned to callers.
	pending PopStatus = -1
)

func (s PopStatus) String() string {
	switch s {
	case Popped:
		return "popped"
	case TimedOut:
		return "timed out"
	case Closed:
		return "closed"
	default:
		return "pending"
	}
}

// OverflowPolicy decides what a bounded queue does with a push when it is full.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the pushed item.
	DropNewest
)

// Option configures a Queue.
type Option func(*options)

type options struct {
	capacity int
	policy   OverflowPolicy
}

// WithCapacity bounds the queue depth. Zero or negative means unbounded.
func WithCapacity(n int, policy OverflowPolicy) Option {
	return func(o *options) {
		o.capacity = n
		o.policy = policy
	}
}

// Queue is a FIFO safe for any number of producers and consumers.
// The zero value is not usable; call New.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	closed  bool
	dropped uint64
	opts    options

	// ready carries at most one wakeup token; a popper that leaves items
	// behind passes the token on so no waiter sleeps on a non-empty queue.
	ready chan struct{}
	done  chan struct{}
}

// New creates an open queue.
func New[T any](opts ...Option) *Queue[T] {
	q := &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&q.opts)
	}
	return q
}

// Push appends item. It reports false when the item was discarded, either
// because the queue is shutting down or because it is full under DropNewest.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.opts.capacity > 0 && q.lenLocked() >= q.opts.capacity {
		q.dropped++
		if q.opts.policy == DropNewest {
			q.mu.Unlock()
			return false
		}
		q.takeLocked()
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop blocks until an item is available or the queue is shut down and
// drained. ok is false only in the latter case.
func (q *Queue[T]) Pop() (item T, ok bool) {
	for {
		item, status := q.poll()
		if status != pending {
			return item, status == Popped
		}
		select {
		case <-q.ready:
		case <-q.done:
		}
	}
}

// PopContext is Pop with cancellation. It returns ErrClosed once the queue is
// shut down and empty, or ctx.Err() when ctx ends first.
func (q *Queue[T]) PopContext(ctx context.Context) (T, error) {
	for {
		item, status := q.poll()
		switch status {
		case Popped:
			return item, nil
		case Closed:
			return item, ErrClosed
		}
		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop returns the head item without blocking. It returns nothing when the
// queue is empty or shutting down.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	if q.closed || q.lenLocked() == 0 {
		q.mu.Unlock()
		return item, false
	}
	item = q.takeLocked()
	more := q.lenLocked() > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return item, true
}

// PopTimeout waits up to d for an item. The status separates a timeout from
// a queue that was shut down and drained.
func (q *Queue[T]) PopTimeout(d time.Duration) (T, PopStatus) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		item, status := q.poll()
		if status != pending {
			return item, status
		}
		select {
		case <-q.ready:
		case <-q.done:
		case <-timer.C:
			item, status := q.poll()
			if status == pending {
				return item, TimedOut
			}
			return item, status
		}
	}
}

// Shutdown moves the queue to its terminal state and wakes every popper.
// Calling it more than once is harmless.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// IsShuttingDown reports whether Shutdown has been called.
func (q *Queue[T]) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done is closed when the queue shuts down.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Dropped returns how many items a bounded queue has discarded on overflow.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) poll() (T, PopStatus) {
	var zero T
	q.mu.Lock()
	if q.lenLocked() > 0 {
		item := q.takeLocked()
		more := q.lenLocked() > 0
		q.mu.Unlock()
		if more {
			q.signal()
		}
		return item, Popped
	}
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return zero, Closed
	}
	return zero, pending
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// takeLocked removes the head item. The backing array is compacted once the
// consumed prefix dominates it.
func (q *Queue[T]) takeLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item
}
