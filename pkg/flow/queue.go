package flow

import (
	"context"
	"sync"
)

// compactThreshold is how many consumed slots we tolerate at the head of
// the backing slice before moving the live items down.
const compactThreshold = 1024

// Queue is an unbounded FIFO safe for concurrent use.
//
// The lock only ever guards the O(1) append or removal: `Push` never waits
// for space and `Pop` waits for data with the lock released, so a slow
// consumer cannot stall producers.
type Queue[T any] struct {
	lk     sync.Mutex
	items  []T
	head   int
	closed bool

	// notify holds at most one pending wake-up for waiting consumers.
	notify  chan struct{}
	closeCh chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Push appends item at the tail. It fails only once the queue is closed.
func (q *Queue[T]) Push(item T) error {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return ErrFlowClosed
	}
	q.items = append(q.items, item)
	q.lk.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the head of the queue, waiting until an item is available,
// ctx is done, or the queue is closed and drained.
func (q *Queue[T]) Pop(ctx context.Context) (item T, err error) {
	for {
		var ok, closed bool
		item, ok, closed = q.tryPop()
		if ok {
			return item, nil
		}
		if closed {
			return item, ErrFlowClosed
		}

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-q.notify:
		case <-q.closeCh:
		}
	}
}

// TryPop is the non-blocking flavour of `Pop`.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	item, ok, _ = q.tryPop()
	return
}

func (q *Queue[T]) tryPop() (item T, ok bool, closed bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.head == len(q.items) {
		return item, false, q.closed
	}

	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true, false
}

// Len reports how many items are waiting.
func (q *Queue[T]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items) - q.head
}

// Close rejects further pushes and wakes up consumers. Items already queued
// are still handed out by `Pop` before it reports [ErrFlowClosed].
func (q *Queue[T]) Close() error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closeCh)
	return nil
}
