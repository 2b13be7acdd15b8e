package queue

import (
	"context"
	"sync"

	"github.com/leakwatch/leakwatch/errs"
)

var closedReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Memory is the in-process queue variant: a mutex-guarded FIFO with
// broadcast wakeups so blocked callers honor context cancellation without
// losing items. A max of 0 means unbounded.
type Memory[T any] struct {
	mu      sync.Mutex
	items   []T
	max     int
	pending int

	arrived  chan struct{}
	vacated  chan struct{}
	notified chan struct{}
}

// NewMemory constructs an in-process queue with the given capacity.
func NewMemory[T any](max int) *Memory[T] {
	if max < 0 {
		max = 0
	}
	return &Memory[T]{
		max:      max,
		arrived:  make(chan struct{}),
		vacated:  make(chan struct{}),
		notified: make(chan struct{}),
	}
}

// Put implements Queue.
func (q *Memory[T]) Put(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.max == 0 || len(q.items) < q.max {
			q.push(item)
			q.mu.Unlock()
			return nil
		}
		wait := q.vacated
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryPut implements Queue.
func (q *Memory[T]) TryPut(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.items) >= q.max {
		return ErrFull
	}
	q.push(item)
	return nil
}

// Get implements Queue.
func (q *Memory[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.pop()
			q.mu.Unlock()
			return item, nil
		}
		wait := q.arrived
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryGet implements Queue.
func (q *Memory[T]) TryGet() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	return q.pop(), nil
}

// Ready implements Queue. The returned channel is already closed when items
// are queued, otherwise it fires on the next arrival.
func (q *Memory[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		return closedReady
	}
	return q.arrived
}

// Len implements Queue.
func (q *Memory[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap implements Queue.
func (q *Memory[T]) Cap() int { return q.max }

// Notify implements Queue. Calling it more times than items were enqueued
// is a programming error.
func (q *Memory[T]) Notify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		return errs.New("queue", errs.CodeInvariant, errs.WithMessage("notify called with no outstanding items"))
	}
	q.pending--
	if q.pending == 0 {
		close(q.notified)
		q.notified = make(chan struct{})
	}
	return nil
}

// Join implements Queue.
func (q *Memory[T]) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.notified
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Drain discards every queued item for immediate-stop semantics, settling
// the Notify bookkeeping for items that will never be processed. Returns
// the number dropped.
func (q *Memory[T]) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items)
	q.items = nil
	if dropped > 0 && q.pending >= dropped {
		q.pending -= dropped
		if q.pending == 0 {
			close(q.notified)
			q.notified = make(chan struct{})
		}
	}
	if q.max > 0 && dropped > 0 {
		close(q.vacated)
		q.vacated = make(chan struct{})
	}
	return dropped
}

func (q *Memory[T]) push(item T) {
	q.items = append(q.items, item)
	q.pending++
	close(q.arrived)
	q.arrived = make(chan struct{})
}

func (q *Memory[T]) pop() T {
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if q.max > 0 {
		close(q.vacated)
		q.vacated = make(chan struct{})
	}
	return item
}
