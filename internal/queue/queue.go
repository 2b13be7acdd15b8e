// Package queue provides the bounded FIFO hand-off between pipeline stages.
//
// Two variants implement the same contract: Memory is purely in-process,
// Redis rides a broker list. Consumers never branch on the variant; the
// orchestrator selects one at wiring time based on configuration.
package queue

import (
	"context"

	"github.com/leakwatch/leakwatch/errs"
)

// Queue is the hand-off contract between one or more producers and exactly
// one consumer.
type Queue[T any] interface {
	// Put enqueues item, blocking while a bounded queue is full.
	Put(ctx context.Context, item T) error
	// TryPut enqueues item or fails immediately with a queue_full error.
	TryPut(item T) error
	// Get dequeues the next item, blocking while the queue is empty.
	Get(ctx context.Context) (T, error)
	// TryGet dequeues the next item or fails immediately with a queue_empty error.
	TryGet() (T, error)
	// Ready returns a channel that becomes readable when an item is likely
	// available, for callers multiplexing the queue with other channels.
	// A wakeup is a hint; pair it with TryGet.
	Ready() <-chan struct{}
	// Len reports the current depth.
	Len() int
	// Cap reports the maximum depth, 0 meaning unbounded.
	Cap() int
	// Notify records completion of one previously dequeued item.
	Notify() error
	// Join blocks until every enqueued item has been notified.
	Join(ctx context.Context) error
}

// ErrFull is returned by TryPut on a bounded queue at capacity.
var ErrFull = errs.New("queue", errs.CodeQueueFull, errs.WithMessage("queue is full"))

// ErrEmpty is returned by TryGet on an empty queue.
var ErrEmpty = errs.New("queue", errs.CodeQueueEmpty, errs.WithMessage("queue is empty"))
