// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Queue is a bounded FIFO channel with context-aware operations. It is
// the sole synchronization point between admission and the worker pool;
// the durable queued row in the job store is the source of truth when a
// hand-off is lost.
type Queue struct {
	ch        chan analysis.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan analysis.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
// Enqueue on a closed queue is an error, never a panic: late producers
// (the recovery sweep during shutdown) race Close harmlessly.
func (q *Queue) Enqueue(ctx context.Context, item analysis.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errors.New("queue closed")
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (analysis.QueueItem, error) {
	select {
	case <-ctx.Done():
		return analysis.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return analysis.QueueItem{}, errors.New("queue closed")
	case item := <-q.ch:
		return item, nil
	}
}

// Depth returns the number of waiting items.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Close shuts the queue down. The item channel itself is never closed,
// so in-flight Enqueue calls settle via the done signal instead of
// panicking. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
