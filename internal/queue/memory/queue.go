// Package memory provides bounded in-memory queues shared between the
// producer, the lookup workers and the saver.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once a queue is closed and fully drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. Closing
// never closes the item channel, so late Enqueue calls fail instead of panicking.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends or
// the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items queued
// before Close are still delivered; ErrClosed follows once they are gone.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Close marks the queue as finished. It is safe to call multiple times.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
