// Package queue provides the bounded typed FIFO channels connecting the
// pipeline stages. The channel is the serialization point; no additional
// locking is required by consumers.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrFull is returned by TryPut when the queue is at capacity.
	// The caller is expected to surface backpressure, not absorb it.
	ErrFull = errors.New("queue full")

	// ErrClosed is returned once a closed queue has been drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO carrying entries of a single concrete type.
type Queue[T any] struct {
	ch     chan T
	mu     sync.RWMutex
	closed bool
}

// NewBounded creates a queue with the given capacity. Capacity below 1
// is clamped to 1.
func NewBounded[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPut offers v without blocking. Returns ErrFull when at capacity and
// ErrClosed after Close.
func (q *Queue[T]) TryPut(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrFull
	}
}

// Put blocks until v is accepted or ctx is done. The read lock is held
// for the duration so Close cannot race the send; Close waits for
// in-flight puts to resolve.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until an entry is available, ctx is done, or the queue is
// closed and drained. Suspends only the calling goroutine.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len returns the current number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close stops accepting new entries. Queued entries remain receivable
// until drained. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
