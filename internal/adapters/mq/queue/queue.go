// Package queue provides a bounded in-memory queue with non-blocking
// enqueue and channel-based dequeue.
package queue

import (
	"context"
	"sync"

	"github.com/okian/creditgate/pkg/metrics"
)

const defaultQueueCapacity = 1024

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue[T any] interface {
	// Enqueue adds an item to the queue.
	// Returns false if the queue is full or closed and the item was not enqueued.
	Enqueue(ctx context.Context, item T) bool

	// Dequeue returns a channel that receives items as they become available.
	// The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan T

	// TryDequeue pops one item without blocking.
	TryDequeue() (T, bool)

	// Len returns the current number of queued items.
	Len() int

	// Close stops accepting items. Queued items can still be dequeued.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue[T any] struct {
	items    chan T
	capacity int
	observed bool

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue[T any](opts ...Option) *InMemoryQueue[T] {
	cfg := config{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	q := &InMemoryQueue[T]{
		items:    make(chan T, cfg.capacity),
		capacity: cfg.capacity,
		observed: cfg.observed,
	}
	if q.observed {
		metrics.UpdateQueueCapacity(q.capacity)
		metrics.UpdateQueueSize(0)
	}
	return q
}

// Capacity returns the configured capacity.
func (q *InMemoryQueue[T]) Capacity() int { return q.capacity }

// Enqueue adds an item to the queue.
func (q *InMemoryQueue[T]) Enqueue(ctx context.Context, item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.enqueueFailed("closed")
		return false
	}

	select {
	case q.items <- item:
		if q.observed {
			metrics.RecordQueueEnqueue()
			metrics.UpdateQueueSize(len(q.items))
		}
		return true
	case <-ctx.Done():
		q.enqueueFailed("context_cancelled")
		return false
	default:
		q.enqueueFailed("queue_full")
		return false
	}
}

func (q *InMemoryQueue[T]) enqueueFailed(reason string) {
	if !q.observed {
		return
	}
	metrics.RecordQueueEnqueueError()
	metrics.RecordErrorByComponent("queue", reason)
}

// Dequeue returns a channel that will receive items as they become available.
func (q *InMemoryQueue[T]) Dequeue(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-q.items:
				if !ok {
					return
				}
				select {
				case out <- item:
					q.dequeued()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// TryDequeue pops one item without blocking.
func (q *InMemoryQueue[T]) TryDequeue() (T, bool) {
	select {
	case item, ok := <-q.items:
		if ok {
			q.dequeued()
		}
		return item, ok
	default:
		var zero T
		return zero, false
	}
}

func (q *InMemoryQueue[T]) dequeued() {
	if q.observed {
		metrics.RecordQueueDequeue()
		metrics.UpdateQueueSize(len(q.items))
	}
}

// Len returns the current number of queued items.
func (q *InMemoryQueue[T]) Len() int {
	return len(q.items)
}

// Close stops accepting items.
func (q *InMemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
