// Package coalesce merges bursts of work items that share an id.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// Queue collects items by id. Adding an id that is already pending
// replaces the item in place, keeping its original position. Run flushes
// pending items in arrival order once per interval.
type Queue[T any] struct {
	interval time.Duration

	mu      sync.Mutex
	pending map[string]T
	order   []string
	wake    chan struct{}
}

// New creates a Queue. A zero interval flushes as soon as Run is woken.
func New[T any](interval time.Duration) *Queue[T] {
	return &Queue[T]{
		interval: interval,
		pending:  make(map[string]T),
		wake:     make(chan struct{}, 1),
	}
}

// Add enqueues item under id and returns whether it merged with an item
// that was already pending. It never blocks.
func (q *Queue[T]) Add(id string, item T) bool {
	q.mu.Lock()

	_, merged := q.pending[id]
	if !merged {
		q.order = append(q.order, id)
	}

	q.pending[id] = item
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return merged
}

// Len returns the number of pending ids.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order)
}

// Run calls flush for every pending item until ctx is cancelled. A batch
// that has been drained is always handed to flush in full. Items still
// pending at cancellation stay queued for Drain.
func (q *Queue[T]) Run(ctx context.Context, flush func(ctx context.Context, item T)) {
	var timer *time.Timer
	if q.interval > 0 {
		timer = time.NewTimer(q.interval)
		if !timer.Stop() {
			<-timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		if timer != nil {
			timer.Reset(q.interval)

			select {
			case <-ctx.Done():
				timer.Stop()

				return
			case <-timer.C:
			}
		}

		for _, item := range q.Drain() {
			flush(ctx, item)
		}
	}
}

// Drain removes and returns every pending item in arrival order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, len(q.order))
	for _, id := range q.order {
		items = append(items, q.pending[id])
		delete(q.pending, id)
	}

	q.order = q.order[:0]

	return items
}
