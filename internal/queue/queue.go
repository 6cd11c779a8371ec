// Package queue provides the unbounded FIFO shared between producer goroutines
// and the playback and speech workers.
package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded, goroutine-safe FIFO. Items are delivered in push
// order; Restore is the only way to put items back at the head.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// TryPop removes the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// PopWait removes the head, waiting up to timeout for one to arrive. It
// returns false on timeout or when ctx is done.
func (q *Queue[T]) PopWait(ctx context.Context, timeout time.Duration) (T, bool) {
	if v, ok := q.TryPop(); ok {
		return v, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if v, ok := q.TryPop(); ok {
				q.rearm()
				return v, true
			}
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Drain removes and returns every queued item in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Restore puts items back at the head, ahead of anything pushed since they
// were drained, keeping their relative order.
func (q *Queue[T]) Restore(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Empty() bool { return q.Len() == 0 }

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// rearm passes the wake-up on when items remain so a second waiter is not
// left sleeping.
func (q *Queue[T]) rearm() {
	if !q.Empty() {
		q.signal()
	}
}
