package engine

import (
	"context"
	"sync"
)

// callQueue admits one call at a time in arrival order. A waiter whose
// context ends leaves the queue without disturbing the others.
type callQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// acquire blocks until the caller owns the queue or ctx ends.
func (q *callQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	queueDepth.Inc()
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			queueDepth.Dec()
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	q.mu.Unlock()

	// The slot was handed over while ctx ended; pass it on.
	q.release()
	return ctx.Err()
}

// release hands the queue to the next waiter, or marks it idle.
func (q *callQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	queueDepth.Dec()
	close(next)
}

// waiting returns the number of callers blocked in acquire.
func (q *callQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
