// Package fifo is a goroutine-safe FIFO with task accounting.
//
// Every pushed item counts as unfinished until the consumer calls Done for
// it, so WaitUntilEmpty is a drain barrier: it returns once everything pushed
// so far has been popped and processed, not merely popped.
package fifo

import (
	"context"
	"errors"
	"sync"
)

var (
	ERR_CLOSED = errors.New("Queue closed")
)

type Queue[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []T
	unfinished int
	limit      int
	closed     bool
}

// New returns a queue holding at most limit items.
// limit <= 0 means unbounded, Push never blocks then.
func New[T any](limit int) *Queue[T] {
	q := &Queue[T]{
		items: make([]T, 0, 64),
		limit: max(limit, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// wake makes every waiter re-check its condition once ctx is done.
func (q *Queue[T]) wake(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// Push appends item. It only blocks on a bounded queue that is full.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		stop := q.wake(ctx)
		defer stop()
		for len(q.items) >= q.limit && !q.closed {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.cond.Wait()
		}
	}
	if q.closed {
		return ERR_CLOSED
	}

	q.items = append(q.items, item)
	q.unfinished++
	q.cond.Broadcast()
	return nil
}

// PopBlocking removes the oldest item, waiting for one if the queue is empty.
// The caller owes a Done for every item it receives.
func (q *Queue[T]) PopBlocking(ctx context.Context) (T, error) {
	stop := q.wake(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for len(q.items) == 0 {
		if q.closed {
			return zero, ERR_CLOSED
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.cond.Broadcast()
	return item, nil
}

// Done marks one popped item as fully processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("fifo: Done called more times than items were pushed")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.cond.Broadcast()
	}
}

// WaitUntilEmpty blocks until every pushed item has been marked Done.
func (q *Queue[T]) WaitUntilEmpty(ctx context.Context) error {
	stop := q.wake(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Close wakes every waiter. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len is the number of items waiting to be popped.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished is the number of pushed items not yet marked Done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
