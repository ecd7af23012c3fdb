package pipeline

import (
	"sync"
	"time"
)

// item wraps a queued value with its enqueue time so stage metrics can
// report queue wait.
type item[T any] struct {
	value T
	at    time.Time
}

// fifo is an unbounded FIFO with a blocking timed pop. Unbounded matters:
// a backlog in one stage must never block the stage feeding it.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []item[T]
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, item[T]{value: v, at: time.Now()})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// The timeout keeps workers responsive to stop signals without busy
// polling.
func (q *fifo[T]) Pop(timeout time.Duration) (item[T], bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return item[T]{}, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
			return item[T]{}, false
		}
	}
}

func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
