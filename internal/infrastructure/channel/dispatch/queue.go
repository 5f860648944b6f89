// Package dispatch delivers subscription snapshots to one callback in order.
package dispatch

import (
	"sync"
	"sync/atomic"

	"proctornet/internal/core/domain"
)

// Queue is an unbounded FIFO drained by a single goroutine, so a slow or
// re-entrant subscriber never blocks the writer that produced the change.
type Queue struct {
	mu        sync.Mutex
	pending   []domain.Snapshot
	wake      chan struct{}
	done      chan struct{}
	cancelled atomic.Bool
	closeOnce sync.Once
}

// NewQueue starts the delivery goroutine for fn.
func NewQueue(fn func(domain.Snapshot)) *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run(fn)
	return q
}

func (q *Queue) Push(snap domain.Snapshot) {
	if q.cancelled.Load() {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, snap)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel stops delivery. Snapshots still queued are dropped.
func (q *Queue) Cancel() {
	q.closeOnce.Do(func() {
		q.cancelled.Store(true)
		close(q.done)
	})
}

func (q *Queue) Cancelled() bool {
	return q.cancelled.Load()
}

func (q *Queue) run(fn func(domain.Snapshot)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			snap := q.pending[0]
			q.pending[0] = domain.Snapshot{}
			q.pending = q.pending[1:]
			q.mu.Unlock()

			if q.cancelled.Load() {
				return
			}
			fn(snap)
		}
	}
}
