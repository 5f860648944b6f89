package webrtc

import (
	"context"
	"sync"
	"time"

	"proctornet/internal/core/domain"
)

// eventLoop runs posted closures one at a time on a single goroutine. Everything a
// supervisor and its sessions own is only touched from inside the loop.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn and reports false if the loop is already stopped.
func (l *eventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn inside the loop and waits for it. Never call it from inside the loop.
func (l *eventLoop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return domain.ErrSupervisorStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.finished:
		// The loop may have drained fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrSupervisorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn into the loop once d has elapsed.
func (l *eventLoop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Stop rejects new work, runs what is already queued and waits for the loop to exit.
func (l *eventLoop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.finished
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.done)
	<-l.finished
}

func (l *eventLoop) run() {
	defer close(l.finished)
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *eventLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
