package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventLoop tracks background work belonging to one request context:
// deferred response proxies and waitUntil() registrations. The request
// state is only torn down once the loop has drained.
type EventLoop struct {
	mu      sync.Mutex
	group   errgroup.Group
	pending int
	idle    chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	el := &EventLoop{idle: make(chan struct{})}
	close(el.idle)
	return el
}

// Go runs fn in the background. The first error returned by any task is
// reported by Drain. Panics are converted to errors.
func (el *EventLoop) Go(name string, fn func() error) {
	el.mu.Lock()
	if el.pending == 0 {
		el.idle = make(chan struct{})
	}
	el.pending++
	el.mu.Unlock()

	el.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
			el.mu.Lock()
			el.pending--
			if el.pending == 0 {
				close(el.idle)
			}
			el.mu.Unlock()
		}()
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// HasPending reports whether any background task is still running.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.pending > 0
}

// Drain waits until all background tasks have finished or the deadline
// passes. A zero deadline waits indefinitely. It returns the first task
// error, or context.DeadlineExceeded when tasks are still running.
func (el *EventLoop) Drain(deadline time.Time) error {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return el.Wait(ctx)
}

// Wait is Drain with a context instead of a deadline.
func (el *EventLoop) Wait(ctx context.Context) error {
	el.mu.Lock()
	idle := el.idle
	el.mu.Unlock()

	select {
	case <-idle:
		return el.group.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}
