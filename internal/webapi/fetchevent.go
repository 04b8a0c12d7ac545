package webapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryguy/fetch/internal/core"
	"github.com/cryguy/fetch/internal/eventloop"
)

// fetchEventState is the respondWith lifecycle of a FetchEvent.
type fetchEventState interface {
	isFetchEventState()
}

type awaitingRespondWith struct{}

type respondWithCalled struct {
	promise *core.Promise[*Response]
}

type responseSent struct{}

func (awaitingRespondWith) isFetchEventState() {}
func (respondWithCalled) isFetchEventState()   {}
func (responseSent) isFetchEventState()        {}

// Waitable is anything WaitUntil can wait for. *core.Promise and
// *DeferredProxy both qualify.
type Waitable interface {
	Done() <-chan struct{}
}

// FetchEvent is delivered to a FetchHandler for each inbound request.
type FetchEvent struct {
	request *Request
	loop    *eventloop.EventLoop

	mu          sync.Mutex
	state       fetchEventState
	passThrough bool
}

// NewFetchEvent wraps req. Background work registered with WaitUntil runs
// on loop.
func NewFetchEvent(req *Request, loop *eventloop.EventLoop) *FetchEvent {
	return &FetchEvent{request: req, loop: loop, state: awaitingRespondWith{}}
}

func (e *FetchEvent) Request() *Request { return e.request }

// RespondWith supplies the eventual response. It may be called once.
func (e *FetchEvent) RespondWith(p *core.Promise[*Response]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state.(type) {
	case awaitingRespondWith:
		e.state = respondWithCalled{promise: p}
		return nil
	case respondWithCalled, responseSent:
		return core.ErrAlreadyResponded
	default:
		panic(fmt.Sprintf("webapi: unknown fetch event state %T", e.state))
	}
}

// GetResponsePromise is called by the dispatcher once the handler returns.
// ok is false when the handler never called RespondWith. A second call
// fails.
func (e *FetchEvent) GetResponsePromise() (p *core.Promise[*Response], ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch s := e.state.(type) {
	case awaitingRespondWith:
		e.state = responseSent{}
		return nil, false, nil
	case respondWithCalled:
		e.state = responseSent{}
		return s.promise, true, nil
	case responseSent:
		return nil, false, core.Invalidf("response promise already taken")
	default:
		panic(fmt.Sprintf("webapi: unknown fetch event state %T", e.state))
	}
}

// PassThroughOnException asks the dispatcher to forward the request to the
// next service if the handler fails.
func (e *FetchEvent) PassThroughOnException() {
	e.mu.Lock()
	e.passThrough = true
	e.mu.Unlock()
}

func (e *FetchEvent) PassThroughRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passThrough
}

// WaitUntil keeps the event's context alive until w is done.
func (e *FetchEvent) WaitUntil(w Waitable) {
	e.loop.Go("waitUntil", func() error {
		<-w.Done()
		return nil
	})
}

// WaitUntilFunc runs fn in the background under the event's context.
func (e *FetchEvent) WaitUntilFunc(ctx context.Context, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	e.loop.Go("waitUntil", func() error { return fn(ctx) })
}

const eventLoopKey = "eventLoop"

// WaitUntil runs fn in the background under whichever event ctx belongs
// to. Queue, scheduled, connect and RPC handlers use it the way fetch
// handlers use FetchEvent.WaitUntilFunc.
func WaitUntil(ctx context.Context, fn func(ctx context.Context) error) error {
	state, err := requestState(ctx)
	if err != nil {
		return fmt.Errorf("waitUntil: %w", err)
	}
	loop, ok := state.GetExt(eventLoopKey).(*eventloop.EventLoop)
	if !ok {
		return fmt.Errorf("waitUntil: %w", core.ErrNoContext)
	}
	ctx = context.WithoutCancel(ctx)
	loop.Go("waitUntil", func() error { return fn(ctx) })
	return nil
}
