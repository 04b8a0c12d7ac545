package webapi

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryguy/fetch/internal/core"
	"github.com/cryguy/fetch/internal/eventloop"
)

func newTestEvent(t *testing.T) (*FetchEvent, *eventloop.EventLoop) {
	t.Helper()
	req, err := NewRequest("https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	loop := eventloop.New()
	return NewFetchEvent(req, loop), loop
}

func TestRespondWithOnce(t *testing.T) {
	ev, _ := newTestEvent(t)
	resp, _ := NewResponse("ok", nil)
	if err := ev.RespondWith(core.Resolved(resp)); err != nil {
		t.Fatal(err)
	}
	if err := ev.RespondWith(core.Resolved(resp)); !errors.Is(err, core.ErrAlreadyResponded) {
		t.Errorf("second RespondWith = %v", err)
	}

	p, ok, err := ev.GetResponsePromise()
	if err != nil || !ok {
		t.Fatalf("GetResponsePromise = %v, %v", ok, err)
	}
	got, err := p.Await(context.Background())
	if err != nil || got != resp {
		t.Errorf("promise = %v, %v", got, err)
	}
	if _, _, err := ev.GetResponsePromise(); err == nil {
		t.Error("response promise taken twice")
	}
	if err := ev.RespondWith(core.Resolved(resp)); !errors.Is(err, core.ErrAlreadyResponded) {
		t.Errorf("RespondWith after send = %v", err)
	}
}

func TestGetResponsePromiseWithoutRespondWith(t *testing.T) {
	ev, _ := newTestEvent(t)
	p, ok, err := ev.GetResponsePromise()
	if p != nil || ok || err != nil {
		t.Errorf("GetResponsePromise = %v, %v, %v", p, ok, err)
	}
}

func TestPassThroughOnException(t *testing.T) {
	ev, _ := newTestEvent(t)
	if ev.PassThroughRequested() {
		t.Fatal("pass-through requested by default")
	}
	ev.PassThroughOnException()
	if !ev.PassThroughRequested() {
		t.Error("pass-through not recorded")
	}
}

func TestWaitUntil(t *testing.T) {
	ev, loop := newTestEvent(t)

	p := core.NewPromise[int]()
	ev.WaitUntil(p)
	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	ev.WaitUntilFunc(ctx, func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ran.Store(true)
		return nil
	})
	cancel()

	if err := loop.Drain(time.Now().Add(20 * time.Millisecond)); err == nil {
		t.Fatal("loop drained before the promise settled")
	}
	p.Resolve(1)
	if err := loop.Drain(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !ran.Load() {
		t.Error("WaitUntilFunc task did not run to completion")
	}
}
