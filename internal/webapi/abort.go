package webapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cryguy/fetch/internal/core"
)

// AbortSignal reports cancellation of an operation.
type AbortSignal struct {
	mu        sync.Mutex
	aborted   bool
	reason    any
	listeners map[int]func(reason any)
	nextID    int
	done      chan struct{}

	never                bool
	ignoreForSubrequests bool
}

func newAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// AbortController owns a signal and can abort it.
type AbortController struct {
	signal *AbortSignal
}

func NewAbortController() *AbortController {
	return &AbortController{signal: newAbortSignal()}
}

func (c *AbortController) Signal() *AbortSignal { return c.signal }

// Abort fires the signal. A nil reason becomes a generic abort error.
func (c *AbortController) Abort(reason any) { c.signal.abort(reason) }

// NeverAbortSignal returns a signal that can never fire.
func NeverAbortSignal() *AbortSignal {
	s := newAbortSignal()
	s.never = true
	return s
}

// AbortedSignal returns a signal that has already fired with reason.
func AbortedSignal(reason any) *AbortSignal {
	s := newAbortSignal()
	s.abort(reason)
	return s
}

// TimeoutSignal returns a signal that fires after d.
func TimeoutSignal(d time.Duration) *AbortSignal {
	s := newAbortSignal()
	time.AfterFunc(d, func() {
		s.abort(context.DeadlineExceeded)
	})
	return s
}

// AnySignal returns a signal that fires when any of signals fires.
func AnySignal(signals ...*AbortSignal) *AbortSignal {
	s := newAbortSignal()
	for _, src := range signals {
		if src.Aborted() {
			s.abort(src.Reason())
			return s
		}
	}
	for _, src := range signals {
		src.AddListener(s.abort)
	}
	return s
}

// signalFromContext returns a signal that fires when ctx is done. Signals
// of inbound requests are not forwarded to subrequests.
func signalFromContext(ctx context.Context) (*AbortSignal, func() bool) {
	s := newAbortSignal()
	s.ignoreForSubrequests = true
	stop := context.AfterFunc(ctx, func() {
		s.abort(context.Cause(ctx))
	})
	return s, stop
}

func (s *AbortSignal) abort(reason any) {
	if reason == nil {
		reason = core.ErrAborted
	}
	s.mu.Lock()
	if s.aborted || s.never {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	listeners := s.listeners
	s.listeners = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(reason)
	}
}

func (s *AbortSignal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *AbortSignal) Reason() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// NeverAborts reports whether the signal can never fire.
func (s *AbortSignal) NeverAborts() bool { return s.never }

// IgnoreForSubrequests reports whether fetches should drop this signal.
func (s *AbortSignal) IgnoreForSubrequests() bool { return s.ignoreForSubrequests }

// Done is closed when the signal fires.
func (s *AbortSignal) Done() <-chan struct{} { return s.done }

// Err returns an *core.AbortError once the signal fired, nil before.
func (s *AbortSignal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		return nil
	}
	return abortError(s.reason)
}

// ThrowIfAborted is Err under its web name.
func (s *AbortSignal) ThrowIfAborted() error { return s.Err() }

func abortError(reason any) error {
	if err, ok := reason.(error); ok {
		var ae *core.AbortError
		if errors.As(err, &ae) {
			return ae
		}
	}
	return &core.AbortError{Reason: reason}
}

// AddListener registers fn to run when the signal fires. If it already
// fired, fn runs immediately. The returned func unregisters fn.
func (s *AbortSignal) AddListener(fn func(reason any)) (remove func()) {
	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return func() {}
	}
	if s.never {
		s.mu.Unlock()
		return func() {}
	}
	if s.listeners == nil {
		s.listeners = make(map[int]func(any))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
