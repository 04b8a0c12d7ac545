package core

import (
	"errors"
	"fmt"
)

var (
	ErrBodyUsed            = errors.New("body has already been used")
	ErrAborted             = errors.New("the operation was aborted")
	ErrDataClone           = errors.New("value could not be cloned")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyResponded    = errors.New("respondWith() can only be called once")
	ErrAlreadySent         = errors.New("response has already been sent")
	ErrCloneWebSocket      = errors.New("cannot clone a response with a WebSocket")
	ErrWebSocketNotAllowed = errors.New("a WebSocket response is not allowed here")
	ErrTooManyRedirects    = errors.New("too many redirects")
	ErrRedirectStreamBody  = errors.New("a redirect cannot be followed with a streamed request body")
	ErrSubrequestLimit     = errors.New("too many subrequests")
	ErrNotSupported        = errors.New("operation not supported")
	ErrCrossContext        = errors.New("cannot perform I/O on behalf of a different request")
	ErrNoContext           = errors.New("no request context")
	ErrNetwork             = errors.New("network error")
)

// AbortError is returned when an operation is cancelled through an
// AbortSignal. Reason is whatever was passed to abort().
type AbortError struct {
	Reason any
}

func (e *AbortError) Error() string {
	switch r := e.Reason.(type) {
	case nil:
		return ErrAborted.Error()
	case error:
		return r.Error()
	default:
		return fmt.Sprintf("%s: %v", ErrAborted, r)
	}
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// Invalidf builds an ErrInvalidInput error with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// RemoteError carries an exception raised by the receiving side of an RPC
// or service-binding call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}
