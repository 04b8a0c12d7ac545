package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocket is the message-level view of an accepted or dialed WebSocket.
// *websocket.Conn satisfies it.
type WebSocket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WorkerRequest is a request crossing a dispatch channel (HTTP peer, service
// binding, or the global outbound).
type WorkerRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   io.ReadCloser // nil for a bodyless request

	// ContentLength is the body length when known, -1 otherwise.
	ContentLength int64

	// Metadata is the opaque "cf" blob forwarded with the request.
	Metadata json.RawMessage

	// CacheMode is "", "no-store" or "no-cache".
	CacheMode string
}

// WorkerResponse is the response shape returned by a dispatch channel.
type WorkerResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser // nil for a null body
	WebSocket  WebSocket     // set when the peer accepted an upgrade (status 101)
}

// ResponseSink is the receiving end of Response.Send. An implementation
// exists for net/http and for in-process service bindings.
type ResponseSink interface {
	// Send commits the status line and headers. expectedLength is -1 when
	// unknown. The returned writer receives the body and must be closed.
	Send(statusCode int, statusText string, header http.Header, expectedLength int64) (io.WriteCloser, error)

	// AcceptWebSocket commits a 101 response and returns the peer-facing
	// socket.
	AcceptWebSocket(header http.Header) (WebSocket, error)
}
