package webapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cryguy/fetch/internal/core"
)

// SendOptions describes the inbound request a response is sent for.
type SendOptions struct {
	// AllowWebSocket permits WebSocket responses (only inbound upgrades).
	AllowWebSocket bool
	// Method of the inbound request; HEAD suppresses the body.
	Method string
}

// DeferredProxy is the background half of Send: it finishes writing the
// body (or relaying WebSocket frames) after the headers have gone out.
type DeferredProxy struct {
	done chan struct{}
	err  error
}

func newDeferredProxy(fn func() error) *DeferredProxy {
	p := &DeferredProxy{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("deferred proxy panic: %v", r)
			}
		}()
		p.err = fn()
	}()
	return p
}

func settledProxy(err error) *DeferredProxy {
	p := &DeferredProxy{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Done is closed once the proxy has finished.
func (p *DeferredProxy) Done() <-chan struct{} { return p.done }

// Wait blocks until the proxy finishes and returns its error.
func (p *DeferredProxy) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Send writes the response to sink. Headers are committed before Send
// returns; the body is written by the returned proxy.
func (r *Response) Send(ctx context.Context, sink core.ResponseSink, opts SendOptions) (*DeferredProxy, error) {
	if r.status == 0 {
		return nil, core.Invalidf("a network-error response cannot be sent")
	}
	if r.webSocket != nil && !opts.AllowWebSocket {
		return nil, core.ErrWebSocketNotAllowed
	}
	if r.BodyUsed() {
		return nil, fmt.Errorf("send: %w", core.ErrBodyUsed)
	}
	if !r.sent.CompareAndSwap(false, true) {
		return nil, core.ErrAlreadySent
	}

	if r.webSocket != nil {
		peer, err := sink.AcceptWebSocket(r.headers.Clone())
		if err != nil {
			return nil, fmt.Errorf("accepting websocket: %w", err)
		}
		ws := r.webSocket
		return newDeferredProxy(func() error {
			return bridgeWebSockets(ctx, peer, ws)
		}), nil
	}

	header := r.headers.Clone()
	statusText := r.statusText
	if statusText == "" {
		statusText = http.StatusText(r.status)
	}
	coding := ""
	if r.bodyEncoding == EncodingAuto {
		coding = contentCoding(header)
	}

	length := int64(-1)
	switch {
	case r.impl == nil:
		length = 0
	case coding != "":
		header.Del("Content-Length")
	case r.impl.buffer != nil:
		length = int64(r.impl.buffer.Len())
	default:
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			length = n
		}
	}

	w, err := sink.Send(r.status, statusText, header, length)
	if err != nil {
		return nil, fmt.Errorf("sending response: %w", err)
	}

	if r.impl == nil || opts.Method == http.MethodHead {
		if r.impl != nil {
			r.impl.stream.claim()
			r.impl.stream.Close()
		}
		return settledProxy(w.Close()), nil
	}

	stream := r.impl.stream
	stream.claim()
	raw := w
	if coding != "" {
		if w, err = newCompressWriter(raw, coding); err != nil {
			stream.Close()
			raw.Close()
			return nil, err
		}
	}
	return newDeferredProxy(func() error {
		return pumpBody(ctx, stream, w, raw)
	}), nil
}

type closeWithErrorer interface {
	CloseWithError(err error) error
}

// pumpBody copies src to w, closing both when done. A read failure is
// propagated to raw when it supports CloseWithError.
func pumpBody(ctx context.Context, src *ReadableStream, w, raw io.WriteCloser) error {
	defer src.Close()
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := src.src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return fmt.Errorf("writing response body: %w", werr)
			}
		}
		if rerr == io.EOF {
			return w.Close()
		}
		if rerr != nil {
			if cerr := context.Cause(ctx); cerr != nil {
				rerr = cerr
			}
			if c, ok := raw.(closeWithErrorer); ok {
				c.CloseWithError(rerr)
			} else {
				w.Close()
			}
			return fmt.Errorf("reading response body: %w", rerr)
		}
	}
}
