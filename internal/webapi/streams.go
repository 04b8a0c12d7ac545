package webapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cryguy/fetch/internal/core"
)

// ReadableStream is a body byte stream. It is disturbed as soon as anyone
// reads from it; a disturbed stream can no longer be consumed as a body.
type ReadableStream struct {
	src       io.ReadCloser
	disturbed atomic.Bool

	// lifetime ends when the fetch that produced the stream is cancelled.
	lifetime context.Context
	// teeLimit bounds how far one clone branch may run ahead of the other.
	teeLimit int

	closeOnce sync.Once
	closeErr  error
}

// NewReadableStream wraps r. If r is an io.Closer it is closed with the
// stream.
func NewReadableStream(r io.Reader) *ReadableStream {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &ReadableStream{src: rc}
}

func newBufferStream(buf *Buffer) *ReadableStream {
	return NewReadableStream(bytes.NewReader(buf.View()))
}

// usedStream returns a stream that is already disturbed and empty; it
// stands in for a body that was moved elsewhere.
func usedStream() *ReadableStream {
	s := NewReadableStream(http.NoBody)
	s.disturbed.Store(true)
	return s
}

func (s *ReadableStream) Read(p []byte) (int, error) {
	s.disturbed.Store(true)
	return s.src.Read(p)
}

// Close cancels the stream. Further reads fail or return EOF depending on
// the source.
func (s *ReadableStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.Close()
	})
	return s.closeErr
}

// Disturbed reports whether the stream has been read, consumed or locked.
func (s *ReadableStream) Disturbed() bool { return s.disturbed.Load() }

// claim marks the stream disturbed and reports whether this caller was the
// first to do so.
func (s *ReadableStream) claim() bool {
	return s.disturbed.CompareAndSwap(false, true)
}

const readChunkSize = 32 << 10

var defaultTeeBufferBytes = core.DefaultConfig().TeeBufferBytes

// contextReader is a source whose reads may wait on something other than
// I/O; it gives up when ctx ends.
type contextReader interface {
	readContext(ctx context.Context, p []byte) (int, error)
}

// readAll drains r, checking ctx between reads and, for context-aware
// sources, during them.
func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, readChunkSize)
	read := r.Read
	if cr, ok := r.(contextReader); ok {
		read = func(p []byte) (int, error) { return cr.readContext(ctx, p) }
	}
	for {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		n, err := read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
