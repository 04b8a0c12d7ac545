package webapi

import (
	"context"
	"io"
	"sync"
)

// teeSource splits one stream into two branches. Whichever branch needs
// data pulls from the source; bytes are queued for the other branch. A
// branch stops pulling while the other branch already holds limit bytes it
// has not read, so the source advances at the pace of the slower reader.
//
// A waiting branch gives up when its read context ends or when the source's
// lifetime ends, so a stalled tee never outlives the fetch it came from.
type teeSource struct {
	mu       sync.Mutex
	cond     *sync.Cond
	src      io.ReadCloser
	lifetime context.Context
	stopLife func() bool
	limit    int
	chunk    int
	pulling  bool
	err      error
	branches [2]*teeBranch
	open     int
}

type teeBranch struct {
	t       *teeSource
	idx     int
	pending []byte
	closed  bool
}

// teeStream locks s and returns two streams that each observe every byte
// of s exactly once. The branches inherit the lifetime and lag limit of s.
func teeStream(s *ReadableStream) (*ReadableStream, *ReadableStream) {
	s.disturbed.Store(true)
	limit := s.teeLimit
	if limit <= 0 {
		limit = defaultTeeBufferBytes
	}
	t := &teeSource{src: s.src, lifetime: s.lifetime, limit: limit, chunk: min(readChunkSize, limit), open: 2}
	t.cond = sync.NewCond(&t.mu)
	for i := range t.branches {
		t.branches[i] = &teeBranch{t: t, idx: i}
	}
	if t.lifetime != nil {
		t.stopLife = context.AfterFunc(t.lifetime, t.wake)
	}
	left := &ReadableStream{src: t.branches[0], lifetime: s.lifetime, teeLimit: limit}
	right := &ReadableStream{src: t.branches[1], lifetime: s.lifetime, teeLimit: limit}
	return left, right
}

func (t *teeSource) wake() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// lifetimeErr reports whether the source's fetch was cancelled. An
// in-flight pull reports the same condition through t.err, so callers
// only consult this while nobody is pulling. Called with t.mu held.
func (t *teeSource) lifetimeErr() error {
	if t.lifetime == nil || t.lifetime.Err() == nil {
		return nil
	}
	return cancellationError(t.lifetime, context.Cause(t.lifetime))
}

func (b *teeBranch) Read(p []byte) (int, error) {
	return b.readContext(context.Background(), p)
}

func (b *teeBranch) readContext(ctx context.Context, p []byte) (int, error) {
	t := b.t
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, t.wake)
		defer stop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if b.closed {
			return 0, io.ErrClosedPipe
		}
		if len(b.pending) > 0 {
			n := copy(p, b.pending)
			b.pending = b.pending[n:]
			t.cond.Broadcast()
			return n, nil
		}
		if t.err != nil {
			return 0, t.err
		}
		if err := context.Cause(ctx); err != nil {
			return 0, err
		}
		if t.pulling {
			t.cond.Wait()
			continue
		}
		if err := t.lifetimeErr(); err != nil {
			return 0, err
		}
		other := t.branches[1-b.idx]
		if !other.closed && len(other.pending)+t.chunk > t.limit {
			t.cond.Wait()
			continue
		}

		t.pulling = true
		buf := make([]byte, t.chunk)
		t.mu.Unlock()
		n, err := t.src.Read(buf)
		t.mu.Lock()
		t.pulling = false
		if n > 0 {
			for _, br := range t.branches {
				if !br.closed {
					br.pending = append(br.pending, buf[:n]...)
				}
			}
		}
		if err != nil {
			t.err = err
		}
		t.cond.Broadcast()
	}
}

// Close cancels this branch. The source is closed once both branches are.
func (b *teeBranch) Close() error {
	t := b.t
	t.mu.Lock()
	if b.closed {
		t.mu.Unlock()
		return nil
	}
	b.closed = true
	b.pending = nil
	t.open--
	last := t.open == 0
	t.cond.Broadcast()
	t.mu.Unlock()

	if !last {
		return nil
	}
	if t.stopLife != nil {
		t.stopLife()
	}
	return t.src.Close()
}
