package webapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cryguy/fetch/internal/core"
)

func limitedStream(r io.Reader, limit int) *ReadableStream {
	s := NewReadableStream(r)
	s.teeLimit = limit
	return s
}

func TestTeeBothBranchesSeeEveryByte(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := strings.Repeat("0123456789", 10_000)
	src := limitedStream(strings.NewReader(data), 1024)
	left, right := teeStream(src)
	if !src.Disturbed() {
		t.Error("source not locked by tee")
	}

	var wg sync.WaitGroup
	got := make([][]byte, 2)
	errs := make([]error, 2)
	for i, s := range []*ReadableStream{left, right} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = io.ReadAll(s)
		}()
	}
	wg.Wait()

	for i := range got {
		if errs[i] != nil {
			t.Fatalf("branch %d: %v", i, errs[i])
		}
		if !bytes.Equal(got[i], []byte(data)) {
			t.Errorf("branch %d read %d bytes, want %d", i, len(got[i]), len(data))
		}
	}
}

func TestTeeBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := strings.Repeat("x", 64)
	left, right := teeStream(limitedStream(strings.NewReader(data), 8))

	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(left)
		done <- b
	}()

	select {
	case <-done:
		t.Fatal("fast branch finished while the slow branch held no room")
	case <-time.After(50 * time.Millisecond):
	}

	// Reading the slow branch lets the fast one make progress.
	rest, err := io.ReadAll(right)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != data {
		t.Errorf("slow branch read %d bytes, want %d", len(rest), len(data))
	}
	if b := <-done; string(b) != data {
		t.Errorf("fast branch read %d bytes, want %d", len(b), len(data))
	}
}

func TestTeeCancelledBranchDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := strings.Repeat("y", 4096)
	closed := false
	src := limitedStream(readCloser{
		Reader: strings.NewReader(data),
		close:  func() error { closed = true; return nil },
	}, 16)
	left, right := teeStream(src)
	if err := right.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := right.Read(make([]byte, 1)); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("read on closed branch = %v, want ErrClosedPipe", err)
	}

	got, err := io.ReadAll(left)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(data) {
		t.Errorf("read %d bytes, want %d", len(got), len(data))
	}
	if closed {
		t.Error("source closed while a branch is still open")
	}
	left.Close()
	if !closed {
		t.Error("source not closed after both branches were")
	}
}

func TestTeeSequentialDrainHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := strings.Repeat("z", 64<<10)
	resp, err := NewResponse(limitedStream(strings.NewReader(data), 1024), nil)
	if err != nil {
		t.Fatal(err)
	}
	clone, err := resp.Clone()
	if err != nil {
		t.Fatal(err)
	}

	// The original branch is never read, so the clone can only get limit
	// bytes ahead before it has to wait.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := clone.Text(ctx)
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("clone.Text = %v, want DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("clone.Text did not return after its context expired")
	}

	// The failed read cancelled the clone branch, which releases the original.
	text, err := resp.Text(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(text) != len(data) {
		t.Errorf("original read %d bytes, want %d", len(text), len(data))
	}
}

func TestTeeLifetimeEndWakesBlockedBranch(t *testing.T) {
	defer goleak.VerifyNone(t)

	lifetime, cancel := context.WithCancelCause(context.Background())
	src := limitedStream(strings.NewReader(strings.Repeat("a", 4096)), 16)
	src.lifetime = lifetime
	left, right := teeStream(src)
	defer right.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(left)
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("left branch finished early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel(core.ErrAborted)
	select {
	case err := <-errc:
		var ae *core.AbortError
		if !errors.As(err, &ae) {
			t.Errorf("blocked read = %v, want AbortError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked branch not woken by the end of its lifetime")
	}
	left.Close()
}

func TestTeeReadAfterLifetimeEndReturnsQueuedBytes(t *testing.T) {
	defer goleak.VerifyNone(t)

	lifetime, cancel := context.WithCancelCause(context.Background())
	src := limitedStream(strings.NewReader(strings.Repeat("b", 64)), 16)
	src.lifetime = lifetime
	left, right := teeStream(src)
	defer left.Close()
	defer right.Close()

	buf := make([]byte, 8)
	if _, err := left.Read(buf); err != nil {
		t.Fatal(err)
	}
	cancel(core.ErrAborted)

	// right still holds what left pulled before the abort.
	n, err := right.Read(make([]byte, 64))
	if err != nil || n == 0 {
		t.Fatalf("queued read = %d, %v", n, err)
	}
	var ae *core.AbortError
	if _, err := right.Read(make([]byte, 64)); !errors.As(err, &ae) {
		t.Errorf("read past queued bytes = %v, want AbortError", err)
	}
}
