package webapi

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// bufferOwner is the storage behind a Buffer: either reference-counted
// bytes owned by the body layer, or a Blob.
type bufferOwner interface {
	isBufferOwner()
}

type refcountedBytes struct {
	mu    sync.Mutex
	bytes []byte
	refs  int
}

func (*refcountedBytes) isBufferOwner() {}
func (*Blob) isBufferOwner()            {}

// Buffer is one reference to retained body bytes. Clones share storage;
// refcounted storage is dropped when the last reference is released.
type Buffer struct {
	owner    bufferOwner
	view     []byte
	released atomic.Bool
}

func newBytesBuffer(b []byte) *Buffer {
	return &Buffer{owner: &refcountedBytes{bytes: b, refs: 1}, view: b}
}

func newBlobBuffer(b *Blob) *Buffer {
	return &Buffer{owner: b, view: b.data}
}

// View returns the retained bytes. Callers must not modify them.
func (b *Buffer) View() []byte { return b.view }

func (b *Buffer) Len() int { return len(b.view) }

// Clone returns a new reference to the same storage.
func (b *Buffer) Clone() *Buffer {
	switch o := b.owner.(type) {
	case *refcountedBytes:
		o.mu.Lock()
		o.refs++
		o.mu.Unlock()
		return &Buffer{owner: o, view: b.view}
	case *Blob:
		return &Buffer{owner: o, view: b.view}
	default:
		panic(fmt.Sprintf("webapi: unknown buffer owner %T", o))
	}
}

// Release drops this reference. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	switch o := b.owner.(type) {
	case *refcountedBytes:
		o.mu.Lock()
		o.refs--
		if o.refs == 0 {
			o.bytes = nil
		}
		o.mu.Unlock()
	case *Blob:
		// Blob storage lives as long as the Blob.
	default:
		panic(fmt.Sprintf("webapi: unknown buffer owner %T", o))
	}
	b.view = nil
}

// sharesStorage reports whether two buffers are references to the same owner.
func (b *Buffer) sharesStorage(other *Buffer) bool {
	return b.owner == other.owner
}

func (b *Buffer) refCount() int {
	if o, ok := b.owner.(*refcountedBytes); ok {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.refs
	}
	return -1
}
