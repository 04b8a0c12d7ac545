package webapi

// Blob is an immutable byte sequence with a MIME type. Slices share the
// parent's storage.
type Blob struct {
	data []byte
	typ  string
}

// NewBlob copies data into a new Blob.
func NewBlob(data []byte, typ string) *Blob {
	return &Blob{data: append([]byte(nil), data...), typ: typ}
}

func (b *Blob) Size() int    { return len(b.data) }
func (b *Blob) Type() string { return b.typ }

// Bytes returns a copy of the blob's contents.
func (b *Blob) Bytes() []byte { return append([]byte(nil), b.data...) }

func (b *Blob) Text() string { return string(b.data) }

// Slice returns a view of [start, end). Negative offsets count from the
// end; out-of-range offsets are clamped.
func (b *Blob) Slice(start, end int, typ string) *Blob {
	n := len(b.data)
	clamp := func(i int) int {
		if i < 0 {
			i += n
		}
		return min(max(i, 0), n)
	}
	start, end = clamp(start), clamp(end)
	if end < start {
		end = start
	}
	return &Blob{data: b.data[start:end:end], typ: typ}
}

// File is a Blob with a name, as found in FormData entries.
type File struct {
	*Blob
	Name string
}
