package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	whatwgurl "github.com/nlnwa/whatwg-url/url"

	"github.com/cryguy/fetch/internal/core"
)

const (
	contentTypeText           = "text/plain;charset=UTF-8"
	contentTypeFormURLEncoded = "application/x-www-form-urlencoded;charset=UTF-8"
	contentTypeJSON           = "application/json"
)

// bodyImpl is a live stream plus, for rewindable bodies, the bytes the
// stream was built from.
type bodyImpl struct {
	stream *ReadableStream
	buffer *Buffer
}

// ExtractedBody is a body initializer converted to its stream/buffer form.
type ExtractedBody struct {
	impl        bodyImpl
	contentType string
}

func (e *ExtractedBody) ContentType() string { return e.contentType }

func bufferBody(data []byte, contentType string) *ExtractedBody {
	buf := newBytesBuffer(data)
	return &ExtractedBody{impl: bodyImpl{stream: newBufferStream(buf), buffer: buf}, contentType: contentType}
}

// ExtractBody converts a body initializer. Streams and readers are adopted
// as-is and cannot be rewound; every other kind is retained as a Buffer.
func ExtractBody(init any) (*ExtractedBody, error) {
	switch v := init.(type) {
	case *ReadableStream:
		return &ExtractedBody{impl: bodyImpl{stream: v}}, nil
	case string:
		return bufferBody([]byte(v), contentTypeText), nil
	case []byte:
		return bufferBody(bytes.Clone(v), ""), nil
	case *Blob:
		buf := newBlobBuffer(v)
		return &ExtractedBody{impl: bodyImpl{stream: newBufferStream(buf), buffer: buf}, contentType: v.typ}, nil
	case *FormData:
		boundary := newBoundary()
		data, err := v.encode(boundary)
		if err != nil {
			return nil, fmt.Errorf("encoding form data: %w", err)
		}
		return bufferBody(data, "multipart/form-data; boundary="+boundary), nil
	case url.Values:
		return bufferBody([]byte(v.Encode()), contentTypeFormURLEncoded), nil
	case *whatwgurl.SearchParams:
		return bufferBody([]byte(v.String()), contentTypeFormURLEncoded), nil
	case io.Reader:
		return &ExtractedBody{impl: bodyImpl{stream: NewReadableStream(v)}}, nil
	case nil:
		return nil, core.Invalidf("body initializer is nil")
	default:
		return nil, core.Invalidf("unsupported body type %T", init)
	}
}

// Body is the shared body half of Request and Response. A nil impl is the
// null body.
type Body struct {
	impl    *bodyImpl
	headers http.Header
}

func newBody(init *ExtractedBody, headers http.Header) Body {
	if init == nil {
		return Body{headers: headers}
	}
	if init.contentType != "" && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", init.contentType)
	}
	impl := init.impl
	return Body{impl: &impl, headers: headers}
}

// Body returns the live stream, or nil for a null body.
func (b *Body) Body() *ReadableStream {
	if b.impl == nil {
		return nil
	}
	return b.impl.stream
}

func (b *Body) BodyUsed() bool {
	return b.impl != nil && b.impl.stream.Disturbed()
}

// GetBodyBuffer returns a new reference to the retained bytes, or nil when
// the body is not buffer-backed or its stream was already disturbed. The
// caller must Release it.
func (b *Body) GetBodyBuffer() *Buffer {
	if b.impl == nil || b.impl.buffer == nil || b.impl.stream.Disturbed() {
		return nil
	}
	return b.impl.buffer.Clone()
}

// CanRewindBody reports whether the body is null or buffer-backed. A
// disturbed buffer-backed body still qualifies: rewinding rebuilds its
// stream from the retained bytes.
func (b *Body) CanRewindBody() bool {
	return b.impl == nil || b.impl.buffer != nil
}

// RewindBody rebuilds the stream from the retained buffer. It panics if
// CanRewindBody is false.
func (b *Body) RewindBody() {
	if !b.CanRewindBody() {
		panic("webapi: RewindBody on a stream-backed body")
	}
	if b.impl == nil {
		return
	}
	b.impl.stream = newBufferStream(b.impl.buffer)
}

// NullifyBody turns the body into the null body.
func (b *Body) NullifyBody() {
	if b.impl == nil {
		return
	}
	if b.impl.buffer != nil {
		b.impl.buffer.Release()
	}
	_ = b.impl.stream.Close()
	b.impl = nil
}

// take moves the body out, leaving a used body behind.
func (b *Body) take() *ExtractedBody {
	if b.impl == nil {
		return nil
	}
	impl := *b.impl
	b.impl = &bodyImpl{stream: usedStream()}
	return &ExtractedBody{impl: impl}
}

// clone splits the body so that the copy and the original each see all
// bytes. Buffer-backed bodies share the buffer; stream bodies are teed.
func (b *Body) clone() (*ExtractedBody, error) {
	if b.impl == nil {
		return nil, nil
	}
	if b.impl.stream.Disturbed() {
		return nil, fmt.Errorf("clone: %w", core.ErrBodyUsed)
	}
	if b.impl.buffer != nil {
		buf := b.impl.buffer.Clone()
		return &ExtractedBody{impl: bodyImpl{stream: newBufferStream(buf), buffer: buf}}, nil
	}
	left, right := teeStream(b.impl.stream)
	b.impl.stream = left
	return &ExtractedBody{impl: bodyImpl{stream: right}}, nil
}

// consume drains the body once. A null body yields no bytes.
func (b *Body) consume(ctx context.Context) ([]byte, error) {
	if b.impl == nil {
		return nil, nil
	}
	s := b.impl.stream
	if !s.claim() {
		return nil, core.ErrBodyUsed
	}
	defer s.Close()
	if b.impl.buffer != nil {
		return bytes.Clone(b.impl.buffer.View()), nil
	}
	return readAll(ctx, s.src)
}

// Bytes reads the whole body.
func (b *Body) Bytes(ctx context.Context) ([]byte, error) {
	data, err := b.consume(ctx)
	if data == nil && err == nil {
		data = []byte{}
	}
	return data, err
}

// ArrayBuffer is Bytes under its web name.
func (b *Body) ArrayBuffer(ctx context.Context) ([]byte, error) { return b.Bytes(ctx) }

// Text reads the body as UTF-8, dropping a leading BOM and replacing
// invalid sequences.
func (b *Body) Text(ctx context.Context) (string, error) {
	data, err := b.consume(ctx)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// JSON reads the body and decodes it into v.
func (b *Body) JSON(ctx context.Context, v any) error {
	data, err := b.consume(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: body is not valid JSON: %v", core.ErrInvalidInput, err)
	}
	return nil
}

// FormData parses a multipart or urlencoded body according to the
// Content-Type header.
func (b *Body) FormData(ctx context.Context) (*FormData, error) {
	mediaType, params, err := mime.ParseMediaType(b.headers.Get("Content-Type"))
	if err != nil {
		return nil, core.Invalidf("unrecognized Content-Type for form data: %q", b.headers.Get("Content-Type"))
	}
	data, err := b.consume(ctx)
	if err != nil {
		return nil, err
	}
	switch mediaType {
	case "multipart/form-data":
		return parseMultipartForm(data, params["boundary"])
	case "application/x-www-form-urlencoded":
		return parseURLEncodedForm(data)
	default:
		return nil, core.Invalidf("unrecognized Content-Type for form data: %q", mediaType)
	}
}

// Blob reads the body into a Blob typed by the Content-Type header.
func (b *Body) Blob(ctx context.Context) (*Blob, error) {
	data, err := b.consume(ctx)
	if err != nil {
		return nil, err
	}
	return &Blob{data: data, typ: strings.ToLower(b.headers.Get("Content-Type"))}, nil
}

// markUsed marks the body as consumed after it was transmitted.
func (b *Body) markUsed() {
	if b.impl != nil {
		b.impl.stream.disturbed.Store(true)
	}
}
