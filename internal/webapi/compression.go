package webapi

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// contentCoding returns the single supported Content-Encoding of h, or ""
// when the header is absent, stacked, or names an unknown coding.
func contentCoding(h http.Header) string {
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	switch enc {
	case "gzip", "x-gzip":
		return "gzip"
	case "deflate", "br":
		return enc
	default:
		return ""
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// newDecompressReader wraps body so that reads return decoded bytes.
// Closing the result closes body.
func newDecompressReader(body io.ReadCloser, coding string) (io.ReadCloser, error) {
	switch coding {
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return readCloser{zr, func() error { zr.Close(); return body.Close() }}, nil
	case "deflate":
		// HTTP "deflate" is zlib-wrapped.
		zr, err := zlib.NewReader(body)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return readCloser{zr, func() error { zr.Close(); return body.Close() }}, nil
	case "br":
		return readCloser{brotli.NewReader(body), body.Close}, nil
	default:
		return body, nil
	}
}

type writeCloser struct {
	io.Writer
	close func() error
}

func (w writeCloser) Close() error { return w.close() }

// newCompressWriter returns a writer that encodes into w. Closing the result
// flushes the encoder and closes w.
func newCompressWriter(w io.WriteCloser, coding string) (io.WriteCloser, error) {
	var enc io.WriteCloser
	switch coding {
	case "gzip":
		enc = gzip.NewWriter(w)
	case "deflate":
		enc = zlib.NewWriter(w)
	case "br":
		enc = brotli.NewWriter(w)
	default:
		return w, nil
	}
	return writeCloser{enc, func() error {
		if err := enc.Close(); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}}, nil
}

// lazyDecoder defers reading the encoding header until the first Read so
// that building a response never blocks on the peer.
type lazyDecoder struct {
	body   io.ReadCloser
	coding string
	r      io.ReadCloser
	err    error
}

func decodeBody(body io.ReadCloser, coding string) io.ReadCloser {
	if coding == "" {
		return body
	}
	return &lazyDecoder{body: body, coding: coding}
}

func (d *lazyDecoder) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.r, d.err = newDecompressReader(d.body, d.coding)
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.r.Read(p)
}

func (d *lazyDecoder) Close() error {
	if d.r != nil {
		return d.r.Close()
	}
	return d.body.Close()
}
