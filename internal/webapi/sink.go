package webapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/cryguy/fetch/internal/core"
)

var hopByHopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// httpSink writes a Response to a net/http ResponseWriter.
type httpSink struct {
	w http.ResponseWriter
	r *http.Request
}

// NewHTTPSink returns a ResponseSink writing to w for the inbound request r.
func NewHTTPSink(w http.ResponseWriter, r *http.Request) core.ResponseSink {
	return &httpSink{w: w, r: r}
}

func (s *httpSink) Send(status int, _ string, header http.Header, length int64) (io.WriteCloser, error) {
	dst := s.w.Header()
	for k, vs := range header {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = vs
	}
	dst.Del("Content-Length")
	if length >= 0 && !isNullBodyStatus(status) {
		dst.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	s.w.WriteHeader(status)
	return &flushWriter{w: s.w, rc: http.NewResponseController(s.w)}, nil
}

func (s *httpSink) AcceptWebSocket(header http.Header) (core.WebSocket, error) {
	dst := s.w.Header()
	for k, vs := range header {
		switch http.CanonicalHeaderKey(k) {
		case "Upgrade", "Connection", "Sec-Websocket-Accept", "Sec-Websocket-Extensions", "Content-Length":
			continue
		}
		dst[k] = vs
	}
	// Origin policy is the handler's decision.
	conn, err := websocket.Accept(s.w, s.r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxWSMessageBytes)
	return conn, nil
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	_ = f.rc.Flush()
	return n, nil
}

func (f *flushWriter) Close() error { return nil }

// pipeSink hands a Response to an in-process caller as a WorkerResponse
// whose body is the read end of a pipe.
type pipeSink struct {
	resp chan *core.WorkerResponse
}

func newPipeSink() *pipeSink {
	return &pipeSink{resp: make(chan *core.WorkerResponse, 1)}
}

func (s *pipeSink) Send(status int, statusText string, header http.Header, length int64) (io.WriteCloser, error) {
	if length == 0 {
		s.resp <- &core.WorkerResponse{StatusCode: status, StatusText: statusText, Header: header}
		return nopWriteCloser{io.Discard}, nil
	}
	pr, pw := io.Pipe()
	s.resp <- &core.WorkerResponse{StatusCode: status, StatusText: statusText, Header: header, Body: pr}
	return pw, nil
}

func (s *pipeSink) AcceptWebSocket(header http.Header) (core.WebSocket, error) {
	local, remote := newWebSocketPair()
	s.resp <- &core.WorkerResponse{
		StatusCode: http.StatusSwitchingProtocols,
		StatusText: http.StatusText(http.StatusSwitchingProtocols),
		Header:     header,
		WebSocket:  remote,
	}
	return local, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
