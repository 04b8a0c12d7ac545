package webapi

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/cryguy/fetch/internal/core"
)

// channelFunc is a dispatch channel that only serves requests.
type channelFunc func(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error)

func (f channelFunc) Request(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	return f(ctx, req)
}

func (channelFunc) Connect(context.Context, string) (net.Conn, error) { return nil, core.ErrNotSupported }

func (channelFunc) Queue(context.Context, *core.QueueEvent) (*core.QueueResult, error) {
	return nil, core.ErrNotSupported
}

func (channelFunc) Scheduled(context.Context, *core.ScheduledEvent) (*core.ScheduledResult, error) {
	return nil, core.ErrNotSupported
}

func (channelFunc) CallRPC(context.Context, *core.RPCCall) (*core.RPCResult, error) {
	return nil, core.ErrNotSupported
}

// recordedRequest is what a recordingChannel saw, with the body read out.
type recordedRequest struct {
	method string
	url    string
	header http.Header
	body   string
}

// recordingChannel answers every request with respond and remembers it.
type recordingChannel struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(n int, req *core.WorkerRequest) *core.WorkerResponse
}

func (c *recordingChannel) channel() channelFunc {
	return func(_ context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
		var body string
		if req.Body != nil {
			data, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			req.Body.Close()
			body = string(data)
		}
		c.mu.Lock()
		n := len(c.requests)
		c.requests = append(c.requests, recordedRequest{
			method: req.Method,
			url:    req.URL,
			header: req.Header.Clone(),
			body:   body,
		})
		c.mu.Unlock()
		return c.respond(n, req), nil
	}
}

func (c *recordingChannel) seen() []recordedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedRequest(nil), c.requests...)
}

// testConfig is the default config with private addresses reachable, so
// httptest servers can be used.
func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.BlockPrivateAddresses = false
	return cfg
}

// newTestContext registers a request state for the duration of the test.
func newTestContext(t *testing.T, cfg core.Config, channels ...core.WorkerInterface) context.Context {
	t.Helper()
	id := core.NewRequestState(cfg, channels, nil)
	t.Cleanup(func() { core.ClearRequestState(id) })
	return core.WithRequestID(context.Background(), id)
}

func textResponse(status int, header http.Header, body string) *core.WorkerResponse {
	if header == nil {
		header = make(http.Header)
	}
	return &core.WorkerResponse{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func redirectResponse(status int, location string) *core.WorkerResponse {
	h := make(http.Header)
	h.Set("Location", location)
	return textResponse(status, h, "")
}
