package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/fetch/internal/core"
)

// stubService is a dispatch channel that serves requests from a fixed
// path table and records every other event it receives.
type stubService struct {
	mu        sync.Mutex
	requests  []recordedRequest
	queued    []*core.QueueEvent
	scheduled []*core.ScheduledEvent
	conns     []net.Conn
}

func (s *stubService) Request(_ context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{method: req.Method, url: req.URL, header: req.Header, body: body})
	s.mu.Unlock()

	u, _ := url.Parse(req.URL)
	switch u.Path {
	case "/text":
		return textResponse(http.StatusOK, nil, "hello"), nil
	case "/json":
		return textResponse(http.StatusOK, nil, `{"a":1}`), nil
	case "/missing":
		return textResponse(http.StatusNotFound, nil, "not found"), nil
	case "/broken":
		return textResponse(http.StatusInternalServerError, nil, "boom"), nil
	default:
		return textResponse(http.StatusOK, nil, ""), nil
	}
}

func (s *stubService) Connect(context.Context, string) (net.Conn, error) {
	local, remote := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, remote)
	s.mu.Unlock()
	return local, nil
}

func (s *stubService) Queue(_ context.Context, ev *core.QueueEvent) (*core.QueueResult, error) {
	s.mu.Lock()
	s.queued = append(s.queued, ev)
	s.mu.Unlock()
	return &core.QueueResult{Outcome: core.OutcomeOK, AckAll: true}, nil
}

func (s *stubService) Scheduled(_ context.Context, ev *core.ScheduledEvent) (*core.ScheduledResult, error) {
	s.mu.Lock()
	s.scheduled = append(s.scheduled, ev)
	s.mu.Unlock()
	return &core.ScheduledResult{Outcome: core.OutcomeOK}, nil
}

func (s *stubService) CallRPC(context.Context, *core.RPCCall) (*core.RPCResult, error) {
	return nil, core.ErrNotSupported
}

func serviceFixture(t *testing.T, cfg core.Config) (context.Context, *Fetcher, *stubService) {
	t.Helper()
	svc := &stubService{}
	ctx := newTestContext(t, cfg, nil, svc)
	return ctx, NewChannelFetcher(1, false, false), svc
}

func TestFetcherGet(t *testing.T) {
	ctx, f, _ := serviceFixture(t, testConfig())
	tests := []struct {
		path string
		typ  string
		want any
	}{
		{"/text", "", "hello"},
		{"/text", "text", "hello"},
		{"/missing", "text", nil},
	}
	for _, tt := range tests {
		got, err := f.Get(ctx, "https://svc"+tt.path, tt.typ)
		if err != nil {
			t.Fatalf("Get(%s, %q): %v", tt.path, tt.typ, err)
		}
		if got != tt.want {
			t.Errorf("Get(%s, %q) = %#v, want %#v", tt.path, tt.typ, got, tt.want)
		}
	}

	v, err := f.Get(ctx, "/json", "json")
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := v.(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("json = %#v", v)
	}
	b, err := f.Get(ctx, "/text", "arrayBuffer")
	if err != nil || string(b.([]byte)) != "hello" {
		t.Errorf("arrayBuffer = %v, %v", b, err)
	}
	s, err := f.Get(ctx, "/text", "stream")
	if err != nil {
		t.Fatal(err)
	}
	stream, ok := s.(*ReadableStream)
	if !ok {
		t.Fatalf("stream = %T", s)
	}
	data, _ := io.ReadAll(stream)
	stream.Close()
	if string(data) != "hello" {
		t.Errorf("stream read %q", data)
	}

	if _, err := f.Get(ctx, "/broken", ""); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Get on 500 = %v", err)
	}
	if _, err := f.Get(ctx, "/text", "xml"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("unknown type = %v, want ErrInvalidInput", err)
	}
}

func TestFetcherPutDelete(t *testing.T) {
	ctx, f, svc := serviceFixture(t, testConfig())

	err := f.Put(ctx, "/kv/key", "value", &PutOptions{Expiration: 1700000000, ExpirationTTL: 60})
	if err != nil {
		t.Fatal(err)
	}
	put := svc.requests[0]
	if put.method != "PUT" || put.body != "value" {
		t.Errorf("put = %s %q", put.method, put.body)
	}
	u, _ := url.Parse(put.url)
	if u.Query().Get("expiration") != "1700000000" || u.Query().Get("expiration_ttl") != "60" {
		t.Errorf("put url = %q", put.url)
	}
	if err := f.Put(ctx, "/broken", nil, nil); err == nil {
		t.Error("Put on 500 succeeded")
	}

	ok, err := f.Delete(ctx, "/kv/key")
	if err != nil || !ok {
		t.Errorf("Delete existing = %v, %v", ok, err)
	}
	ok, err = f.Delete(ctx, "/missing")
	if err != nil || ok {
		t.Errorf("Delete missing = %v, %v", ok, err)
	}
	if svc.requests[len(svc.requests)-1].method != "DELETE" {
		t.Error("Delete did not send DELETE")
	}
}

func TestFetcherServiceOpsFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Flags.FetcherNoGetPutDelete = true
	ctx, f, _ := serviceFixture(t, cfg)

	if _, err := f.Get(ctx, "/text", ""); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Get = %v", err)
	}
	if err := f.Put(ctx, "/text", "x", nil); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Put = %v", err)
	}
	if _, err := f.Delete(ctx, "/text"); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Delete = %v", err)
	}
}

func TestFetcherConnect(t *testing.T) {
	svc := &stubService{}
	id := core.NewRequestState(testConfig(), []core.WorkerInterface{nil, svc}, nil)
	ctx := core.WithRequestID(context.Background(), id)
	f := NewChannelFetcher(1, true, false)

	sock, err := f.Connect(ctx, "db.internal:5432", &SocketOptions{SecureTransport: "starttls", AllowHalfOpen: true})
	if err != nil {
		core.ClearRequestState(id)
		t.Fatal(err)
	}
	if !sock.AllowHalfOpen() {
		t.Error("AllowHalfOpen lost")
	}

	go sock.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(svc.conns[0], buf); err != nil || string(buf) != "hi" {
		t.Errorf("remote read %q, %v", buf, err)
	}

	if err := core.ClearRequestState(id); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := svc.conns[0].Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("socket survived its request context: %v", err)
	}
}

func TestFetcherConnectValidation(t *testing.T) {
	ctx, f, _ := serviceFixture(t, testConfig())
	if _, err := f.Connect(ctx, "no-port", nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("bad address = %v", err)
	}
	if _, err := f.Connect(ctx, "host:1", &SocketOptions{SecureTransport: "maybe"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("bad secureTransport = %v", err)
	}

	sock, err := f.Connect(ctx, "host:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()
	if _, err := sock.StartTLS(ctx); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("StartTLS without starttls = %v", err)
	}
}

func TestFetcherQueue(t *testing.T) {
	ctx, f, svc := serviceFixture(t, testConfig())

	res, err := f.Queue(ctx, "jobs", []QueueMessage{
		{Body: json.RawMessage(`{"n":1}`)},
		{ID: "fixed", SerializedBody: []byte{0xde, 0xad}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeOK || !res.AckAll {
		t.Errorf("result = %+v", res)
	}
	ev := svc.queued[0]
	if ev.QueueName != "jobs" || len(ev.Messages) != 2 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Messages[0].ID == "" || ev.Messages[0].Timestamp.IsZero() {
		t.Error("ID and timestamp not filled in")
	}
	if ev.Messages[1].ID != "fixed" {
		t.Errorf("explicit ID replaced: %q", ev.Messages[1].ID)
	}

	tests := []struct {
		name string
		msg  QueueMessage
		want error
	}{
		{"neither body", QueueMessage{}, core.ErrInvalidInput},
		{"both bodies", QueueMessage{Body: json.RawMessage(`1`), SerializedBody: []byte{1}}, core.ErrInvalidInput},
		{"invalid json", QueueMessage{Body: json.RawMessage(`{`)}, core.ErrDataClone},
	}
	for _, tt := range tests {
		if _, err := f.Queue(ctx, "jobs", []QueueMessage{tt.msg}); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestFetcherScheduled(t *testing.T) {
	ctx, f, svc := serviceFixture(t, testConfig())

	before := time.Now()
	res, err := f.Scheduled(ctx, &ScheduledOptions{Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != core.OutcomeOK {
		t.Errorf("outcome = %q", res.Outcome)
	}
	ev := svc.scheduled[0]
	if ev.Cron != "*/5 * * * *" || ev.ScheduledTime.Before(before) {
		t.Errorf("event = %+v", ev)
	}

	at := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)
	if _, err := f.Scheduled(ctx, &ScheduledOptions{ScheduledTime: at}); err != nil {
		t.Fatal(err)
	}
	if !svc.scheduled[1].ScheduledTime.Equal(at) {
		t.Errorf("scheduledTime = %v", svc.scheduled[1].ScheduledTime)
	}

	for _, expr := range []string{"not a cron", "@every 1m", "61 * * * *"} {
		if _, err := f.Scheduled(ctx, &ScheduledOptions{Cron: expr}); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("cron %q = %v, want ErrInvalidInput", expr, err)
		}
	}
}

func TestFetcherExtraHandlersFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Flags.ServiceBindingExtraHandlers = false
	ctx, f, _ := serviceFixture(t, cfg)

	if _, err := f.Queue(ctx, "q", []QueueMessage{{Body: json.RawMessage(`1`)}}); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Queue = %v", err)
	}
	if _, err := f.Scheduled(ctx, nil); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Scheduled = %v", err)
	}
}

func TestServiceOperationsCountSubrequests(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSubrequests = 3
	ctx, f, _ := serviceFixture(t, cfg)

	if _, err := f.Get(ctx, "/text", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Queue(ctx, "q", []QueueMessage{{Body: json.RawMessage(`1`)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Scheduled(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Connect(ctx, "host:1", nil); !errors.Is(err, core.ErrSubrequestLimit) {
		t.Errorf("fourth operation = %v, want ErrSubrequestLimit", err)
	}
	if n := core.StateFromContext(ctx).SubrequestCount(); n != 3 {
		t.Errorf("SubrequestCount() = %d, want 3", n)
	}
}
