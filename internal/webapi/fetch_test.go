package webapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/fetch/internal/core"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.10.20", true},
		{"169.254.169.254", true}, // cloud metadata
		{"0.0.0.1", true},
		{"100.64.0.1", true}, // CGNAT
		{"100.128.0.1", false},
		{"192.0.2.1", true}, // TEST-NET-1
		{"198.18.0.1", true},
		{"203.0.113.9", true},
		{"240.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"fd12:3456:789a::1", true}, // unique local
		{"fe80::1", true},
		{"2607:f8b0:4004:800::200e", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP: %s", tt.ip)
			}
			if got := IsPrivateIP(ip); got != tt.private {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
			}
		})
	}
}

func TestIsPrivateHostname(t *testing.T) {
	tests := []struct {
		url     string
		private bool
	}{
		{"http://localhost/api", true},
		{"http://LOCALHOST/api", true},
		{"http://a.b.localhost/", true},
		{"http://10.0.0.1:8080/", true},
		{"http://[fc00::1]/", true},
		{"http:///nohost", true},
		{"http://8.8.8.8/", false},
		{"https://example.com:443/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsPrivateHostname(tt.url); got != tt.private {
				t.Errorf("IsPrivateHostname(%q) = %v, want %v", tt.url, got, tt.private)
			}
		})
	}
}

func TestHTTPClientBlocksPrivateAddresses(t *testing.T) {
	c := NewHTTPClient(core.DefaultConfig())
	_, err := c.Request(context.Background(), &core.WorkerRequest{Method: "GET", URL: "http://127.0.0.1:1/", Header: http.Header{}})
	if !errors.Is(err, core.ErrNetwork) {
		t.Errorf("Request = %v, want ErrNetwork", err)
	}
	if _, err := c.Connect(context.Background(), "localhost:22"); !errors.Is(err, core.ErrNetwork) {
		t.Errorf("Connect = %v, want ErrNetwork", err)
	}
}

func TestHTTPClientRequest(t *testing.T) {
	seen := make(chan recordedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- recordedRequest{method: r.Method, header: r.Header.Clone(), body: string(b)}
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
		io.WriteString(w, "moved")
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig())
	h := http.Header{}
	h.Set("X-Custom", "yes")
	h.Set("X-Forwarded-For", "1.2.3.4")
	h.Set("Proxy-Authorization", "secret")
	resp, err := c.Request(context.Background(), &core.WorkerRequest{
		Method:        "POST",
		URL:           srv.URL + "/submit",
		Header:        h,
		Body:          io.NopCloser(strings.NewReader("payload")),
		ContentLength: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound || resp.StatusText != "Found" {
		t.Errorf("status = %d %q; redirects must not be followed", resp.StatusCode, resp.StatusText)
	}
	if resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}
	got := <-seen
	if got.method != "POST" || got.body != "payload" {
		t.Errorf("server saw %s %q", got.method, got.body)
	}
	if got.header.Get("X-Custom") != "yes" {
		t.Error("allowed header was dropped")
	}
	for _, name := range []string{"X-Forwarded-For", "Proxy-Authorization"} {
		if got.header.Get(name) != "" {
			t.Errorf("forbidden header %s was forwarded", name)
		}
	}
}

func TestHTTPClientUnsupportedEvents(t *testing.T) {
	c := NewHTTPClient(testConfig())
	ctx := context.Background()
	if _, err := c.Queue(ctx, &core.QueueEvent{}); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Queue = %v", err)
	}
	if _, err := c.Scheduled(ctx, &core.ScheduledEvent{}); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("Scheduled = %v", err)
	}
	if _, err := c.CallRPC(ctx, &core.RPCCall{}); !errors.Is(err, core.ErrNotSupported) {
		t.Errorf("CallRPC = %v", err)
	}
}

func TestHTTPClientWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		conn.Write(r.Context(), typ, append([]byte("echo:"), data...))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Protocol", "chat, other")
	c := NewHTTPClient(testConfig())
	resp, err := c.Request(ctx, &core.WorkerRequest{Method: "GET", URL: srv.URL + "/ws", Header: h})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols || resp.WebSocket == nil {
		t.Fatalf("status = %d ws = %v", resp.StatusCode, resp.WebSocket)
	}
	if p := resp.Header.Get("Sec-WebSocket-Protocol"); p != "chat" {
		t.Errorf("negotiated protocol = %q", p)
	}
	ws := resp.WebSocket
	if err := ws.Write(ctx, websocket.MessageText, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo:hi" {
		t.Errorf("read %q", data)
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestHTTPClientWebSocketDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no sockets here", http.StatusForbidden)
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	c := NewHTTPClient(testConfig())
	resp, err := c.Request(context.Background(), &core.WorkerRequest{Method: "GET", URL: srv.URL, Header: h})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusForbidden || resp.WebSocket != nil {
		t.Errorf("status = %d ws = %v", resp.StatusCode, resp.WebSocket)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
}

func TestHTTPClientConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	c := NewHTTPClient(testConfig())
	conn, err := c.Connect(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("tcp")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "tcp" {
		t.Errorf("echo = %q", buf)
	}

	if _, err := c.Connect(context.Background(), "no-port"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("bad address = %v, want ErrInvalidInput", err)
	}
}
