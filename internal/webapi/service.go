package webapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/fetch/internal/core"
)

// PutOptions are the optional expiration settings of Fetcher.Put. They are
// forwarded as the expiration and expiration_ttl query parameters.
type PutOptions struct {
	Expiration    int64 // absolute, seconds since the epoch
	ExpirationTTL int64 // seconds from now
}

// serviceOpsEnabled reports whether the get/put/delete wrappers exist.
func serviceOpsEnabled(state *core.RequestState) bool {
	return !state.Config.Flags.FetcherNoGetPutDelete
}

// Get fetches url and decodes a 200 body as typ: "" or "text" for a string,
// "arrayBuffer" for bytes, "json" for a decoded value, "stream" for the
// body stream. A 404 yields (nil, nil).
func (f *Fetcher) Get(ctx context.Context, url, typ string) (any, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if !serviceOpsEnabled(state) {
		return nil, fmt.Errorf("get: %w", core.ErrNotSupported)
	}
	switch typ {
	case "", "text", "arrayBuffer", "json", "stream":
	default:
		return nil, core.Invalidf("unknown response type %q", typ)
	}

	resp, err := f.Fetch(ctx, url, &RequestInit{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}
	if resp.Status() == http.StatusNotFound {
		discardResponse(resp)
		return nil, nil
	}
	if !resp.OK() {
		discardResponse(resp)
		return nil, fmt.Errorf("get %s: HTTP %d %s", url, resp.Status(), resp.StatusText())
	}

	switch typ {
	case "", "text":
		return resp.Text(ctx)
	case "arrayBuffer":
		return resp.Bytes(ctx)
	case "json":
		var v any
		if err := resp.JSON(ctx, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return resp.Body.Body(), nil
	}
}

// Put sends body to url with the PUT method.
func (f *Fetcher) Put(ctx context.Context, url string, body any, opts *PutOptions) error {
	state, err := requestState(ctx)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if !serviceOpsEnabled(state) {
		return fmt.Errorf("put: %w", core.ErrNotSupported)
	}
	u, err := f.ParseURL(url)
	if err != nil {
		return err
	}
	if opts != nil {
		params := u.SearchParams()
		if opts.Expiration != 0 {
			params.Set("expiration", strconv.FormatInt(opts.Expiration, 10))
		}
		if opts.ExpirationTTL != 0 {
			params.Set("expiration_ttl", strconv.FormatInt(opts.ExpirationTTL, 10))
		}
	}

	init := &RequestInit{Method: http.MethodPut}
	if body != nil {
		init.Body = body
	}
	resp, err := f.Fetch(ctx, u, init)
	if err != nil {
		return err
	}
	discardResponse(resp)
	if !resp.OK() {
		return fmt.Errorf("put %s: HTTP %d %s", url, resp.Status(), resp.StatusText())
	}
	return nil
}

// Delete sends a DELETE for url. It reports false on 404.
func (f *Fetcher) Delete(ctx context.Context, url string) (bool, error) {
	state, err := requestState(ctx)
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}
	if !serviceOpsEnabled(state) {
		return false, fmt.Errorf("delete: %w", core.ErrNotSupported)
	}
	resp, err := f.Fetch(ctx, url, &RequestInit{Method: http.MethodDelete})
	if err != nil {
		return false, err
	}
	discardResponse(resp)
	switch {
	case resp.Status() == http.StatusNotFound:
		return false, nil
	case !resp.OK():
		return false, fmt.Errorf("delete %s: HTTP %d %s", url, resp.Status(), resp.StatusText())
	}
	return true, nil
}

func discardResponse(resp *Response) {
	if s := resp.Body.Body(); s != nil {
		s.claim()
		s.Close()
	}
}

// SocketOptions configure Fetcher.Connect.
type SocketOptions struct {
	// SecureTransport is "off" (default), "on" or "starttls".
	SecureTransport string
	AllowHalfOpen   bool
}

// Socket is a raw connection opened through a fetcher.
type Socket struct {
	net.Conn

	host          string
	startTLS      bool
	allowHalfOpen bool
}

// AllowHalfOpen reports whether the writable side stays open after the
// peer closes its side.
func (s *Socket) AllowHalfOpen() bool { return s.allowHalfOpen }

// StartTLS upgrades a socket opened with SecureTransport "starttls". The
// original Socket must not be used afterwards.
func (s *Socket) StartTLS(ctx context.Context) (*Socket, error) {
	if !s.startTLS {
		return nil, core.Invalidf("startTls requires secureTransport \"starttls\"")
	}
	tlsConn := tls.Client(s.Conn, &tls.Config{ServerName: s.host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = s.Conn.Close()
		return nil, fmt.Errorf("connect: TLS handshake failed: %w", err)
	}
	return &Socket{Conn: tlsConn, host: s.host, allowHalfOpen: s.allowHalfOpen}, nil
}

// Connect opens a raw socket to address ("host:port") through the fetcher's
// channel.
func (f *Fetcher) Connect(ctx context.Context, address string, opts *SocketOptions) (*Socket, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if opts == nil {
		opts = &SocketOptions{}
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, core.Invalidf("invalid socket address %q", address)
	}
	switch opts.SecureTransport {
	case "", "off", "on", "starttls":
	default:
		return nil, core.Invalidf("unknown secureTransport %q", opts.SecureTransport)
	}
	if err := f.countSubrequest(state); err != nil {
		return nil, err
	}
	client, err := f.GetClient(ctx, nil, "connect")
	if err != nil {
		return nil, err
	}
	conn, err := client.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	trackSocket(ctx, conn)

	s := &Socket{Conn: conn, host: host, allowHalfOpen: opts.AllowHalfOpen}
	switch opts.SecureTransport {
	case "on":
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect: TLS handshake failed: %w", err)
		}
		s.Conn = tlsConn
	case "starttls":
		s.startTLS = true
	}
	return s, nil
}

// QueueMessage is one message handed to Fetcher.Queue. Exactly one of
// Body and SerializedBody must be set. ID and Timestamp are filled in
// when empty.
type QueueMessage = core.ServiceBindingQueueMessage

func extraHandlersEnabled(state *core.RequestState) bool {
	return state.Config.Flags.ServiceBindingExtraHandlers
}

// Queue delivers a batch of messages to the service's queue handler. Handler
// failures come back in the result's Outcome; the error is reserved for
// dispatch failures.
func (f *Fetcher) Queue(ctx context.Context, queueName string, messages []QueueMessage) (*core.QueueResult, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	if !extraHandlersEnabled(state) {
		return nil, fmt.Errorf("queue: %w", core.ErrNotSupported)
	}
	msgs := make([]core.ServiceBindingQueueMessage, len(messages))
	now := time.Now()
	for i, m := range messages {
		hasBody := len(m.Body) > 0
		hasSerialized := m.SerializedBody != nil
		if hasBody == hasSerialized {
			return nil, core.Invalidf("queue message %d must set exactly one of body and serializedBody", i)
		}
		if hasBody && !json.Valid(m.Body) {
			return nil, fmt.Errorf("queue message %d: %w", i, core.ErrDataClone)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		msgs[i] = m
	}

	if err := f.countSubrequest(state); err != nil {
		return nil, err
	}
	client, err := f.GetClient(ctx, nil, "queue")
	if err != nil {
		return nil, err
	}
	res, err := client.Queue(ctx, &core.QueueEvent{QueueName: queueName, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", queueName, err)
	}
	return res, nil
}

// ScheduledOptions are the optional arguments of Fetcher.Scheduled.
type ScheduledOptions struct {
	ScheduledTime time.Time // zero means now
	Cron          string
}

// Scheduled runs the service's scheduled handler once.
func (f *Fetcher) Scheduled(ctx context.Context, opts *ScheduledOptions) (*core.ScheduledResult, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduled: %w", err)
	}
	if !extraHandlersEnabled(state) {
		return nil, fmt.Errorf("scheduled: %w", core.ErrNotSupported)
	}
	ev := &core.ScheduledEvent{ScheduledTime: time.Now()}
	if opts != nil {
		if !opts.ScheduledTime.IsZero() {
			ev.ScheduledTime = opts.ScheduledTime
		}
		if opts.Cron != "" {
			if err := ValidateCron(opts.Cron); err != nil {
				return nil, err
			}
			ev.Cron = opts.Cron
		}
	}

	if err := f.countSubrequest(state); err != nil {
		return nil, err
	}
	client, err := f.GetClient(ctx, nil, "scheduled")
	if err != nil {
		return nil, err
	}
	res, err := client.Scheduled(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("scheduled: %w", err)
	}
	return res, nil
}
