package webapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/fetch/internal/core"
)

// HTTPClient is the global outbound channel: it sends requests to the
// network over HTTP and dials WebSocket upgrades.
type HTTPClient struct {
	client       *http.Client
	wsClient     *http.Client
	blockPrivate bool
}

// NewHTTPClient returns a client honoring cfg.FetchTimeout and
// cfg.BlockPrivateAddresses. Redirects are never followed here; fetch
// handles them.
func NewHTTPClient(cfg core.Config) *HTTPClient {
	c := &HTTPClient{blockPrivate: cfg.BlockPrivateAddresses}
	transport := &http.Transport{
		DialContext:         c.dialContext,
		DisableCompression:  true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c.client = &http.Client{
		Transport: transport,
		Timeout:   cfg.FetchTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.wsClient = &http.Client{Transport: transport}
	return c
}

// SetTransport replaces the round tripper. Tests use it to reach
// httptest servers through custom transports.
func (c *HTTPClient) SetTransport(rt http.RoundTripper) {
	c.client.Transport = rt
	c.wsClient.Transport = rt
}

func (c *HTTPClient) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !c.blockPrivate {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	return ssrfSafeDialContext(ctx, network, addr)
}

// Request sends req to the network. Forbidden headers are dropped.
func (c *HTTPClient) Request(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	if c.blockPrivate && IsPrivateHostname(req.URL) {
		return nil, fmt.Errorf("%w: fetch to private addresses is not allowed", core.ErrNetwork)
	}
	if isWebSocketUpgrade(req.Header) {
		return c.dialWebSocket(ctx, req)
	}

	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, core.Invalidf("fetch API cannot load %q: %v", req.URL, err)
	}
	if req.Body != nil {
		hreq.ContentLength = req.ContentLength
	}
	copyAllowedHeaders(hreq.Header, req.Header)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}
	return &core.WorkerResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func copyAllowedHeaders(dst, src http.Header) {
	for k, vs := range src {
		if ForbiddenFetchHeaders[strings.ToLower(k)] {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

// statusText extracts the reason phrase from "200 OK".
func statusText(resp *http.Response) string {
	return strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
}

func (c *HTTPClient) dialWebSocket(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	h := make(http.Header)
	var subprotocols []string
	for k, vs := range req.Header {
		lk := strings.ToLower(k)
		switch {
		case lk == "sec-websocket-protocol":
			for _, v := range vs {
				for _, p := range strings.Split(v, ",") {
					if p = strings.TrimSpace(p); p != "" {
						subprotocols = append(subprotocols, p)
					}
				}
			}
			continue
		case ForbiddenFetchHeaders[lk], strings.HasPrefix(lk, "sec-websocket-"):
			continue
		}
		h[k] = append([]string(nil), vs...)
	}

	conn, resp, err := websocket.Dial(ctx, req.URL, &websocket.DialOptions{
		HTTPClient:   c.wsClient,
		HTTPHeader:   h,
		Subprotocols: subprotocols,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			// The peer declined the upgrade; surface its answer as a
			// normal response.
			return &core.WorkerResponse{
				StatusCode: resp.StatusCode,
				StatusText: statusText(resp),
				Header:     resp.Header,
				Body:       resp.Body,
			}, nil
		}
		return nil, fmt.Errorf("%w: websocket dial: %w", core.ErrNetwork, err)
	}
	conn.SetReadLimit(MaxWSMessageBytes)
	return &core.WorkerResponse{
		StatusCode: http.StatusSwitchingProtocols,
		StatusText: statusText(resp),
		Header:     resp.Header,
		WebSocket:  conn,
	}, nil
}

// Connect opens a TCP connection to address ("host:port").
func (c *HTTPClient) Connect(ctx context.Context, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, core.Invalidf("invalid socket address %q", address)
	}
	return ssrfSafeTCPDial(ctx, host, port, c.blockPrivate)
}

func (c *HTTPClient) Queue(context.Context, *core.QueueEvent) (*core.QueueResult, error) {
	return nil, fmt.Errorf("http: queue: %w", core.ErrNotSupported)
}

func (c *HTTPClient) Scheduled(context.Context, *core.ScheduledEvent) (*core.ScheduledResult, error) {
	return nil, fmt.Errorf("http: scheduled: %w", core.ErrNotSupported)
}

func (c *HTTPClient) CallRPC(context.Context, *core.RPCCall) (*core.RPCResult, error) {
	return nil, fmt.Errorf("http: rpc: %w", core.ErrNotSupported)
}

// --- SSRF Protection ---

// IsPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	return isPrivateHost(hostname)
}

func isPrivateHost(hostname string) bool {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// private ranges at connect time, preventing DNS rebinding.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ip, err := resolvePublicIP(ctx, host)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// resolvePublicIP returns the first non-private address of host.
func resolvePublicIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: connections to private addresses are not allowed", core.ErrNetwork)
		}
		return ip, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: DNS lookup failed for %s: %w", core.ErrNetwork, host, err)
	}
	for _, ip := range ips {
		if !IsPrivateIP(ip.IP) {
			return ip.IP, nil
		}
	}
	return nil, fmt.Errorf("%w: connections to private addresses are not allowed", core.ErrNetwork)
}

// privateRanges is parsed once at init time.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// IsPrivateIP returns true if the IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
