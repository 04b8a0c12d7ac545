package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cryguy/fetch/internal/core"
)

// DefaultCacheName is the cache subrequests are stored in.
const DefaultCacheName = "default"

// CachingClient wraps a dispatch channel with a subrequest cache. Only GET
// responses with status 200 and a positive max-age are stored. Requests
// made with cache "no-store" bypass the cache entirely; "no-cache" skips
// the lookup but still stores the fresh response.
//
// Responses to requests carrying Authorization or Cookie are stored only
// when marked public, s-maxage or must-revalidate. A response with Vary is
// stored per variant: the entry under the bare URL records the varying
// header names and the response itself lives under a key that adds the
// request's values for those headers. Vary: * is never stored.
type CachingClient struct {
	core.WorkerInterface

	store     core.CacheStore
	cacheName string
	maxBytes  int64
	log       logrus.FieldLogger
}

// NewCachingClient wraps next. log may be nil.
func NewCachingClient(next core.WorkerInterface, store core.CacheStore, cfg core.Config, log logrus.FieldLogger) *CachingClient {
	if log == nil {
		log = logrus.StandardLogger().WithField("component", "cache")
	}
	return &CachingClient{
		WorkerInterface: next,
		store:           store,
		cacheName:       DefaultCacheName,
		maxBytes:        cfg.MaxResponseBytes,
		log:             log,
	}
}

// cachedHeaders is the stored form of a response header block.
type cachedHeaders struct {
	Header http.Header `json:"header"`
	Vary   []string    `json:"vary,omitempty"`
}

func (c *CachingClient) Request(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	if req.Method != http.MethodGet || req.CacheMode == "no-store" || isWebSocketUpgrade(req.Header) {
		return c.WorkerInterface.Request(ctx, req)
	}

	if req.CacheMode != "no-cache" {
		if cached := c.lookup(req); cached != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			return cached, nil
		}
	}

	resp, err := c.WorkerInterface.Request(ctx, req)
	if err != nil || resp.StatusCode != http.StatusOK || resp.Body == nil || resp.WebSocket != nil {
		return resp, err
	}
	ttl := cacheTTL(resp.Header)
	vary, varyAll := varyNames(resp.Header)
	if ttl <= 0 || varyAll || (hasCredentials(req.Header) && !sharedCacheable(resp.Header)) {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if int64(len(data)) > c.maxBytes {
		resp.Body = readCloser{
			Reader: io.MultiReader(bytes.NewReader(data), resp.Body),
			close:  resp.Body.Close,
		}
		return resp, nil
	}
	resp.Body.Close()

	if err := c.put(req, resp, vary, data, ttl); err != nil {
		c.log.WithError(err).WithField("url", req.URL).Warn("worker: cache store failed")
	}
	resp.Header.Set("CF-Cache-Status", "MISS")
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// lookup returns the stored response for req, or nil on a miss.
func (c *CachingClient) lookup(req *core.WorkerRequest) *core.WorkerResponse {
	log := c.log.WithField("url", req.URL)
	entry, err := c.store.Match(c.cacheName, req.URL)
	if err != nil {
		log.WithError(err).Warn("worker: cache lookup failed")
		return nil
	}
	if entry == nil {
		return nil
	}
	var stored cachedHeaders
	if err := json.Unmarshal([]byte(entry.Headers), &stored); err != nil {
		log.WithError(err).Warn("worker: cache entry unreadable")
		return nil
	}
	if len(stored.Vary) > 0 {
		entry, err = c.store.Match(c.cacheName, variantKey(req.URL, stored.Vary, req.Header))
		if err != nil {
			log.WithError(err).Warn("worker: cache lookup failed")
			return nil
		}
		if entry == nil {
			return nil
		}
		stored = cachedHeaders{}
		if err := json.Unmarshal([]byte(entry.Headers), &stored); err != nil {
			log.WithError(err).Warn("worker: cache entry unreadable")
			return nil
		}
	}
	return cachedResponse(entry.Status, stored.Header, entry.Body)
}

func (c *CachingClient) put(req *core.WorkerRequest, resp *core.WorkerResponse, vary []string, data []byte, ttl int) error {
	headers, err := json.Marshal(cachedHeaders{Header: resp.Header, Vary: vary})
	if err != nil {
		return err
	}
	if err := c.store.Put(c.cacheName, req.URL, resp.StatusCode, string(headers), data, &ttl); err != nil {
		return err
	}
	if len(vary) == 0 {
		return nil
	}
	return c.store.Put(c.cacheName, variantKey(req.URL, vary, req.Header), resp.StatusCode, string(headers), data, &ttl)
}

func cachedResponse(status int, h http.Header, body []byte) *core.WorkerResponse {
	if h == nil {
		h = make(http.Header)
	}
	h.Set("CF-Cache-Status", "HIT")
	return &core.WorkerResponse{
		StatusCode: status,
		StatusText: http.StatusText(status),
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// cacheDirectives parses Cache-Control into lower-cased directive names
// and their unquoted values.
func cacheDirectives(h http.Header) map[string]string {
	d := make(map[string]string)
	for _, v := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
			if name == "" {
				continue
			}
			d[strings.ToLower(name)] = strings.Trim(value, `"`)
		}
	}
	return d
}

// cacheTTL returns the freshness lifetime in seconds granted by the
// response's Cache-Control header, or 0 when it must not be cached.
func cacheTTL(h http.Header) int {
	d := cacheDirectives(h)
	for _, name := range []string{"no-store", "private", "no-cache"} {
		if _, ok := d[name]; ok {
			return 0
		}
	}
	if h.Get("Set-Cookie") != "" {
		return 0
	}
	if v, ok := d["s-maxage"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if n, err := strconv.Atoi(d["max-age"]); err == nil {
		return n
	}
	return 0
}

func hasCredentials(h http.Header) bool {
	return h.Get("Authorization") != "" || h.Get("Cookie") != ""
}

// sharedCacheable reports whether the response explicitly allows a shared
// cache to store it for a request that carried credentials.
func sharedCacheable(h http.Header) bool {
	d := cacheDirectives(h)
	for _, name := range []string{"public", "s-maxage", "must-revalidate"} {
		if _, ok := d[name]; ok {
			return true
		}
	}
	return false
}

// varyNames returns the sorted, canonical header names listed in Vary, and
// whether Vary contains "*".
func varyNames(h http.Header) ([]string, bool) {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			switch name {
			case "":
				continue
			case "*":
				return nil, true
			}
			names = append(names, http.CanonicalHeaderKey(name))
		}
	}
	slices.Sort(names)
	return slices.Compact(names), false
}

// variantKey extends url with the request's values for each varying header.
func variantKey(url string, names []string, h http.Header) string {
	var b strings.Builder
	b.WriteString(url)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(h.Values(name), ","))
	}
	return b.String()
}
