package webapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cryguy/fetch/internal/core"
)

// memCacheStore is an in-memory CacheStore keyed by cache name and URL.
type memCacheStore struct {
	mu      sync.Mutex
	items   map[string]map[string]*core.CacheEntry
	ttls    map[string]int
	failGet bool
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{
		items: make(map[string]map[string]*core.CacheEntry),
		ttls:  make(map[string]int),
	}
}

func (m *memCacheStore) Match(cacheName, url string) (*core.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("store offline")
	}
	return m.items[cacheName][url], nil
}

func (m *memCacheStore) Put(cacheName, url string, status int, headers string, body []byte, ttl *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[cacheName] == nil {
		m.items[cacheName] = make(map[string]*core.CacheEntry)
	}
	m.items[cacheName][url] = &core.CacheEntry{Status: status, Headers: headers, Body: body}
	if ttl != nil {
		m.ttls[url] = *ttl
	}
	return nil
}

func (m *memCacheStore) Delete(cacheName, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[cacheName][url]; !ok {
		return false, nil
	}
	delete(m.items[cacheName], url)
	return true, nil
}

func (m *memCacheStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[DefaultCacheName])
}

func cacheableResponse(cacheControl, body string) *core.WorkerResponse {
	h := make(http.Header)
	h.Set("Cache-Control", cacheControl)
	h.Set("Content-Type", "text/plain")
	return textResponse(http.StatusOK, h, body)
}

func cachedGet(t *testing.T, c *CachingClient, url, mode string) (*core.WorkerResponse, string) {
	t.Helper()
	return cachedGetHeader(t, c, url, mode, http.Header{})
}

func cachedGetHeader(t *testing.T, c *CachingClient, url, mode string, h http.Header) (*core.WorkerResponse, string) {
	t.Helper()
	resp, err := c.Request(context.Background(), &core.WorkerRequest{Method: "GET", URL: url, Header: h, CacheMode: mode})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func TestCachingClientHitAndMiss(t *testing.T) {
	rec := &recordingChannel{respond: func(n int, _ *core.WorkerRequest) *core.WorkerResponse {
		return cacheableResponse("public, max-age=60", "fresh")
	}}
	store := newMemCacheStore()
	c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

	resp, body := cachedGet(t, c, "https://example.com/a", "")
	if resp.Header.Get("CF-Cache-Status") != "MISS" || body != "fresh" {
		t.Errorf("first = %q %q", resp.Header.Get("CF-Cache-Status"), body)
	}
	if store.ttls["https://example.com/a"] != 60 {
		t.Errorf("stored ttl = %d", store.ttls["https://example.com/a"])
	}

	resp, body = cachedGet(t, c, "https://example.com/a", "")
	if resp.Header.Get("CF-Cache-Status") != "HIT" || body != "fresh" {
		t.Errorf("second = %q %q", resp.Header.Get("CF-Cache-Status"), body)
	}
	if resp.Header.Get("Content-Type") != "text/plain" || resp.StatusText != "OK" {
		t.Errorf("cached headers = %v %q", resp.Header, resp.StatusText)
	}
	if n := len(rec.seen()); n != 1 {
		t.Errorf("origin saw %d requests, want 1", n)
	}
}

func TestCachingClientCacheModes(t *testing.T) {
	rec := &recordingChannel{respond: func(int, *core.WorkerRequest) *core.WorkerResponse {
		return cacheableResponse("max-age=60", "fresh")
	}}
	store := newMemCacheStore()
	c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

	cachedGet(t, c, "https://example.com/nostore", "no-store")
	if store.count() != 0 {
		t.Error("no-store response was cached")
	}

	cachedGet(t, c, "https://example.com/nocache", "")
	resp, _ := cachedGet(t, c, "https://example.com/nocache", "no-cache")
	if resp.Header.Get("CF-Cache-Status") != "MISS" {
		t.Errorf("no-cache served %q", resp.Header.Get("CF-Cache-Status"))
	}
	if n := len(rec.seen()); n != 3 {
		t.Errorf("origin saw %d requests, want 3", n)
	}
}

func TestCachingClientSkipsUncacheable(t *testing.T) {
	tests := []struct {
		name string
		resp func() *core.WorkerResponse
		meth string
	}{
		{"no max-age", func() *core.WorkerResponse { return cacheableResponse("public", "x") }, "GET"},
		{"private", func() *core.WorkerResponse { return cacheableResponse("private, max-age=60", "x") }, "GET"},
		{"not 200", func() *core.WorkerResponse {
			r := cacheableResponse("max-age=60", "x")
			r.StatusCode = http.StatusNotFound
			return r
		}, "GET"},
		{"set-cookie", func() *core.WorkerResponse {
			r := cacheableResponse("max-age=60", "x")
			r.Header.Set("Set-Cookie", "a=b")
			return r
		}, "GET"},
		{"post", func() *core.WorkerResponse { return cacheableResponse("max-age=60", "x") }, "POST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingChannel{respond: func(int, *core.WorkerRequest) *core.WorkerResponse { return tt.resp() }}
			store := newMemCacheStore()
			c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)
			resp, err := c.Request(context.Background(), &core.WorkerRequest{Method: tt.meth, URL: "https://example.com/", Header: http.Header{}})
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if store.count() != 0 {
				t.Error("response was cached")
			}
		})
	}
}

func TestCachingClientCredentials(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		cc     string
		stored bool
	}{
		{"authorization", http.Header{"Authorization": {"Bearer alice"}}, "max-age=60", false},
		{"cookie", http.Header{"Cookie": {"session=alice"}}, "max-age=60", false},
		{"authorization public", http.Header{"Authorization": {"Bearer alice"}}, "public, max-age=60", true},
		{"authorization s-maxage", http.Header{"Authorization": {"Bearer alice"}}, "s-maxage=60", true},
		{"authorization must-revalidate", http.Header{"Authorization": {"Bearer alice"}}, "max-age=60, must-revalidate", true},
		{"anonymous", http.Header{}, "max-age=60", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingChannel{respond: func(n int, _ *core.WorkerRequest) *core.WorkerResponse {
				return cacheableResponse(tt.cc, "response "+strconv.Itoa(n))
			}}
			store := newMemCacheStore()
			c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

			cachedGetHeader(t, c, "https://example.com/me", "", tt.header)
			if stored := store.count() != 0; stored != tt.stored {
				t.Errorf("stored = %v, want %v", stored, tt.stored)
			}
			_, body := cachedGet(t, c, "https://example.com/me", "")
			if tt.stored {
				if body != "response 0" {
					t.Errorf("second caller got %q, want the stored response", body)
				}
				return
			}
			if body != "response 1" {
				t.Errorf("second caller got %q, want a fresh response", body)
			}
		})
	}
}

func TestCachingClientVaryStar(t *testing.T) {
	rec := &recordingChannel{respond: func(int, *core.WorkerRequest) *core.WorkerResponse {
		r := cacheableResponse("max-age=60", "x")
		r.Header.Set("Vary", "*")
		return r
	}}
	store := newMemCacheStore()
	c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

	cachedGet(t, c, "https://example.com/", "")
	if store.count() != 0 {
		t.Error("Vary: * response was cached")
	}
}

func TestCachingClientVariants(t *testing.T) {
	rec := &recordingChannel{respond: func(_ int, req *core.WorkerRequest) *core.WorkerResponse {
		r := cacheableResponse("max-age=60", "lang "+req.Header.Get("Accept-Language"))
		r.Header.Set("Vary", "accept-language, Accept-Encoding")
		return r
	}}
	store := newMemCacheStore()
	c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

	steps := []struct {
		lang   string
		status string
	}{
		{"en", "MISS"},
		{"fr", "MISS"},
		{"en", "HIT"},
		{"fr", "HIT"},
		{"", "MISS"},
	}
	for i, step := range steps {
		h := http.Header{}
		if step.lang != "" {
			h.Set("Accept-Language", step.lang)
		}
		resp, body := cachedGetHeader(t, c, "https://example.com/page", "", h)
		if got := resp.Header.Get("CF-Cache-Status"); got != step.status {
			t.Errorf("step %d (%q): status %q, want %q", i, step.lang, got, step.status)
		}
		if want := "lang " + step.lang; body != want {
			t.Errorf("step %d: body %q, want %q", i, body, want)
		}
	}
	if n := len(rec.seen()); n != 3 {
		t.Errorf("origin saw %d requests, want 3", n)
	}
}

func TestVaryNames(t *testing.T) {
	h := http.Header{"Vary": {"accept-encoding, Accept-Language", "Accept-Encoding"}}
	names, all := varyNames(h)
	if all || len(names) != 2 || names[0] != "Accept-Encoding" || names[1] != "Accept-Language" {
		t.Errorf("varyNames = %v, %v", names, all)
	}
	if _, all := varyNames(http.Header{"Vary": {"Origin, *"}}); !all {
		t.Error("Vary: * not detected")
	}
}

func TestCachingClientOversizedBody(t *testing.T) {
	big := strings.Repeat("x", 64)
	rec := &recordingChannel{respond: func(int, *core.WorkerRequest) *core.WorkerResponse {
		return cacheableResponse("max-age=60", big)
	}}
	cfg := core.DefaultConfig()
	cfg.MaxResponseBytes = 16
	store := newMemCacheStore()
	c := NewCachingClient(rec.channel(), store, cfg, nil)

	_, body := cachedGet(t, c, "https://example.com/big", "")
	if body != big {
		t.Errorf("body truncated to %d bytes", len(body))
	}
	if store.count() != 0 {
		t.Error("oversized body was cached")
	}
}

func TestCachingClientStoreFailure(t *testing.T) {
	rec := &recordingChannel{respond: func(int, *core.WorkerRequest) *core.WorkerResponse {
		return cacheableResponse("max-age=60", "origin")
	}}
	store := newMemCacheStore()
	store.failGet = true
	c := NewCachingClient(rec.channel(), store, core.DefaultConfig(), nil)

	_, body := cachedGet(t, c, "https://example.com/", "")
	if body != "origin" {
		t.Errorf("body = %q", body)
	}
}

func TestCacheTTL(t *testing.T) {
	tests := []struct {
		cc   string
		want int
	}{
		{"max-age=60", 60},
		{"public, max-age=\"30\"", 30},
		{"max-age=60, s-maxage=120", 120},
		{"s-maxage=120, max-age=60", 120},
		{"no-cache, max-age=60", 0},
		{"no-store", 0},
		{"max-age=abc", 0},
		{"", 0},
	}
	for _, tt := range tests {
		h := make(http.Header)
		if tt.cc != "" {
			h.Set("Cache-Control", tt.cc)
		}
		if got := cacheTTL(h); got != tt.want {
			t.Errorf("cacheTTL(%q) = %d, want %d", tt.cc, got, tt.want)
		}
	}
}
