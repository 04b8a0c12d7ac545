package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	whatwgurl "github.com/nlnwa/whatwg-url/url"

	"github.com/cryguy/fetch/internal/core"
)

// RedirectMode controls what fetch does with 3xx responses.
type RedirectMode int

const (
	RedirectFollow RedirectMode = iota
	RedirectManual
)

func (m RedirectMode) String() string {
	if m == RedirectManual {
		return "manual"
	}
	return "follow"
}

func parseRedirectMode(s string) (RedirectMode, error) {
	switch s {
	case "", "follow":
		return RedirectFollow, nil
	case "manual":
		return RedirectManual, nil
	case "error":
		return 0, core.Invalidf(`redirect mode "error" is not supported`)
	default:
		return 0, core.Invalidf("invalid redirect mode %q", s)
	}
}

// CacheMode is the subset of request cache modes that is honoured.
type CacheMode int

const (
	CacheNone CacheMode = iota
	CacheNoStore
	CacheNoCache
)

func (m CacheMode) String() string {
	switch m {
	case CacheNoStore:
		return "no-store"
	case CacheNoCache:
		return "no-cache"
	default:
		return ""
	}
}

func parseCacheMode(s string) (CacheMode, error) {
	switch s {
	case "":
		return CacheNone, nil
	case "no-store":
		return CacheNoStore, nil
	case "no-cache":
		return CacheNoCache, nil
	default:
		return 0, core.Invalidf("unsupported cache mode %q", s)
	}
}

// BodyEncoding says whether Content-Encoding is applied automatically.
type BodyEncoding int

const (
	EncodingAuto BodyEncoding = iota
	EncodingManual
)

func (e BodyEncoding) String() string {
	if e == EncodingManual {
		return "manual"
	}
	return "automatic"
}

func parseBodyEncoding(s string) (BodyEncoding, error) {
	switch s {
	case "", "automatic":
		return EncodingAuto, nil
	case "manual":
		return EncodingManual, nil
	default:
		return 0, core.Invalidf("invalid body encoding %q", s)
	}
}

type nullBody struct{}

// NoBody passed as RequestInit.Body explicitly clears the body.
var NoBody nullBody

// RequestInit holds the optional Request constructor fields. Zero values
// mean "not given".
type RequestInit struct {
	Method             string
	Headers            any // see toHeader for the accepted forms
	Body               any // nil: unset, NoBody: explicit null
	Redirect           string
	Fetcher            *Fetcher
	ClearFetcher       bool
	Metadata           json.RawMessage
	Cache              string
	Integrity          string
	Signal             *AbortSignal
	ClearSignal        bool
	EncodeResponseBody string

	// Accepted for compatibility and ignored.
	Mode           string
	Credentials    string
	Referrer       string
	ReferrerPolicy string
	Priority       string
	Duplex         string
	Keepalive      bool
}

// Request is an HTTP request as seen by handlers and fetch().
type Request struct {
	Body

	method   string
	url      string
	redirect RedirectMode
	headers  http.Header
	fetcher  *Fetcher

	// signal is the caller-supplied signal; thisSignal is only set when the
	// supplied signal can never fire. At most one is non-nil.
	signal     *AbortSignal
	thisSignal *AbortSignal

	cacheMode            CacheMode
	metadata             json.RawMessage
	responseBodyEncoding BodyEncoding
}

// NewRequest builds a Request from a URL or another Request, applying init.
func NewRequest(input any, init *RequestInit) (*Request, error) {
	r := &Request{method: http.MethodGet}
	var body *ExtractedBody
	// src lends its body only once init has been applied successfully.
	var src *Request

	switch in := input.(type) {
	case string:
		r.url = normalizeURL(in)
	case *url.URL:
		r.url = normalizeURL(in.String())
	case *whatwgurl.Url:
		r.url = in.Href(false)
	case *Request:
		if in.BodyUsed() {
			return nil, fmt.Errorf("new request: %w", core.ErrBodyUsed)
		}
		r.method = in.method
		r.url = in.url
		r.redirect = in.redirect
		r.headers = in.headers.Clone()
		r.fetcher = in.fetcher
		r.signal = in.signal
		r.thisSignal = in.thisSignal
		r.cacheMode = in.cacheMode
		r.metadata = in.metadata
		r.responseBodyEncoding = in.responseBodyEncoding
		if (init == nil || init.Body == nil) && in.impl != nil {
			src = in
		}
	case nil:
		return nil, core.Invalidf("request input is nil")
	default:
		return nil, core.Invalidf("unsupported request input %T", input)
	}
	if r.headers == nil {
		r.headers = make(http.Header)
	}

	if init != nil {
		if err := r.applyInit(init, &body); err != nil {
			return nil, err
		}
	}

	if (body != nil || src != nil) && (r.method == http.MethodGet || r.method == http.MethodHead) {
		if body != nil && body.impl.buffer != nil {
			body.impl.buffer.Release()
		}
		return nil, core.Invalidf("request with %s method cannot have a body", r.method)
	}
	if src != nil {
		body = src.take()
	}
	r.Body = newBody(body, r.headers)
	return r, nil
}

func (r *Request) applyInit(init *RequestInit, body **ExtractedBody) error {
	if init.Method != "" {
		m, err := normalizeMethod(init.Method)
		if err != nil {
			return err
		}
		r.method = m
	}
	if init.Headers != nil {
		h, err := toHeader(init.Headers)
		if err != nil {
			return err
		}
		r.headers = h
	}
	if init.Redirect != "" {
		m, err := parseRedirectMode(init.Redirect)
		if err != nil {
			return err
		}
		r.redirect = m
	}
	if init.ClearFetcher {
		r.fetcher = nil
	} else if init.Fetcher != nil {
		r.fetcher = init.Fetcher
	}
	if init.Metadata != nil {
		r.metadata = init.Metadata
	}
	if init.Cache != "" {
		m, err := parseCacheMode(init.Cache)
		if err != nil {
			return err
		}
		r.cacheMode = m
	}
	if init.Integrity != "" {
		return core.Invalidf("subresource integrity is not supported")
	}
	if init.ClearSignal {
		r.signal, r.thisSignal = nil, nil
	} else if init.Signal != nil {
		if init.Signal.NeverAborts() {
			r.signal, r.thisSignal = nil, init.Signal
		} else {
			r.signal, r.thisSignal = init.Signal, nil
		}
	}
	if init.EncodeResponseBody != "" {
		e, err := parseBodyEncoding(init.EncodeResponseBody)
		if err != nil {
			return err
		}
		r.responseBodyEncoding = e
	}

	switch b := init.Body.(type) {
	case nil:
	case nullBody:
		*body = nil
	default:
		extracted, err := ExtractBody(b)
		if err != nil {
			return err
		}
		*body = extracted
	}
	return nil
}

// Coerce returns input unchanged when it is a Request and init is nil,
// otherwise it constructs a new Request.
func Coerce(input any, init *RequestInit) (*Request, error) {
	if r, ok := input.(*Request); ok && init == nil {
		return r, nil
	}
	return NewRequest(input, init)
}

// newInboundRequest builds the Request handed to a fetch handler. Inbound
// requests may carry a body on any method.
func newInboundRequest(method, rawURL string, header http.Header, body *ExtractedBody, metadata json.RawMessage, signal *AbortSignal) *Request {
	if header == nil {
		header = make(http.Header)
	}
	r := &Request{
		method:   method,
		url:      normalizeURL(rawURL),
		headers:  header,
		metadata: metadata,
		signal:   signal,
	}
	r.Body = newBody(body, header)
	return r
}

func normalizeURL(raw string) string {
	if u, err := whatwgurl.Parse(raw); err == nil {
		return u.Href(false)
	}
	return raw
}

// Clone returns a copy whose body observes the same bytes as the original.
func (r *Request) Clone() (*Request, error) {
	body, err := r.Body.clone()
	if err != nil {
		return nil, err
	}
	c := &Request{
		method:               r.method,
		url:                  r.url,
		redirect:             r.redirect,
		headers:              r.headers.Clone(),
		fetcher:              r.fetcher,
		signal:               r.signal,
		thisSignal:           r.thisSignal,
		cacheMode:            r.cacheMode,
		metadata:             r.metadata,
		responseBodyEncoding: r.responseBodyEncoding,
	}
	c.Body = newBody(body, c.headers)
	return c, nil
}

func (r *Request) Method() string            { return r.method }
func (r *Request) URL() string               { return r.url }
func (r *Request) Headers() http.Header      { return r.headers }
func (r *Request) Redirect() RedirectMode    { return r.redirect }
func (r *Request) Fetcher() *Fetcher         { return r.fetcher }
func (r *Request) CacheMode() CacheMode      { return r.cacheMode }
func (r *Request) Cache() string             { return r.cacheMode.String() }
func (r *Request) Metadata() json.RawMessage { return r.metadata }
func (r *Request) Keepalive() bool           { return false }
func (r *Request) Integrity() string         { return "" }

func (r *Request) ResponseBodyEncoding() BodyEncoding { return r.responseBodyEncoding }

// Signal returns the caller-supplied signal, or nil.
func (r *Request) Signal() *AbortSignal { return r.signal }

// ThisSignal returns the signal observed by the request itself. When no
// signal was supplied a never-firing one is created.
func (r *Request) ThisSignal() *AbortSignal {
	if r.signal != nil {
		return r.signal
	}
	if r.thisSignal == nil {
		r.thisSignal = NeverAbortSignal()
	}
	return r.thisSignal
}

// SetMethod replaces the method without validation.
func (r *Request) SetMethod(method string) { r.method = method }

func (r *Request) setRedirect(m RedirectMode) { r.redirect = m }

// ClearSignalIfIgnoredForSubrequest drops an inbound request's signal so
// that forwarding the request does not tie the subrequest to it.
func (r *Request) ClearSignalIfIgnoredForSubrequest() {
	if r.signal != nil && r.signal.IgnoreForSubrequests() {
		r.signal = nil
	}
}
