package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	whatwgurl "github.com/nlnwa/whatwg-url/url"

	"github.com/cryguy/fetch/internal/core"
)

var redirectStatuses = []int{
	http.StatusMovedPermanently,
	http.StatusFound,
	http.StatusSeeOther,
	http.StatusTemporaryRedirect,
	http.StatusPermanentRedirect,
}

func isRedirectStatus(status int) bool { return slices.Contains(redirectStatuses, status) }

// isNullBodyStatus reports statuses that never carry a body.
func isNullBodyStatus(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, http.StatusNotModified:
		return true
	}
	return false
}

// ResponseInit holds the optional Response constructor fields.
type ResponseInit struct {
	Status     int // 0 means 200
	StatusText string
	Headers    any
	Metadata   json.RawMessage
	WebSocket  core.WebSocket

	// EncodeBody is "automatic" (default) or "manual".
	EncodeBody string

	// Context is the async context captured by the response. Defaults to
	// context.Background().
	Context context.Context
}

// Response is an HTTP response produced by a handler or returned by fetch.
type Response struct {
	Body

	status       int
	statusText   string
	headers      http.Header
	metadata     json.RawMessage
	urlList      []string
	webSocket    core.WebSocket
	bodyEncoding BodyEncoding
	ctx          context.Context

	sent atomic.Bool
}

// NewResponse builds a Response. body may be nil for a null body.
func NewResponse(body any, init *ResponseInit) (*Response, error) {
	if init == nil {
		init = &ResponseInit{}
	}
	r := &Response{status: http.StatusOK, ctx: init.Context}
	if r.ctx == nil {
		r.ctx = context.Background()
	}
	if init.Status != 0 {
		r.status = init.Status
	}
	if init.WebSocket != nil {
		if r.status != http.StatusSwitchingProtocols {
			return nil, core.Invalidf("responses with a WebSocket must have status 101")
		}
		r.webSocket = init.WebSocket
	} else if r.status < 200 || r.status > 599 {
		return nil, core.Invalidf("status %d is not in the range [200, 599]", r.status)
	}
	if !validReasonPhrase(init.StatusText) {
		return nil, core.Invalidf("invalid status text %q", init.StatusText)
	}
	r.statusText = init.StatusText

	h, err := toHeader(init.Headers)
	if err != nil {
		return nil, err
	}
	r.headers = h
	r.metadata = init.Metadata
	enc, err := parseBodyEncoding(init.EncodeBody)
	if err != nil {
		return nil, err
	}
	r.bodyEncoding = enc

	var extracted *ExtractedBody
	if body != nil {
		if _, isNull := body.(nullBody); !isNull {
			if isNullBodyStatus(r.status) {
				return nil, core.Invalidf("response with status %d cannot have a body", r.status)
			}
			if extracted, err = ExtractBody(body); err != nil {
				return nil, err
			}
		}
	}
	r.Body = newBody(extracted, r.headers)
	return r, nil
}

func validReasonPhrase(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' || c == '\n' || (c < 0x20 && c != '\t') || c == 0x7f {
			return false
		}
	}
	return true
}

// Redirect builds a redirect response to rawURL. status 0 means 302.
func Redirect(rawURL string, status int) (*Response, error) {
	if status == 0 {
		status = http.StatusFound
	}
	if !isRedirectStatus(status) {
		return nil, core.Invalidf("invalid redirect status %d", status)
	}
	u, err := whatwgurl.Parse(rawURL)
	if err != nil {
		return nil, core.Invalidf("invalid redirect URL %q: %v", rawURL, err)
	}
	h := make(http.Header)
	h.Set("Location", u.Href(false))
	return &Response{
		Body:    Body{headers: h},
		status:  status,
		headers: h,
		ctx:     context.Background(),
	}, nil
}

// ErrorResponse returns a network-error response: status 0, type "error".
func ErrorResponse() *Response {
	h := make(http.Header)
	return &Response{Body: Body{headers: h}, headers: h, ctx: context.Background()}
}

// JSONResponse encodes v as the body with an application/json content type.
func JSONResponse(v any, init *ResponseInit) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDataClone, err)
	}
	if init == nil {
		init = &ResponseInit{}
	}
	h, err := toHeader(init.Headers)
	if err != nil {
		return nil, err
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", contentTypeJSON)
	}
	withHeaders := *init
	withHeaders.Headers = h
	return NewResponse(data, &withHeaders)
}

// Clone returns a copy whose body observes the same bytes as the original.
func (r *Response) Clone() (*Response, error) {
	if r.webSocket != nil {
		return nil, core.ErrCloneWebSocket
	}
	body, err := r.Body.clone()
	if err != nil {
		return nil, err
	}
	c := &Response{
		status:       r.status,
		statusText:   r.statusText,
		headers:      r.headers.Clone(),
		metadata:     r.metadata,
		urlList:      slices.Clone(r.urlList),
		bodyEncoding: r.bodyEncoding,
		ctx:          r.ctx,
	}
	c.Body = newBody(body, c.headers)
	return c, nil
}

func (r *Response) Status() int                { return r.status }
func (r *Response) StatusText() string         { return r.statusText }
func (r *Response) Headers() http.Header       { return r.headers }
func (r *Response) OK() bool                   { return r.status >= 200 && r.status <= 299 }
func (r *Response) Redirected() bool           { return len(r.urlList) > 1 }
func (r *Response) URLList() []string          { return r.urlList }
func (r *Response) WebSocket() core.WebSocket  { return r.webSocket }
func (r *Response) Metadata() json.RawMessage  { return r.metadata }
func (r *Response) BodyEncoding() BodyEncoding { return r.bodyEncoding }

// Context returns the async context captured when the response was built.
func (r *Response) Context() context.Context { return r.ctx }

// URL is the last entry of the url list, or "".
func (r *Response) URL() string {
	if len(r.urlList) == 0 {
		return ""
	}
	u := r.urlList[len(r.urlList)-1]
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return u
}

// Type is "error" for network-error responses and "default" otherwise.
func (r *Response) Type() string {
	if r.status == 0 {
		return "error"
	}
	return "default"
}
