package webapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	whatwgurl "github.com/nlnwa/whatwg-url/url"

	"github.com/cryguy/fetch/internal/core"
)

// Fetch is the global fetch(): it dispatches through the request's bound
// fetcher, or the global outbound channel.
func Fetch(ctx context.Context, input any, init *RequestInit) (*Response, error) {
	return fetchImpl(ctx, nil, input, init)
}

// Fetch sends a request through this fetcher.
func (f *Fetcher) Fetch(ctx context.Context, input any, init *RequestInit) (*Response, error) {
	return fetchImpl(ctx, f, input, init)
}

func fetchImpl(ctx context.Context, fetcher *Fetcher, input any, init *RequestInit) (*Response, error) {
	state, err := requestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	req, err := Coerce(input, init)
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		fetcher = req.fetcher
	}
	if fetcher == nil {
		fetcher = NewChannelFetcher(GlobalOutbound, true, false)
	}

	req.ClearSignalIfIgnoredForSubrequest()
	signal := req.Signal()
	if signal != nil {
		if err := signal.Err(); err != nil {
			return nil, err
		}
	}

	u, err := fetcher.ParseURL(req.URL())
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	removeListener := func() {}
	if signal != nil {
		removeListener = signal.AddListener(func(reason any) {
			cancel(abortError(reason))
		})
	}
	fetchID := core.RegisterFetchCancel(state.ID, func() { cancel(core.ErrAborted) })
	finish := func() {
		removeListener()
		core.RemoveFetchCancel(state.ID, fetchID)
		cancel(nil)
	}

	resp, err := fetchLoop(fetchCtx, state, fetcher, req, u)
	if err != nil {
		if fetchCtx.Err() != nil {
			err = cancellationError(fetchCtx, err)
		}
		finish()
		return nil, err
	}
	if resp.impl == nil {
		finish()
	} else {
		s := resp.impl.stream
		s.src = newFetchBody(fetchCtx, s.src, finish)
		s.lifetime = fetchCtx
		s.teeLimit = state.Config.TeeBufferBytes
	}
	return resp, nil
}

// cancellationError prefers the abort reason over whatever error the
// transport produced when the fetch was cancelled.
func cancellationError(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	var ae *core.AbortError
	if errors.As(cause, &ae) {
		return ae
	}
	if errors.Is(cause, core.ErrAborted) {
		return &core.AbortError{Reason: cause}
	}
	return err
}

func fetchLoop(ctx context.Context, state *core.RequestState, fetcher *Fetcher, req *Request, u *whatwgurl.Url) (*Response, error) {
	var urlList []string
	for {
		if err := fetcher.countSubrequest(state); err != nil {
			return nil, err
		}
		client, err := fetcher.GetClient(ctx, req.metadata, "fetch")
		if err != nil {
			return nil, err
		}
		wreq, err := buildWorkerRequest(req, u)
		if err != nil {
			return nil, err
		}
		wresp, err := client.Request(ctx, wreq)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", wreq.URL, err)
		}
		if wresp.Header == nil {
			wresp.Header = make(http.Header)
		}
		urlList = append(urlList, u.Href(false))

		location := wresp.Header.Get("Location")
		if req.redirect == RedirectManual || !isRedirectStatus(wresp.StatusCode) || location == "" {
			req.markUsed()
			return newFetchedResponse(ctx, req, wresp, urlList), nil
		}
		discardBody(wresp)

		if len(urlList) > state.Config.MaxRedirects {
			return nil, fmt.Errorf("%w (limit %d)", core.ErrTooManyRedirects, state.Config.MaxRedirects)
		}
		next, err := u.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid redirect location %q", core.ErrNetwork, location)
		}
		if s := next.Scheme(); s != "http" && s != "https" {
			return nil, fmt.Errorf("%w: redirect to non-HTTP URL %q", core.ErrNetwork, next.Href(false))
		}

		status := wresp.StatusCode
		if (status == http.StatusSeeOther && req.method != http.MethodGet && req.method != http.MethodHead) ||
			((status == http.StatusMovedPermanently || status == http.StatusFound) && req.method == http.MethodPost) {
			req.SetMethod(http.MethodGet)
			req.NullifyBody()
			for _, h := range requestBodyHeaders {
				req.headers.Del(h)
			}
		} else if req.impl != nil {
			if !req.CanRewindBody() {
				return nil, core.ErrRedirectStreamBody
			}
			req.RewindBody()
		}
		u = next
	}
}

// buildWorkerRequest converts req into the dispatch shape. Buffer-backed
// bodies are sent straight from the buffer so the stream stays rewindable.
func buildWorkerRequest(req *Request, u *whatwgurl.Url) (*core.WorkerRequest, error) {
	h := req.headers.Clone()
	switch req.cacheMode {
	case CacheNoStore:
		h.Set("Cache-Control", "no-store")
	case CacheNoCache:
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	}
	wreq := &core.WorkerRequest{
		Method:        req.method,
		URL:           u.Href(true),
		Header:        h,
		ContentLength: -1,
		Metadata:      req.metadata,
		CacheMode:     req.cacheMode.String(),
	}
	switch {
	case req.impl == nil:
		wreq.ContentLength = 0
	case req.impl.buffer != nil && !req.impl.stream.Disturbed():
		view := req.impl.buffer.View()
		wreq.Body = io.NopCloser(bytes.NewReader(view))
		wreq.ContentLength = int64(len(view))
	default:
		s := req.impl.stream
		if !s.claim() {
			return nil, fmt.Errorf("fetch: %w", core.ErrBodyUsed)
		}
		wreq.Body = s.src
	}
	return wreq, nil
}

func discardBody(wresp *core.WorkerResponse) {
	if wresp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(wresp.Body, 64<<10))
		wresp.Body.Close()
	}
	if wresp.WebSocket != nil {
		wresp.WebSocket.Close(1000, "")
	}
}

// newFetchedResponse wraps a dispatch response. Auto body encoding decodes
// gzip, deflate and br bodies.
func newFetchedResponse(ctx context.Context, req *Request, wresp *core.WorkerResponse, urlList []string) *Response {
	r := &Response{
		status:       wresp.StatusCode,
		statusText:   wresp.StatusText,
		headers:      wresp.Header,
		urlList:      urlList,
		webSocket:    wresp.WebSocket,
		bodyEncoding: req.responseBodyEncoding,
		ctx:          context.WithoutCancel(ctx),
	}
	if r.statusText == "" {
		r.statusText = http.StatusText(r.status)
	}
	var body *ExtractedBody
	if wresp.Body != nil {
		if req.method == http.MethodHead || isNullBodyStatus(wresp.StatusCode) {
			wresp.Body.Close()
		} else {
			rc := wresp.Body
			if r.bodyEncoding == EncodingAuto {
				rc = decodeBody(rc, contentCoding(wresp.Header))
			}
			body = &ExtractedBody{impl: bodyImpl{stream: NewReadableStream(rc)}}
		}
	}
	r.Body = newBody(body, r.headers)
	return r
}

// fetchBody ties a fetched response body to its fetch: cancelling the fetch
// closes the body, and reaching the end or closing the body releases the
// fetch's bookkeeping.
type fetchBody struct {
	rc     io.ReadCloser
	ctx    context.Context
	stop   func() bool
	once   sync.Once
	onDone func()
}

func newFetchBody(ctx context.Context, rc io.ReadCloser, onDone func()) *fetchBody {
	b := &fetchBody{rc: rc, ctx: ctx, onDone: onDone}
	b.stop = context.AfterFunc(ctx, func() { rc.Close() })
	return b
}

func (b *fetchBody) done() {
	b.once.Do(func() {
		b.stop()
		b.onDone()
	})
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		if err != io.EOF && b.ctx.Err() != nil {
			err = cancellationError(b.ctx, err)
		}
		b.done()
	}
	return n, err
}

func (b *fetchBody) Close() error {
	b.done()
	return b.rc.Close()
}
