package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	whatwgurl "github.com/nlnwa/whatwg-url/url"
	"github.com/sirupsen/logrus"

	"github.com/cryguy/fetch/internal/core"
	"github.com/cryguy/fetch/internal/eventloop"
	"github.com/cryguy/fetch/internal/observer"
)

// FetchHandler handles inbound requests. It must call ev.RespondWith to
// produce a response; otherwise the request passes through to the next
// service, or fails with 500.
type FetchHandler interface {
	Fetch(ctx context.Context, ev *FetchEvent) error
}

// HandlerFunc adapts a function to FetchHandler.
type HandlerFunc func(ctx context.Context, ev *FetchEvent) error

func (f HandlerFunc) Fetch(ctx context.Context, ev *FetchEvent) error { return f(ctx, ev) }

// QueueHandler is implemented by handlers that consume queue batches.
type QueueHandler interface {
	Queue(ctx context.Context, batch *MessageBatch) error
}

// ScheduledHandler is implemented by handlers that run on cron triggers.
type ScheduledHandler interface {
	Scheduled(ctx context.Context, ctrl *ScheduledController) error
}

// ConnectHandler is implemented by handlers that accept raw sockets.
type ConnectHandler interface {
	Connect(ctx context.Context, conn net.Conn) error
}

// RPCTarget exposes named methods to RPC callers.
type RPCTarget interface {
	RPCMethod(name string) (RPCFunc, bool)
}

// waitUntilTimeout bounds background work after the response is done.
const waitUntilTimeout = 30 * time.Second

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	Config *core.Config

	// Channels are the subrequest channels handlers can reach. Channel 0 is
	// the global outbound; when it is nil an HTTPClient is used.
	Channels []core.WorkerInterface

	// Next receives requests the handler passes through.
	Next core.WorkerInterface

	Observer core.ObserverFactory
	Logger   logrus.FieldLogger
}

// Worker runs a handler for inbound events. It serves HTTP and also
// implements core.WorkerInterface so it can be used as a service binding.
type Worker struct {
	handler  FetchHandler
	cfg      core.Config
	channels []core.WorkerInterface
	next     core.WorkerInterface
	observer core.ObserverFactory
	log      logrus.FieldLogger
}

// NewWorker creates a Worker. handler may additionally implement
// QueueHandler, ScheduledHandler, ConnectHandler and RPCTarget.
func NewWorker(handler FetchHandler, opts WorkerOptions) *Worker {
	cfg := core.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	channels := append([]core.WorkerInterface(nil), opts.Channels...)
	if len(channels) == 0 {
		channels = append(channels, nil)
	}
	if channels[GlobalOutbound] == nil {
		channels[GlobalOutbound] = NewHTTPClient(cfg)
	}

	w := &Worker{
		handler:  handler,
		cfg:      cfg,
		channels: channels,
		next:     opts.Next,
		observer: opts.Observer,
		log:      opts.Logger,
	}
	if w.observer == nil {
		w.observer = observer.NopFactory{}
	}
	if w.log == nil {
		w.log = logrus.StandardLogger().WithField("component", "worker")
	}
	return w
}

// event is one delivered inbound event and its execution context.
type event struct {
	ctx   context.Context
	id    uint64
	loop  *eventloop.EventLoop
	obs   core.RequestObserver
	log   logrus.FieldLogger
	start time.Time
}

func (w *Worker) begin(ctx context.Context, fields logrus.Fields) *event {
	obs := w.observer.NewRequestObserver()
	id := core.NewRequestState(w.cfg, w.channels, obs)
	loop := eventloop.New()
	core.GetRequestState(id).SetExt(eventLoopKey, loop)
	obs.Delivered()
	return &event{
		ctx:   core.WithRequestID(ctx, id),
		id:    id,
		loop:  loop,
		obs:   obs,
		log:   w.log.WithFields(fields).WithField("request_id", id),
		start: time.Now(),
	}
}

// finish waits for background work, then tears the context down.
func (ev *event) finish(outcome string) {
	if err := ev.loop.Drain(time.Now().Add(waitUntilTimeout)); err != nil {
		ev.log.WithError(err).Warn("worker: background task failed")
		ev.obs.ReportFailure(err, core.FailureDeferredProxy)
		if outcome == core.OutcomeOK {
			outcome = core.OutcomeException
		}
	}
	if err := core.ClearRequestState(ev.id); err != nil {
		ev.log.WithError(err).Warn("worker: request cleanup failed")
	}
	ev.obs.SetOutcome(outcome)
	ev.log.WithFields(logrus.Fields{"outcome": outcome, "elapsed": time.Since(ev.start)}).Debug("worker: event finished")
}

func (ev *event) outcome(err error) string {
	switch {
	case err == nil:
		return core.OutcomeOK
	case ev.ctx.Err() != nil:
		return core.OutcomeCanceled
	default:
		return core.OutcomeException
	}
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// inbound describes a request arriving at the worker.
type inbound struct {
	method        string
	url           string
	header        http.Header
	body          io.ReadCloser
	contentLength int64
	metadata      json.RawMessage
}

func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

// serve delivers a fetch event and sends the resulting response to sink.
// The response headers have been committed when serve returns.
func (w *Worker) serve(ctx context.Context, in inbound, sink core.ResponseSink) (*DeferredProxy, error) {
	ev := w.begin(ctx, logrus.Fields{"method": in.method, "url": in.url})
	ctx = ev.ctx

	signal, stopSignal := signalFromContext(ctx)
	var body *ExtractedBody
	if in.body != nil && in.contentLength != 0 {
		stream := NewReadableStream(in.body)
		stream.lifetime = ctx
		stream.teeLimit = w.cfg.TeeBufferBytes
		body = &ExtractedBody{impl: bodyImpl{stream: stream}}
	}
	req := newInboundRequest(in.method, in.url, in.header, body, in.metadata, signal)
	fe := NewFetchEvent(req, ev.loop)

	resp, herr := w.runFetch(ctx, ev, fe)
	if resp == nil {
		resp = internalError()
	}

	allowWS := isWebSocketUpgrade(in.header)
	proxy, err := resp.Send(ctx, sink, SendOptions{AllowWebSocket: allowWS, Method: in.method})
	if err != nil {
		ev.log.WithError(err).Error("worker: sending response failed")
		ev.obs.ReportFailure(err, core.FailureHandler)
		if herr == nil {
			herr = err
		}
		proxy, err = internalError().Send(ctx, sink, SendOptions{Method: in.method})
		if err != nil {
			stopSignal()
			go ev.finish(core.OutcomeException)
			return nil, fmt.Errorf("worker: sending error response: %w", err)
		}
	}

	ev.loop.Go("response", func() error {
		if err := proxy.Wait(context.Background()); err != nil {
			source := core.FailureDeferredProxy
			if resp.webSocket != nil {
				source = core.FailureWebSocket
			}
			ev.log.WithError(err).Warn("worker: response body failed")
			ev.obs.ReportFailure(err, source)
		}
		return nil
	})
	go func() {
		ev.finish(ev.outcome(herr))
		stopSignal()
	}()
	return proxy, nil
}

// runFetch calls the handler and resolves its response. A nil response
// means a 500 must be sent.
func (w *Worker) runFetch(ctx context.Context, ev *event, fe *FetchEvent) (*Response, error) {
	herr := safeCall(func() error { return w.handler.Fetch(ctx, fe) })
	p, responded, _ := fe.GetResponsePromise()

	if herr != nil {
		ev.log.WithError(herr).Error("worker: fetch handler failed")
		ev.obs.ReportFailure(herr, core.FailureHandler)
		if fe.PassThroughRequested() {
			return w.passThrough(ctx, ev, fe.Request()), herr
		}
		return nil, herr
	}
	if !responded {
		if w.next != nil {
			return w.passThrough(ctx, ev, fe.Request()), nil
		}
		err := fmt.Errorf("worker: handler did not call respondWith")
		ev.log.Error(err.Error())
		return nil, err
	}

	resp, err := p.Await(ctx)
	if err == nil && resp == nil {
		err = core.Invalidf("respondWith resolved to nil")
	}
	if err != nil {
		ev.log.WithError(err).Error("worker: respondWith promise rejected")
		ev.obs.ReportFailure(err, core.FailureHandler)
		if fe.PassThroughRequested() {
			return w.passThrough(ctx, ev, fe.Request()), err
		}
		return nil, err
	}
	return resp, nil
}

// passThrough forwards req unchanged to the next service. It returns nil
// when there is no next service or forwarding fails.
func (w *Worker) passThrough(ctx context.Context, ev *event, req *Request) *Response {
	if w.next == nil {
		return nil
	}
	u, err := whatwgurl.Parse(req.URL())
	if err != nil {
		ev.log.WithError(err).Error("worker: pass-through failed")
		return nil
	}
	wreq, err := buildWorkerRequest(req, u)
	if err != nil {
		ev.log.WithError(err).Error("worker: pass-through failed")
		return nil
	}
	wresp, err := w.next.Request(ctx, wreq)
	if err != nil {
		ev.log.WithError(err).Error("worker: pass-through failed")
		return nil
	}
	if wresp.Header == nil {
		wresp.Header = make(http.Header)
	}
	req.responseBodyEncoding = EncodingManual
	return newFetchedResponse(ctx, req, wresp, []string{u.Href(false)})
}

func internalError() *Response {
	resp, _ := NewResponse("Internal Server Error", &ResponseInit{Status: http.StatusInternalServerError})
	return resp
}

// ServeHTTP delivers r as a fetch event and writes the response.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	in := inbound{
		method:        r.Method,
		url:           requestURL(r),
		header:        r.Header.Clone(),
		body:          r.Body,
		contentLength: r.ContentLength,
	}
	proxy, err := w.serve(r.Context(), in, NewHTTPSink(rw, r))
	if err != nil {
		w.log.WithError(err).Error("worker: request failed")
		return
	}
	_ = proxy.Wait(r.Context())
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Request delivers a service-binding request and returns the response
// as soon as its headers are committed.
func (w *Worker) Request(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	sink := newPipeSink()
	in := inbound{
		method:        req.Method,
		url:           req.URL,
		header:        req.Header.Clone(),
		body:          req.Body,
		contentLength: req.ContentLength,
		metadata:      req.Metadata,
	}
	if in.header == nil {
		in.header = make(http.Header)
	}
	if _, err := w.serve(ctx, in, sink); err != nil {
		return nil, err
	}
	select {
	case resp := <-sink.resp:
		return resp, nil
	default:
		return nil, fmt.Errorf("worker: no response was sent")
	}
}

// Connect hands one end of an in-memory connection to the ConnectHandler.
func (w *Worker) Connect(ctx context.Context, address string) (net.Conn, error) {
	h, ok := w.handler.(ConnectHandler)
	if !ok {
		return nil, fmt.Errorf("worker: connect: %w", core.ErrNotSupported)
	}
	ev := w.begin(context.WithoutCancel(ctx), logrus.Fields{"address": address})
	client, server := net.Pipe()
	go func() {
		err := safeCall(func() error { return h.Connect(ev.ctx, server) })
		if err != nil {
			ev.log.WithError(err).Error("worker: connect handler failed")
			ev.obs.ReportFailure(err, core.FailureHandler)
			server.Close()
		}
		ev.finish(ev.outcome(err))
	}()
	return client, nil
}

// Queue delivers a batch to the QueueHandler.
func (w *Worker) Queue(ctx context.Context, qe *core.QueueEvent) (*core.QueueResult, error) {
	ev := w.begin(ctx, logrus.Fields{"queue": qe.QueueName, "messages": len(qe.Messages)})
	batch, err := newMessageBatch(qe)
	if err != nil {
		go ev.finish(core.OutcomeException)
		return nil, err
	}
	h, ok := w.handler.(QueueHandler)
	if !ok {
		err = fmt.Errorf("worker: handler does not implement queue()")
	} else {
		err = safeCall(func() error { return h.Queue(ev.ctx, batch) })
	}
	if err != nil {
		ev.log.WithError(err).Error("worker: queue handler failed")
		ev.obs.ReportFailure(err, core.FailureHandler)
	}
	outcome := ev.outcome(err)
	ev.finish(outcome)
	res := batch.result()
	res.Outcome = outcome
	return res, nil
}

// Scheduled runs the ScheduledHandler once.
func (w *Worker) Scheduled(ctx context.Context, se *core.ScheduledEvent) (*core.ScheduledResult, error) {
	ev := w.begin(ctx, logrus.Fields{"cron": se.Cron})
	ctrl := &ScheduledController{ScheduledTime: se.ScheduledTime, Cron: se.Cron}
	var err error
	h, ok := w.handler.(ScheduledHandler)
	if !ok {
		err = fmt.Errorf("worker: handler does not implement scheduled()")
	} else {
		err = safeCall(func() error { return h.Scheduled(ev.ctx, ctrl) })
	}
	if err != nil {
		ev.log.WithError(err).Error("worker: scheduled handler failed")
		ev.obs.ReportFailure(err, core.FailureHandler)
	}
	outcome := ev.outcome(err)
	ev.finish(outcome)
	return &core.ScheduledResult{Outcome: outcome, NoRetry: ctrl.noRetry.Load()}, nil
}

// CallRPC invokes a method of the RPCTarget. Exceptions raised by the
// method come back in the result; the error is for dispatch failures.
func (w *Worker) CallRPC(ctx context.Context, call *core.RPCCall) (*core.RPCResult, error) {
	target, ok := w.handler.(RPCTarget)
	if !ok {
		return &core.RPCResult{Error: "the RPC receiver does not implement any methods"}, nil
	}
	fn, ok := target.RPCMethod(call.Method)
	if !ok {
		return &core.RPCResult{Error: fmt.Sprintf("the RPC receiver does not implement the method %q", call.Method)}, nil
	}
	args, err := DecodeRPCArgs(call)
	if err != nil {
		return nil, err
	}

	ev := w.begin(ctx, logrus.Fields{"rpc_method": call.Method})
	var out any
	err = safeCall(func() error {
		var cerr error
		out, cerr = fn(ev.ctx, args...)
		return cerr
	})
	ev.finish(ev.outcome(err))
	if err != nil {
		ev.log.WithError(err).Debug("worker: rpc method failed")
		return &core.RPCResult{Error: err.Error()}, nil
	}
	raw, err := marshalRPC(out)
	if err != nil {
		return &core.RPCResult{Error: err.Error()}, nil
	}
	return &core.RPCResult{Value: raw}, nil
}
