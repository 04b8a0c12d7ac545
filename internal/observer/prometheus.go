package observer

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryguy/fetch/internal/core"
)

var (
	_ core.ObserverFactory = (*Prometheus)(nil)
	_ core.RequestObserver = (*promRequest)(nil)
	_ core.WorkerInterface = (*promClient)(nil)
)

// Prometheus records request lifecycle and subrequest metrics.
//
// Metrics:
//   - fetch_events_delivered_total
//   - fetch_events_finished_total{outcome}
//   - fetch_event_duration_seconds{outcome}
//   - fetch_failures_total{source}
//   - fetch_subrequests_total{operation,status}
type Prometheus struct {
	delivered   prometheus.Counter
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	subrequests *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_events_delivered_total",
			Help: "Inbound events delivered to a handler.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_events_finished_total",
			Help: "Inbound events finished, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetch_event_duration_seconds",
			Help:    "Time from delivery until the event's context was torn down.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_failures_total",
			Help: "Failures reported while handling events, by source.",
		}, []string{"source"}),
		subrequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_subrequests_total",
			Help: "Subrequests sent through fetchers, by operation and result.",
		}, []string{"operation", "status"}),
	}
	for _, c := range []prometheus.Collector{p.delivered, p.finished, p.duration, p.failures, p.subrequests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) NewRequestObserver() core.RequestObserver {
	return &promRequest{p: p}
}

type promRequest struct {
	p     *Prometheus
	start time.Time
}

func (r *promRequest) Delivered() {
	r.start = time.Now()
	r.p.delivered.Inc()
}

func (r *promRequest) ReportFailure(_ error, source core.FailureSource) {
	r.p.failures.WithLabelValues(source.String()).Inc()
}

func (r *promRequest) SetOutcome(outcome string) {
	r.p.finished.WithLabelValues(outcome).Inc()
	if !r.start.IsZero() {
		r.p.duration.WithLabelValues(outcome).Observe(time.Since(r.start).Seconds())
	}
}

func (r *promRequest) WrapSubrequestClient(client core.WorkerInterface, operation string) core.WorkerInterface {
	return &promClient{WorkerInterface: client, p: r.p, operation: operation}
}

// promClient counts every call made through a wrapped client.
type promClient struct {
	core.WorkerInterface
	p         *Prometheus
	operation string
}

func (c *promClient) record(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.p.subrequests.WithLabelValues(c.operation, status).Inc()
}

func (c *promClient) Request(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	resp, err := c.WorkerInterface.Request(ctx, req)
	c.record(err)
	return resp, err
}

func (c *promClient) Connect(ctx context.Context, address string) (net.Conn, error) {
	conn, err := c.WorkerInterface.Connect(ctx, address)
	c.record(err)
	return conn, err
}

func (c *promClient) Queue(ctx context.Context, ev *core.QueueEvent) (*core.QueueResult, error) {
	res, err := c.WorkerInterface.Queue(ctx, ev)
	c.record(err)
	return res, err
}

func (c *promClient) Scheduled(ctx context.Context, ev *core.ScheduledEvent) (*core.ScheduledResult, error) {
	res, err := c.WorkerInterface.Scheduled(ctx, ev)
	c.record(err)
	return res, err
}

func (c *promClient) CallRPC(ctx context.Context, call *core.RPCCall) (*core.RPCResult, error) {
	res, err := c.WorkerInterface.CallRPC(ctx, call)
	c.record(err)
	return res, err
}
