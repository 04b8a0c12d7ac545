package core

import (
	"context"
	"encoding/json"
	"net"
)

// WorkerInterface is a dispatch channel: anything that can receive the
// events a Fetcher emits. A Worker implements it for service bindings, the
// HTTP client implements it for the global outbound.
type WorkerInterface interface {
	Request(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error)
	Connect(ctx context.Context, address string) (net.Conn, error)
	Queue(ctx context.Context, ev *QueueEvent) (*QueueResult, error)
	Scheduled(ctx context.Context, ev *ScheduledEvent) (*ScheduledResult, error)
	CallRPC(ctx context.Context, call *RPCCall) (*RPCResult, error)
}

// OutgoingFactory produces single-use clients bound to the request context
// that created the fetcher.
type OutgoingFactory interface {
	NewSingleUseClient(metadata json.RawMessage) WorkerInterface
}

// CrossContextOutgoingFactory produces single-use clients for whichever
// request context is current at call time.
type CrossContextOutgoingFactory interface {
	NewSingleUseClient(state *RequestState, metadata json.RawMessage) WorkerInterface
}

// CacheStore backs the subrequest cache.
type CacheStore interface {
	Match(cacheName, url string) (*CacheEntry, error)
	Put(cacheName, url string, status int, headers string, body []byte, ttl *int) error
	Delete(cacheName, url string) (bool, error)
}

// FailureSource says where a reported failure came from.
type FailureSource int

const (
	FailureHandler FailureSource = iota
	FailureDeferredProxy
	FailureWebSocket
)

func (s FailureSource) String() string {
	switch s {
	case FailureHandler:
		return "handler"
	case FailureDeferredProxy:
		return "deferred_proxy"
	case FailureWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// RequestObserver receives lifecycle notifications for one inbound event.
type RequestObserver interface {
	Delivered()
	ReportFailure(err error, source FailureSource)
	SetOutcome(outcome string)
	WrapSubrequestClient(client WorkerInterface, operation string) WorkerInterface
}

// ObserverFactory creates a RequestObserver per inbound event.
type ObserverFactory interface {
	NewRequestObserver() RequestObserver
}
