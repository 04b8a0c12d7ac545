package core

import (
	"context"
	"encoding/json"
	"time"
)

// Queue and scheduled outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeException = "exception"
	OutcomeCanceled  = "canceled"
)

// CacheEntry represents a cached HTTP response.
type CacheEntry struct {
	Status    int
	Headers   string
	Body      []byte
	ExpiresAt *time.Time
}

// ServiceBindingQueueMessage is one message delivered through a service
// binding's queue(). Exactly one of Body and SerializedBody is set.
type ServiceBindingQueueMessage struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Body           json.RawMessage `json:"body,omitempty"`
	SerializedBody []byte          `json:"serializedBody,omitempty"`
	Attempts       int             `json:"attempts"`
}

// QueueEvent is the payload of a queue dispatch.
type QueueEvent struct {
	QueueName string                       `json:"queueName"`
	Messages  []ServiceBindingQueueMessage `json:"messages"`
}

// QueueRetryOptions is the optional argument to retry().
type QueueRetryOptions struct {
	DelaySeconds int `json:"delaySeconds,omitempty"`
}

// QueueRetryMessage records a per-message retry request.
type QueueRetryMessage struct {
	MsgID        string `json:"msgId"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

// QueueRetryBatch records a batch-wide retry request.
type QueueRetryBatch struct {
	Retry        bool `json:"retry"`
	DelaySeconds int  `json:"delaySeconds,omitempty"`
}

// QueueResult is what the receiving worker reports back for a queue event.
type QueueResult struct {
	Outcome       string              `json:"outcome"`
	AckAll        bool                `json:"ackAll"`
	RetryBatch    QueueRetryBatch     `json:"retryBatch"`
	ExplicitAcks  []string            `json:"explicitAcks"`
	RetryMessages []QueueRetryMessage `json:"retryMessages"`
}

// ScheduledEvent is the payload of a scheduled dispatch.
type ScheduledEvent struct {
	ScheduledTime time.Time `json:"scheduledTime"`
	Cron          string    `json:"cron"`
}

// ScheduledResult is what the receiving worker reports back for a
// scheduled event.
type ScheduledResult struct {
	Outcome string `json:"outcome"`
	NoRetry bool   `json:"noRetry"`
}

// StubInvoker calls back into function stubs the caller passed as RPC
// arguments. Stub ids index the caller's stub table.
type StubInvoker interface {
	InvokeStub(ctx context.Context, id int, args json.RawMessage) (json.RawMessage, error)
}

// RPCCall is one method invocation on a remote worker. Args is a JSON array.
type RPCCall struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
	Stubs  StubInvoker     `json:"-"`
}

// RPCResult carries either the JSON result or the remote error message.
type RPCResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}
