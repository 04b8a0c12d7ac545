package webapi

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/fetch/internal/core"
)

// MessageBatch is the batch a QueueHandler receives. Ack and retry
// decisions made on it are reported back to the sender.
type MessageBatch struct {
	Queue    string
	Messages []*Message

	mu            sync.Mutex
	ackAll        bool
	retryBatch    core.QueueRetryBatch
	explicitAcks  []string
	retryMessages []core.QueueRetryMessage
}

// Message is one delivered queue message. Body is the decoded JSON value
// for structured messages and the raw bytes for serialized ones.
type Message struct {
	ID        string
	Timestamp time.Time
	Body      any
	Attempts  int

	batch *MessageBatch
}

func newMessageBatch(qe *core.QueueEvent) (*MessageBatch, error) {
	b := &MessageBatch{Queue: qe.QueueName}
	for i, m := range qe.Messages {
		msg := &Message{ID: m.ID, Timestamp: m.Timestamp, Attempts: m.Attempts, batch: b}
		switch {
		case m.SerializedBody != nil:
			msg.Body = m.SerializedBody
		case len(m.Body) > 0:
			if err := json.Unmarshal(m.Body, &msg.Body); err != nil {
				return nil, fmt.Errorf("queue message %d: %w: %v", i, core.ErrDataClone, err)
			}
		}
		b.Messages = append(b.Messages, msg)
	}
	return b, nil
}

// AckAll acknowledges every message in the batch.
func (b *MessageBatch) AckAll() {
	b.mu.Lock()
	b.ackAll = true
	b.mu.Unlock()
}

// RetryAll asks for the whole batch to be redelivered.
func (b *MessageBatch) RetryAll(opts *core.QueueRetryOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retryBatch = core.QueueRetryBatch{Retry: true}
	if opts != nil {
		b.retryBatch.DelaySeconds = opts.DelaySeconds
	}
}

// Ack acknowledges this message. A later Retry of the same message is
// ignored.
func (m *Message) Ack() {
	b := m.batch
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.explicitAcks {
		if id == m.ID {
			return
		}
	}
	b.explicitAcks = append(b.explicitAcks, m.ID)
}

// Retry asks for this message to be redelivered.
func (m *Message) Retry(opts *core.QueueRetryOptions) {
	b := m.batch
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.explicitAcks {
		if id == m.ID {
			return
		}
	}
	r := core.QueueRetryMessage{MsgID: m.ID}
	if opts != nil {
		r.DelaySeconds = opts.DelaySeconds
	}
	for i := range b.retryMessages {
		if b.retryMessages[i].MsgID == m.ID {
			b.retryMessages[i] = r
			return
		}
	}
	b.retryMessages = append(b.retryMessages, r)
}

func (b *MessageBatch) result() *core.QueueResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &core.QueueResult{
		AckAll:        b.ackAll,
		RetryBatch:    b.retryBatch,
		ExplicitAcks:  append([]string(nil), b.explicitAcks...),
		RetryMessages: append([]core.QueueRetryMessage(nil), b.retryMessages...),
	}
}

// ScheduledController is passed to a ScheduledHandler.
type ScheduledController struct {
	ScheduledTime time.Time
	Cron          string

	noRetry atomic.Bool
}

// NoRetry marks a failed run as not to be retried.
func (c *ScheduledController) NoRetry() { c.noRetry.Store(true) }
