package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// RequestState holds per-event mutable state: subrequest accounting, the
// channels fetchers resolve against, in-flight fetch cancellation.
// The dispatcher creates it when an event is delivered and clears it once
// the response and all background work have finished.
type RequestState struct {
	ID       uint64
	Config   Config
	Observer RequestObserver

	// Channels are the subrequest channels, indexed by channel id.
	// Channel 0 is the global outbound.
	Channels []WorkerInterface

	mu          sync.Mutex
	fetchCount  int
	fetchCancel map[string]context.CancelFunc
	nextFetchID int64

	// Extension storage for webapi packages. Each package stores its own
	// typed state using well-known string keys (e.g. "eventLoop").
	extMu    sync.Mutex
	ext      map[string]any
	cleanups []func() error
}

// SetExt stores a value in the extension map under the given key.
func (rs *RequestState) SetExt(key string, val any) {
	rs.extMu.Lock()
	if rs.ext == nil {
		rs.ext = make(map[string]any)
	}
	rs.ext[key] = val
	rs.extMu.Unlock()
}

// GetExt retrieves a value from the extension map.
func (rs *RequestState) GetExt(key string) any {
	rs.extMu.Lock()
	defer rs.extMu.Unlock()
	if rs.ext == nil {
		return nil
	}
	return rs.ext[key]
}

// RegisterCleanup adds a cleanup function to be called when the request state
// is cleared. Cleanups are called in reverse registration order.
func (rs *RequestState) RegisterCleanup(fn func() error) {
	rs.extMu.Lock()
	rs.cleanups = append(rs.cleanups, fn)
	rs.extMu.Unlock()
}

// CountSubrequest records one outgoing subrequest, failing once the
// configured limit is reached.
func (rs *RequestState) CountSubrequest() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.Config.MaxSubrequests > 0 && rs.fetchCount >= rs.Config.MaxSubrequests {
		return fmt.Errorf("%w (limit %d)", ErrSubrequestLimit, rs.Config.MaxSubrequests)
	}
	rs.fetchCount++
	return nil
}

// SubrequestCount returns how many subrequests were counted so far.
func (rs *RequestState) SubrequestCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fetchCount
}

// SubrequestChannel returns the channel registered under id.
func (rs *RequestState) SubrequestChannel(id uint) (WorkerInterface, error) {
	if int(id) >= len(rs.Channels) || rs.Channels[id] == nil {
		return nil, fmt.Errorf("no subrequest channel %d", id)
	}
	return rs.Channels[id], nil
}

var (
	requestCounter atomic.Uint64
	requestStates  sync.Map // uint64 -> *RequestState
)

// NewRequestState creates a new request state and returns its unique ID.
func NewRequestState(cfg Config, channels []WorkerInterface, obs RequestObserver) uint64 {
	id := requestCounter.Add(1)
	requestStates.Store(id, &RequestState{
		ID:       id,
		Config:   cfg,
		Observer: obs,
		Channels: channels,
	})
	return id
}

// GetRequestState returns the state for the given request ID, or nil.
func GetRequestState(id uint64) *RequestState {
	v, ok := requestStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*RequestState)
}

// ClearRequestState removes the state for the given request ID, runs the
// registered cleanups and cancels in-flight fetches. Cleanup failures are
// collected into the returned error.
func ClearRequestState(id uint64) error {
	v, ok := requestStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	state := v.(*RequestState)

	state.extMu.Lock()
	cleanups := state.cleanups
	state.cleanups = nil
	state.extMu.Unlock()

	var result *multierror.Error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}

	state.mu.Lock()
	cancels := state.fetchCancel
	state.fetchCancel = nil
	state.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	return result.ErrorOrNil()
}

// RegisterFetchCancel stores a cancel function for an in-flight fetch and
// returns the unique fetchID string key.
func RegisterFetchCancel(reqID uint64, cancel context.CancelFunc) string {
	state := GetRequestState(reqID)
	if state == nil {
		return ""
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.nextFetchID++
	id := strconv.FormatInt(state.nextFetchID, 10)
	if state.fetchCancel == nil {
		state.fetchCancel = make(map[string]context.CancelFunc)
	}
	state.fetchCancel[id] = cancel
	return id
}

// RemoveFetchCancel removes and returns the cancel function for a fetch.
func RemoveFetchCancel(reqID uint64, fetchID string) context.CancelFunc {
	state := GetRequestState(reqID)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	cancel := state.fetchCancel[fetchID]
	delete(state.fetchCancel, fetchID)
	return cancel
}

// InFlightFetches returns the number of registered, not yet finished fetches.
func InFlightFetches(reqID uint64) int {
	state := GetRequestState(reqID)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.fetchCancel)
}

type requestIDKey struct{}

// WithRequestID returns a context that carries the request ID.
func WithRequestID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID carried by ctx, or 0.
func RequestIDFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(requestIDKey{}).(uint64)
	return id
}

// StateFromContext returns the live request state for ctx, or nil when the
// context carries no request or the request was already cleared.
func StateFromContext(ctx context.Context) *RequestState {
	id := RequestIDFromContext(ctx)
	if id == 0 {
		return nil
	}
	return GetRequestState(id)
}
