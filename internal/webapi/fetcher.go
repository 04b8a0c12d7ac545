package webapi

import (
	"context"
	"encoding/json"
	"fmt"

	whatwgurl "github.com/nlnwa/whatwg-url/url"

	"github.com/cryguy/fetch/internal/core"
)

// GlobalOutbound is the subrequest channel used by the global fetch().
const GlobalOutbound uint = 0

// fakeHostBase resolves host-less URLs for fetchers that do not require a
// host (service bindings addressed by path only).
const fakeHostBase = "https://fake-host/"

// fetcherChannel is the capability a Fetcher dispatches through.
type fetcherChannel interface {
	isFetcherChannel()
}

// channelForm is a numbered subrequest channel of the current context.
type channelForm struct {
	id uint
}

// contextFactoryForm is bound to the request context that created it.
type contextFactoryForm struct {
	factory core.OutgoingFactory
	owner   uint64
}

// crossContextFactoryForm may be used from any request context.
type crossContextFactoryForm struct {
	factory core.CrossContextOutgoingFactory
}

func (channelForm) isFetcherChannel()             {}
func (contextFactoryForm) isFetcherChannel()      {}
func (crossContextFactoryForm) isFetcherChannel() {}

// Fetcher is a capability to send requests and other events to a service.
type Fetcher struct {
	channel      fetcherChannel
	requiresHost bool
	isInHouse    bool
}

// NewChannelFetcher returns a fetcher for subrequest channel id.
func NewChannelFetcher(id uint, requiresHost, isInHouse bool) *Fetcher {
	return &Fetcher{channel: channelForm{id: id}, requiresHost: requiresHost, isInHouse: isInHouse}
}

// NewFactoryFetcher returns a fetcher usable only from the request context
// carried by ctx.
func NewFactoryFetcher(ctx context.Context, factory core.OutgoingFactory, requiresHost, isInHouse bool) *Fetcher {
	return &Fetcher{
		channel:      contextFactoryForm{factory: factory, owner: core.RequestIDFromContext(ctx)},
		requiresHost: requiresHost,
		isInHouse:    isInHouse,
	}
}

// NewCrossContextFetcher returns a fetcher usable from any request context.
func NewCrossContextFetcher(factory core.CrossContextOutgoingFactory, requiresHost, isInHouse bool) *Fetcher {
	return &Fetcher{channel: crossContextFactoryForm{factory: factory}, requiresHost: requiresHost, isInHouse: isInHouse}
}

func (f *Fetcher) RequiresHost() bool { return f.requiresHost }

// IsInHouse reports whether requests through this fetcher are exempt from
// the subrequest limit.
func (f *Fetcher) IsInHouse() bool { return f.isInHouse }

// GetClient resolves the fetcher's capability against the current request
// context.
func (f *Fetcher) GetClient(ctx context.Context, metadata json.RawMessage, operation string) (core.WorkerInterface, error) {
	state := core.StateFromContext(ctx)
	if state == nil {
		return nil, fmt.Errorf("%s: %w", operation, core.ErrNoContext)
	}

	var client core.WorkerInterface
	switch ch := f.channel.(type) {
	case channelForm:
		c, err := state.SubrequestChannel(ch.id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", operation, err)
		}
		client = c
	case contextFactoryForm:
		if ch.owner != state.ID {
			return nil, fmt.Errorf("%s: %w", operation, core.ErrCrossContext)
		}
		client = ch.factory.NewSingleUseClient(metadata)
	case crossContextFactoryForm:
		client = ch.factory.NewSingleUseClient(state, metadata)
	default:
		panic(fmt.Sprintf("webapi: unknown fetcher channel %T", ch))
	}

	if state.Observer != nil {
		client = state.Observer.WrapSubrequestClient(client, operation)
	}
	return client, nil
}

// ParseURL parses raw as a WHATWG URL. Fetchers that do not require a host
// resolve relative input against https://fake-host/.
func (f *Fetcher) ParseURL(raw string) (*whatwgurl.Url, error) {
	u, err := whatwgurl.Parse(raw)
	if err == nil {
		return u, nil
	}
	if f.requiresHost {
		return nil, core.Invalidf("fetch API cannot load %q", raw)
	}
	u, err = whatwgurl.ParseRef(fakeHostBase, raw)
	if err != nil {
		return nil, core.Invalidf("fetch API cannot load %q", raw)
	}
	return u, nil
}

// countSubrequest applies the per-context limit unless the fetcher is
// in-house.
func (f *Fetcher) countSubrequest(state *core.RequestState) error {
	if f.isInHouse {
		return nil
	}
	return state.CountSubrequest()
}

func requestState(ctx context.Context) (*core.RequestState, error) {
	state := core.StateFromContext(ctx)
	if state == nil {
		return nil, core.ErrNoContext
	}
	return state, nil
}
