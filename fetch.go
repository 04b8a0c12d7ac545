// Package fetch implements the Fetch-protocol exchange of a worker runtime:
// Request and Response objects with rewindable bodies, fetch() with
// redirect handling over pluggable dispatch channels, service-binding
// Fetchers with queue, scheduled and RPC calls, and the FetchEvent
// lifecycle that turns a handler's respondWith into an HTTP response.
package fetch

import (
	"context"

	"github.com/cryguy/fetch/internal/webapi"
)

// Fetch is the global fetch(). ctx must belong to an event delivered by a
// Worker; the request goes out through the worker's global outbound unless
// it carries its own Fetcher.
func Fetch(ctx context.Context, input any, init *RequestInit) (*Response, error) {
	return webapi.Fetch(ctx, input, init)
}
