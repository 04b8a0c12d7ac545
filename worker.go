package fetch

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/cryguy/fetch/internal/cachestore"
	"github.com/cryguy/fetch/internal/webapi"
)

// NewWorker creates a Worker running handler. The handler may also
// implement QueueHandler, ScheduledHandler, ConnectHandler and RPCTarget.
func NewWorker(handler FetchHandler, opts WorkerOptions) *Worker {
	return webapi.NewWorker(handler, opts)
}

// NewCachingOutbound returns an HTTP global outbound whose GET responses
// are cached in the SQLite database at cachePath. Close the returned
// closer when the outbound is no longer used.
func NewCachingOutbound(cfg Config, cachePath string, log logrus.FieldLogger) (*CachingClient, io.Closer, error) {
	store, err := cachestore.Open(cachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening subrequest cache: %w", err)
	}
	return webapi.NewCachingClient(webapi.NewHTTPClient(cfg), store, cfg, log), store, nil
}
