package webapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/cryguy/fetch/internal/core"
)

// ssrfSafeTCPDial resolves DNS once and connects directly to the validated
// IP. With blockPrivate off it dials the address as given.
func ssrfSafeTCPDial(ctx context.Context, hostname, port string, blockPrivate bool) (net.Conn, error) {
	dialer := &net.Dialer{}
	if !blockPrivate {
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostname, port))
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return nil, fmt.Errorf("%w: connections to private addresses are not allowed", core.ErrNetwork)
	}
	ip, err := resolvePublicIP(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
}

// trackSocket closes conn when the request context that opened it is
// cleared.
func trackSocket(ctx context.Context, conn net.Conn) {
	state := core.StateFromContext(ctx)
	if state == nil {
		return
	}
	state.RegisterCleanup(func() error {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			return fmt.Errorf("closing socket: %w", err)
		}
		return nil
	})
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
