package webapi

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/fetch/internal/core"
)

// MaxWSMessageBytes is the read limit applied to sockets accepted from or
// dialed to the network.
const MaxWSMessageBytes = 1 << 20

const wsPingInterval = 30 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// bridgeWebSockets relays frames between a and b until either side closes
// or fails, then closes both with the same status.
func bridgeWebSockets(ctx context.Context, a, b core.WebSocket) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	relay := func(dst, src core.WebSocket) {
		for {
			typ, data, err := src.Read(ctx)
			if err != nil {
				errc <- err
				return
			}
			if err := dst.Write(ctx, typ, data); err != nil {
				errc <- err
				return
			}
		}
	}
	go relay(a, b)
	go relay(b, a)

	// Keep network peers alive; in-memory sockets have no Ping.
	var pingers []pinger
	for _, ws := range []core.WebSocket{a, b} {
		if p, ok := ws.(pinger); ok {
			pingers = append(pingers, p)
		}
	}
	var wg sync.WaitGroup
	if len(pingers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(wsPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, p := range pingers {
						pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
						err := p.Ping(pingCtx)
						pingCancel()
						if err != nil {
							errc <- err
							return
						}
					}
				}
			}
		}()
	}

	err := <-errc
	cancel()

	code := websocket.CloseStatus(err)
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if code == -1 {
		code = websocket.StatusGoingAway
	}
	a.Close(code, reason)
	b.Close(code, reason)
	wg.Wait()

	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type wsFrame struct {
	typ  websocket.MessageType
	data []byte
}

// memSocket is one end of an in-process WebSocket pair, used when a
// service binding returns a WebSocket response.
type memSocket struct {
	in     <-chan wsFrame
	out    chan<- wsFrame
	closed chan struct{}
	peer   *memSocket

	closeOnce sync.Once
	code      websocket.StatusCode
	reason    string
}

func newWebSocketPair() (*memSocket, *memSocket) {
	ab := make(chan wsFrame, 16)
	ba := make(chan wsFrame, 16)
	a := &memSocket{in: ba, out: ab, closed: make(chan struct{})}
	b := &memSocket{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (s *memSocket) peerCloseError() error {
	return websocket.CloseError{Code: s.peer.code, Reason: s.peer.reason}
}

func (s *memSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-s.in:
		return f.typ, f.data, nil
	default:
	}
	select {
	case f := <-s.in:
		return f.typ, f.data, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	case <-s.peer.closed:
		select {
		case f := <-s.in:
			return f.typ, f.data, nil
		default:
		}
		return 0, nil, s.peerCloseError()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *memSocket) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	case <-s.peer.closed:
		return s.peerCloseError()
	default:
	}
	select {
	case s.out <- wsFrame{typ: typ, data: append([]byte(nil), p...)}:
		return nil
	case <-s.closed:
		return net.ErrClosed
	case <-s.peer.closed:
		return s.peerCloseError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSocket) Close(code websocket.StatusCode, reason string) error {
	s.closeOnce.Do(func() {
		s.code = code
		s.reason = reason
		close(s.closed)
	})
	return nil
}
