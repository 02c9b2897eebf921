// Package transport provides the byte-stream primitives the relay runs on:
// accepting peers, reading and writing chunks, and closing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kinds of transport understood by Listen and Dial.
const (
	KindTCP  = "tcp"
	KindQUIC = "quic"
)

// ErrClosed is returned by Accept once the listener has been closed.
var ErrClosed = errors.New("transport: listener closed")

// Conn is one peer byte stream.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
}

// Listener yields new peer connections.
type Listener interface {
	// Accept blocks until a peer connects, ctx is done, or the listener is closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Listen opens a listener of the given kind on addr.
func Listen(ctx context.Context, kind, addr string) (Listener, error) {
	switch kind {
	case KindTCP, "":
		l, err := ListenTCP(addr)
		if err != nil {
			return nil, err
		}
		return l, nil
	case KindQUIC:
		l, err := ListenQUIC(ctx, addr)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// Dial connects to a relay listening with the given kind.
func Dial(ctx context.Context, kind, addr string) (Conn, error) {
	switch kind {
	case KindTCP, "":
		return DialTCP(ctx, addr)
	case KindQUIC:
		return DialQUIC(ctx, addr)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
