package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TCPListener accepts TCP peers with Nagle disabled.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP listens on addr (e.g. ":8080").
func ListenTCP(addr string) (*TCPListener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next peer. ctx is only checked before blocking;
// closing the listener is what unblocks a pending Accept.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	_ = c.SetNoDelay(true)
	return &tcpConn{TCPConn: c}, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// DialTCP connects to a relay over TCP.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := c.(*net.TCPConn)
	_ = tc.SetNoDelay(true)
	return &tcpConn{TCPConn: tc}, nil
}

type tcpConn struct {
	*net.TCPConn
}

func (c *tcpConn) RemoteAddr() string {
	return c.TCPConn.RemoteAddr().String()
}
