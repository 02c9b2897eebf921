// Package client provides the hostrelay developer SDK: connect to a relay as
// host or client, write messages, and read what the relay delivers from a channel.
//
// The first peer to connect to an empty relay is the host. A client only ever
// talks to the host, using Send. The host addresses clients with SendTo and
// reads client-tagged messages and membership notifications with ParseInbound.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SWAI-Ltd/hostrelay/internal/discovery"
	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// Re-exported wire types for host-side code.
type (
	Handle       = proto.Handle
	Inbound      = proto.Inbound
	Topology     = proto.Topology
	TopologyKind = proto.TopologyKind
)

const (
	Connect    = proto.Connect
	Disconnect = proto.Disconnect
)

// ParseInbound interprets one chunk received by the host.
func ParseInbound(b []byte) (Inbound, error) {
	return proto.ParseInbound(b)
}

// Config configures the client.
type Config struct {
	// RelayAddr is the relay address (e.g. "localhost:8080"). When empty and
	// Discover is set, the first relay announced over mDNS is used.
	RelayAddr string
	// Transport is "tcp" (default) or "quic".
	Transport string
	// Discover enables mDNS lookup of the relay.
	Discover bool
	// MessageBuffer sets the capacity of Messages() channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
}

// Client is one connection to the relay.
type Client struct {
	conn transport.Conn
	msgs chan []byte
	done chan struct{}
	wg   sync.WaitGroup

	// writeMu serialises writes; mu only guards closed and err so Close can
	// always reach the conn, even behind a stalled Send.
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	err     error
}

// Dial connects to the relay.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr := cfg.RelayAddr
	if addr == "" {
		if !cfg.Discover {
			return nil, errors.New("client: relay address required")
		}
		r, err := discovery.Browse(ctx, cfg.Transport)
		if err != nil {
			return nil, fmt.Errorf("client: discover relay: %w", err)
		}
		addr = r.Addr
	}
	conn, err := transport.Dial(ctx, cfg.Transport, addr)
	if err != nil {
		return nil, err
	}

	return newClient(conn, cfg.MessageBuffer), nil
}

func newClient(conn transport.Conn, buf int) *Client {
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	c := &Client{
		conn: conn,
		msgs: make(chan []byte, buf),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	defer close(c.msgs)
	buf := make([]byte, proto.MaxFrameSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.msgs <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
	}
}

// Send writes payload as-is. Clients use it to talk to the host.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(payload); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendTo addresses payload to one client. Only meaningful for the host.
func (c *Client) SendTo(target Handle, payload []byte) error {
	frame, err := proto.EncodeToClient(target, payload)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Messages returns the chunks read from the relay. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan []byte {
	return c.msgs
}

// Err returns the error that ended the connection, if it has ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the relay address this client is connected to.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// Close shuts down the connection and waits for the Messages() channel to close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
