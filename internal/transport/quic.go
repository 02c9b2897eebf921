package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for idle clients)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout: 5 * time.Minute,
}

const (
	ProtoID = "hostrelay/1"

	// A QUIC stream only becomes visible to the other side once it carries
	// data, so the dialer opens its stream with this single byte.
	streamPreamble byte = 0x01
)

// closeLinger bounds how long Close keeps a connection open so the peer can
// receive what was written before it.
const closeLinger = 2 * time.Second

// quicConn is the one bidirectional stream a peer uses, plus its connection.
type quicConn struct {
	stream quic.Stream
	conn   quic.Connection
	// accepted conns linger in the background so Close never blocks the relay.
	accepted bool
	peerDone atomic.Bool
}

func (c *quicConn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	if errors.Is(err, io.EOF) {
		c.peerDone.Store(true)
	}
	return n, err
}

func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address
func (c *quicConn) RemoteAddr() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return "unknown"
}

// Close finishes the stream, then closes the connection once the peer has
// closed it or closeLinger has passed. Closing the connection straight away
// would discard stream data not yet sent.
func (c *quicConn) Close() error {
	err := c.stream.Close()
	c.stream.CancelRead(0)
	if c.conn == nil {
		return err
	}
	switch {
	case c.peerDone.Load():
		_ = c.conn.CloseWithError(0, "")
	case c.accepted:
		go c.linger()
	default:
		c.linger()
	}
	return err
}

func (c *quicConn) linger() {
	t := time.NewTimer(closeLinger)
	defer t.Stop()
	select {
	case <-c.conn.Context().Done():
	case <-t.C:
	}
	_ = c.conn.CloseWithError(0, "")
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// QUICListener accepts QUIC connections and hands out their first stream.
type QUICListener struct {
	ln     *quic.Listener
	conns  chan Conn
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// ListenQUIC starts a QUIC listener on addr with a self-signed certificate.
func ListenQUIC(ctx context.Context, addr string) (*QUICListener, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &QUICListener{
		ln:     ln,
		conns:  make(chan Conn),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *QUICListener) acceptLoop(ctx context.Context) {
	for {
		sess, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("quic: listener stopped", "err", err)
			_ = l.Close()
			return
		}
		go l.acceptStream(ctx, sess)
	}
}

func (l *QUICListener) acceptStream(ctx context.Context, sess quic.Connection) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return
	}
	var pre [1]byte
	if _, err := io.ReadFull(stream, pre[:]); err != nil || pre[0] != streamPreamble {
		_ = sess.CloseWithError(1, "bad preamble")
		return
	}
	select {
	case l.conns <- &quicConn{stream: stream, conn: sess, accepted: true}:
	case <-l.done:
		_ = sess.CloseWithError(0, "")
	case <-ctx.Done():
		_ = sess.CloseWithError(0, "")
	}
}

// Accept returns the next peer whose stream is ready.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the address of the QUIC listener
func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

// DialQUIC connects to a QUIC relay (skips cert verification for dev)
func DialQUIC(ctx context.Context, addr string) (Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		sess.CloseWithError(0, "")
		return nil, fmt.Errorf("quic: write preamble: %w", err)
	}
	return &quicConn{stream: stream, conn: sess}, nil
}
