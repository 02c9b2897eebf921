package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, ln Listener, kind string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialed := make(chan Conn, 1)
	go func() {
		c, err := Dial(ctx, kind, ln.Addr())
		if err != nil {
			t.Errorf("dial: %v", err)
			close(dialed)
			return
		}
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Errorf("write: %v", err)
		}
		dialed <- c
	}()

	srv, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer srv.Close()
	assert.NotEmpty(t, srv.RemoteAddr())

	buf := make([]byte, 4)
	_, err = io.ReadFull(srv, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	cli, ok := <-dialed
	require.True(t, ok)
	defer cli.Close()

	_, err = srv.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(cli, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestTCPExchange(t *testing.T) {
	ln, err := Listen(context.Background(), KindTCP, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	exchange(t, ln, KindTCP)
}

func TestQUICExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen(ctx, KindQUIC, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	exchange(t, ln, KindQUIC)
}

func TestAcceptAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, kind := range []string{KindTCP, KindQUIC} {
		ln, err := Listen(ctx, kind, "127.0.0.1:0")
		require.NoError(t, err)
		require.NoError(t, ln.Close())

		_, err = ln.Accept(ctx)
		assert.ErrorIs(t, err, ErrClosed, kind)
	}
}

func TestUnknownKind(t *testing.T) {
	_, err := Listen(context.Background(), "sctp", ":0")
	assert.Error(t, err)
	_, err = Dial(context.Background(), "sctp", "localhost:1")
	assert.Error(t, err)
}

func TestQUICCloseDeliversPendingData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := Listen(ctx, KindQUIC, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 16*1024)
	sent := make(chan error, 1)
	go func() {
		c, err := Dial(ctx, KindQUIC, ln.Addr())
		if err != nil {
			sent <- err
			return
		}
		if _, err := c.Write(payload); err != nil {
			sent <- err
			return
		}
		sent <- c.Close()
	}()

	srv, err := ln.Accept(ctx)
	require.NoError(t, err)

	got, err := io.ReadAll(srv)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got))

	require.NoError(t, srv.Close())
	require.NoError(t, <-sent)
}
