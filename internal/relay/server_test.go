package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/hostrelay/internal/metrics"
	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

type testRelay struct {
	srv  *Server
	reg  *prometheus.Registry
	errc chan error
}

func startRelay(t *testing.T, maxClients int) *testRelay {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MaxClients = maxClients
	cfg.Metrics = metrics.New(promReg, "")

	srv, err := NewServer(cfg, ln)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr := &testRelay{srv: srv, reg: promReg, errc: make(chan error, 1)}
	go func() { tr.errc <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-tr.errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return tr
}

func (tr *testRelay) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := tr.srv.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func (tr *testRelay) waitMembers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tr.snapshot(t).Members) == n
	}, 5*time.Second, 10*time.Millisecond)
}

// counter reads a labelled counter from the relay's private registry.
func (tr *testRelay) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := tr.reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func dial(t *testing.T, tr *testRelay) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", tr.srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func expect(t *testing.T, c net.Conn, want string) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, len(want))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

func expectNothing(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	assert.Equal(t, 0, n, "unexpected %q", buf[:n])
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed by the relay")
}

func write(t *testing.T, c net.Conn, s string) {
	t.Helper()
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

func TestServerHostClientExchange(t *testing.T) {
	tr := startRelay(t, DefaultMaxClients)

	host := dial(t, tr)
	tr.waitMembers(t, 1)
	client := dial(t, tr)
	expect(t, host, "0:CONNECT:2\n")

	write(t, client, "hello")
	expect(t, host, "2:hello")

	write(t, host, "2:world")
	expect(t, client, "world")

	snap := tr.snapshot(t)
	require.True(t, snap.HasHost)
	assert.Equal(t, proto.Handle(1), snap.Host)
	require.Len(t, snap.Members, 2)
	assert.True(t, snap.Members[0].Host)
	assert.False(t, snap.Members[1].Host)

	require.NoError(t, client.Close())
	expect(t, host, "0:DISCONNECT:2\n")
	tr.waitMembers(t, 1)
}

func TestServerRejectsWhenFull(t *testing.T) {
	tr := startRelay(t, 1)

	host := dial(t, tr)
	tr.waitMembers(t, 1)

	second := dial(t, tr)
	third := dial(t, tr)
	expectClosed(t, second)
	expectClosed(t, third)

	assert.Len(t, tr.snapshot(t).Members, 1)
	assert.Equal(t, float64(0), tr.counter(t, "hostrelay_evicted_total", "role", "host"))
	expectNothing(t, host)

	write(t, host, "1:still alive")
	require.Eventually(t, func() bool {
		return tr.counter(t, "hostrelay_dropped_total", "reason", metrics.DropSelfTarget) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerClientWithoutHost(t *testing.T) {
	tr := startRelay(t, 4)

	host := dial(t, tr)
	tr.waitMembers(t, 1)
	client := dial(t, tr)
	expect(t, host, "0:CONNECT:2\n")

	require.NoError(t, host.Close())
	tr.waitMembers(t, 1)
	assert.False(t, tr.snapshot(t).HasHost)

	write(t, client, "is anyone there")
	require.Eventually(t, func() bool {
		return tr.counter(t, "hostrelay_dropped_total", "reason", metrics.DropNoHost) == 1
	}, 5*time.Second, 10*time.Millisecond)
	expectNothing(t, client)
	assert.Len(t, tr.snapshot(t).Members, 1, "client stays connected")

	// the next peer becomes host and hears nothing about the existing client
	late := dial(t, tr)
	tr.waitMembers(t, 2)
	assert.True(t, tr.snapshot(t).HasHost)
	expectNothing(t, late)

	write(t, client, "now")
	expect(t, late, "2:now")
}

func TestServerDropsMalformedHostMessage(t *testing.T) {
	tr := startRelay(t, 4)

	host := dial(t, tr)
	tr.waitMembers(t, 1)
	client := dial(t, tr)
	expect(t, host, "0:CONNECT:2\n")

	write(t, host, "no delimiter here")
	require.Eventually(t, func() bool {
		return tr.counter(t, "hostrelay_dropped_total", "reason", metrics.DropMalformed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	write(t, host, "7:nobody")
	require.Eventually(t, func() bool {
		return tr.counter(t, "hostrelay_dropped_total", "reason", metrics.DropNotFound) == 1
	}, 5*time.Second, 10*time.Millisecond)

	write(t, host, "2:ok")
	expect(t, client, "ok")
	assert.Len(t, tr.snapshot(t).Members, 2)
}

func TestServerHostReelection(t *testing.T) {
	tr := startRelay(t, 4)

	first := dial(t, tr)
	tr.waitMembers(t, 1)
	require.NoError(t, first.Close())
	tr.waitMembers(t, 0)

	second := dial(t, tr)
	tr.waitMembers(t, 1)
	snap := tr.snapshot(t)
	require.True(t, snap.HasHost)

	client := dial(t, tr)
	expect(t, second, "0:CONNECT:2\n")
	write(t, client, "hi")
	expect(t, second, "2:hi")
}

func TestServerCloseStopsRun(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(DefaultConfig(), ln)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(context.Background()) }()

	c, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		snap, err := srv.Snapshot(context.Background())
		return err == nil && len(snap.Members) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	expectClosed(t, c)

	_, err = srv.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
}

// brokenListener fails the way a dead listening socket does.
type brokenListener struct{}

func (brokenListener) Accept(ctx context.Context) (transport.Conn, error) {
	return nil, transport.ErrClosed
}
func (brokenListener) Addr() string { return "broken" }
func (brokenListener) Close() error { return nil }

func TestServerFatalAcceptError(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), brokenListener{})
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.ErrorIs(t, err, ErrAcceptFailed)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxClients = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Transport = "udp"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.ReadBufferSize = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	cfg.WriteTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

// total sums every sample of a counter family.
func total(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestServerStalledHostDoesNotFreezeRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out write timeouts")
	}
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	promReg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Metrics = metrics.New(promReg, "")
	srv, err := NewServer(cfg, ln)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	// the host never reads
	host, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer host.Close()
	require.NoError(t, host.(*net.TCPConn).SetReadBuffer(4096))
	require.Eventually(t, func() bool {
		return total(t, promReg, "hostrelay_admitted_total") == 1
	}, 5*time.Second, 10*time.Millisecond)

	flooder, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer flooder.Close()
	go func() {
		chunk := bytes.Repeat([]byte("x"), 8000)
		for {
			if _, err := flooder.Write(chunk); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return total(t, promReg, "hostrelay_write_failures_total") >= 1
	}, 30*time.Second, 50*time.Millisecond)

	late, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer late.Close()
	require.Eventually(t, func() bool {
		return total(t, promReg, "hostrelay_admitted_total") == 3
	}, 30*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2*cfg.WriteTimeout + 5*time.Second):
		t.Fatal("Run did not return")
	}
}
