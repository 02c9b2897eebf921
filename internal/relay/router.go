package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SWAI-Ltd/hostrelay/internal/metrics"
	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/registry"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

// Router decides where relayed bytes go. It holds no state of its own beyond
// the registry it routes over, and must be driven from the registry's owner.
//
// Every routing method returns the reason a message was not delivered, but
// none of these errors is meant to stop the caller: drops are logged here.
type Router struct {
	reg          *registry.Registry
	log          *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

// NewRouter creates a router over reg. log and m may be nil.
func NewRouter(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, log: log, metrics: m, writeTimeout: writeTimeout}
}

// OnAccepted tells the host a client joined. Nothing is queued when no host
// exists, so a later host never learns about earlier clients.
func (r *Router) OnAccepted(h proto.Handle, becameHost bool) error {
	if becameHost {
		return nil
	}
	return r.notifyHost(proto.Connect, h)
}

// OnEvicted tells the host a client left. The host's own departure is not announced.
func (r *Router) OnEvicted(h proto.Handle, wasHost bool) error {
	if wasHost {
		return nil
	}
	return r.notifyHost(proto.Disconnect, h)
}

func (r *Router) notifyHost(kind proto.TopologyKind, h proto.Handle) error {
	host, ok := r.reg.Host()
	if !ok {
		return ErrNoHost
	}
	return r.write(host, proto.EncodeTopology(kind, h), metrics.Topology)
}

// HandleChunk routes bytes read from the peer with handle source. Host bytes
// are addressed to a client; anything else is forwarded to the host.
func (r *Router) HandleChunk(source proto.Handle, chunk []byte) error {
	if !r.reg.IsHost(source) {
		return r.RouteFromClient(proto.DecodeFromClient(source, chunk))
	}
	msg, err := proto.DecodeFromHost(chunk)
	if err != nil {
		r.metrics.Dropped(metrics.DropMalformed)
		r.log.Debug("relay: dropping malformed host message", "err", err, "len", len(chunk))
		return err
	}
	return r.RouteFromHost(msg)
}

// RouteFromHost writes the payload verbatim to the target client.
func (r *Router) RouteFromHost(msg proto.ToClient) error {
	if r.reg.IsHost(msg.Target) {
		r.metrics.Dropped(metrics.DropSelfTarget)
		r.log.Debug("relay: dropping self-addressed host message", "handle", msg.Target)
		return ErrSelfTarget
	}
	c, err := r.reg.Lookup(msg.Target)
	if err != nil {
		r.metrics.Dropped(metrics.DropNotFound)
		r.log.Debug("relay: dropping message for unknown client", "target", msg.Target)
		return err
	}
	return r.write(c, msg.Payload, metrics.ToClient)
}

// RouteFromClient forwards the payload to the host, tagged with its source.
func (r *Router) RouteFromClient(msg proto.ToHost) error {
	host, ok := r.reg.Host()
	if !ok {
		r.metrics.Dropped(metrics.DropNoHost)
		r.log.Debug("relay: no host, dropping client message", "source", msg.Source)
		return ErrNoHost
	}
	frame, err := proto.EncodeToHost(msg.Source, msg.Payload)
	if err != nil {
		r.metrics.Dropped(metrics.DropTooLarge)
		r.log.Debug("relay: dropping client message", "source", msg.Source, "err", err)
		return err
	}
	return r.write(host, frame, metrics.ToHost)
}

// write failures are reported but never evict; only the read side does that.
func (r *Router) write(c transport.Conn, b []byte, direction string) error {
	if r.writeTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	n, err := c.Write(b)
	if err == nil && n < len(b) {
		err = errors.New("short write")
	}
	if err != nil {
		r.metrics.WriteFailed(direction)
		r.log.Warn("relay: write failed", "direction", direction, "remote", c.RemoteAddr(), "err", err)
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	r.metrics.Sent(direction, n)
	return nil
}
