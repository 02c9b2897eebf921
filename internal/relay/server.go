package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/SWAI-Ltd/hostrelay/internal/metrics"
	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/registry"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

type eventKind int

const (
	evAccepted eventKind = iota
	evData
	evClosed
	evFatal
)

// event is what the accept and reader goroutines post to the dispatch loop.
type event struct {
	kind   eventKind
	handle proto.Handle
	conn   transport.Conn
	data   []byte
	err    error
}

// Server is the relay. One goroutine (Run) owns the registry and does all
// routing and writing; the accept goroutine and one reader per peer only
// post events to it.
type Server struct {
	cfg     Config
	ln      transport.Listener
	reg     *registry.Registry
	router  *Router
	log     *slog.Logger
	metrics *metrics.Metrics

	events  chan event
	queries chan chan Snapshot
	done    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Listen opens the configured transport and returns a server ready to Run.
func Listen(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ln, err := transport.Listen(ctx, cfg.Transport, cfg.Addr)
	if err != nil {
		return nil, err
	}
	return NewServer(cfg, ln)
}

// NewServer wraps an already open listener.
func NewServer(cfg Config, ln transport.Listener) (*Server, error) {
	if cfg.Transport == "" {
		cfg.Transport = transport.KindTCP
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.logger()
	reg := registry.New(cfg.MaxClients)
	return &Server{
		cfg:     cfg,
		ln:      ln,
		reg:     reg,
		router:  NewRouter(reg, log, cfg.Metrics, cfg.WriteTimeout),
		log:     log,
		metrics: cfg.Metrics,
		events:  make(chan event),
		queries: make(chan chan Snapshot),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr()
}

// Run dispatches events until ctx is done or Close is called, both of which
// return nil. It returns an ErrAcceptFailed error if the listener dies. On
// return every peer connection and the listener are closed. Run must be
// called at most once.
func (s *Server) Run(ctx context.Context) error {
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go s.acceptLoop(acceptCtx)
	s.log.Info("relay listening", "addr", s.Addr(), "transport", s.cfg.Transport, "max_clients", s.cfg.MaxClients)

	err := s.loop(ctx)
	cancel()
	if cerr := s.shutdown(); cerr != nil {
		s.log.Debug("relay: shutdown", "err", cerr)
	}
	return err
}

func (s *Server) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case reply := <-s.queries:
			reply <- s.snapshot()
		case ev := <-s.events:
			if err := s.dispatch(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Server) dispatch(ev event) error {
	switch ev.kind {
	case evFatal:
		return ev.err
	case evAccepted:
		s.admit(ev.conn)
	case evData:
		// stale: the member was evicted and its handle may already be reused
		if !s.reg.Contains(ev.handle, ev.conn) {
			return nil
		}
		_ = s.router.HandleChunk(ev.handle, ev.data)
	case evClosed:
		if !s.reg.Contains(ev.handle, ev.conn) {
			return nil
		}
		s.evict(ev.handle, ev.err)
	}
	return nil
}

func (s *Server) admit(c transport.Conn) {
	h, becameHost, err := s.reg.Admit(c)
	if err != nil {
		s.metrics.Rejected()
		s.log.Warn("relay: too many clients, rejecting", "remote", c.RemoteAddr(), "max_clients", s.reg.Capacity())
		_ = c.Close()
		return
	}
	s.metrics.Admitted(becameHost)
	s.log.Info("new connection", "handle", h, "remote", c.RemoteAddr(), "host", becameHost)

	_ = s.router.OnAccepted(h, becameHost)

	s.wg.Add(1)
	go s.readLoop(h, c)
}

func (s *Server) evict(h proto.Handle, cause error) {
	c, wasHost, err := s.reg.Evict(h)
	if err != nil {
		return
	}
	s.metrics.Evicted(wasHost)
	s.log.Info("client disconnected", "handle", h, "host", wasHost, "cause", cause)

	_ = s.router.OnEvicted(h, wasHost)
	_ = c.Close()
}

// post hands ev to the loop; false means the server is shutting down.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) readLoop(h proto.Handle, c transport.Conn) {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.post(event{kind: evData, handle: h, conn: c, data: chunk}) {
				return
			}
		}
		if err != nil {
			s.post(event{kind: evClosed, handle: h, conn: c, err: err})
			return
		}
	}
}

const maxAcceptDelay = time.Second

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	var delay time.Duration
	for {
		c, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.stopping() {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				s.post(event{kind: evFatal, err: fmt.Errorf("%w: %v", ErrAcceptFailed, err)})
				return
			}
			// transient (e.g. out of file descriptors): back off like net/http
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Warn("relay: accept failed, retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
			continue
		}
		delay = 0
		if !s.post(event{kind: evAccepted, conn: c}) {
			_ = c.Close()
			return
		}
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.stop:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// shutdown releases the goroutines, then closes every peer and the listener.
func (s *Server) shutdown() error {
	close(s.done)
	err := s.closeListener()
	for _, m := range s.reg.AllMembers() {
		_, wasHost, _ := s.reg.Evict(m.Handle)
		s.metrics.Evicted(wasHost)
		err = multierr.Append(err, m.Conn.Close())
	}
	s.wg.Wait()
	return err
}

func (s *Server) closeListener() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ln.Close()
	})
	return s.closeErr
}

// Close makes Run return and closes the listener. It does not wait for Run.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.closeListener()
}

// MemberInfo describes one registered peer.
type MemberInfo struct {
	Handle     proto.Handle `json:"handle"`
	RemoteAddr string       `json:"remote_addr"`
	Host       bool         `json:"host"`
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Addr     string       `json:"addr"`
	Capacity int          `json:"capacity"`
	Members  []MemberInfo `json:"members"`
	HasHost  bool         `json:"has_host"`
	Host     proto.Handle `json:"host,omitempty"`
}

// Snapshot asks the dispatch loop for the current membership.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.queries <- reply:
	case <-s.done:
		return Snapshot{}, ErrServerClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{Addr: s.Addr(), Capacity: s.reg.Capacity()}
	snap.Host, snap.HasHost = s.reg.HostHandle()
	for _, m := range s.reg.AllMembers() {
		snap.Members = append(snap.Members, MemberInfo{
			Handle:     m.Handle,
			RemoteAddr: m.Conn.RemoteAddr(),
			Host:       snap.HasHost && m.Handle == snap.Host,
		})
	}
	return snap
}
