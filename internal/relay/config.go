package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/SWAI-Ltd/hostrelay/internal/metrics"
	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

const (
	DefaultAddr = ":8080"

	// DefaultMaxClients leaves 64 readiness slots once the listener is counted.
	DefaultMaxClients = 63

	DefaultWriteTimeout = 5 * time.Second
)

// Config for Server
type Config struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// Transport is transport.KindTCP or transport.KindQUIC.
	Transport string
	// MaxClients bounds the number of registered peers, host included.
	MaxClients int
	// ReadBufferSize is the largest chunk read from a peer at once. Chunks
	// that no longer fit a host frame once prefixed are dropped, never split.
	ReadBufferSize int
	// WriteTimeout bounds each write to a peer. Writes run on the dispatch
	// loop, so it must be positive: a peer that stops reading stalls the
	// whole relay for at most this long per message.
	WriteTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a configuration matching the classic relay:
// TCP on :8080, 63 peers, 8191-byte reads, 5s writes.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		Transport:      transport.KindTCP,
		MaxClients:     DefaultMaxClients,
		ReadBufferSize: proto.ReadBufferSize,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Transport {
	case transport.KindTCP, transport.KindQUIC:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("%w: max clients must be positive, got %d", ErrInvalidConfig, c.MaxClients)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: read buffer size must be positive, got %d", ErrInvalidConfig, c.ReadBufferSize)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive, got %v", ErrInvalidConfig, c.WriteTimeout)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
