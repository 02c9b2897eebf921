package relay

import "errors"

var (
	ErrInvalidConfig = errors.New("relay: invalid config")
	ErrNoHost        = errors.New("relay: no host connected")
	ErrSelfTarget    = errors.New("relay: host addressed itself")
	ErrDelivery      = errors.New("relay: delivery failed")
	ErrServerClosed  = errors.New("relay: server closed")

	// ErrAcceptFailed means the listener stopped yielding connections. It is
	// the only error that ends Server.Run.
	ErrAcceptFailed = errors.New("relay: accept failed")
)
