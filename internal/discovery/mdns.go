// Package discovery advertises relays on the local network over mDNS and
// finds them again from peers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"

	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

// QUIC relays listen on UDP, so they are announced under their own service
// type and a browsing peer never dials the wrong transport.
const (
	ServiceTCP  = "_hostrelay._tcp"
	ServiceQUIC = "_hostrelay._udp"
	Domain      = "local."
)

// ServiceType returns the mDNS service type for a transport kind.
func ServiceType(kind string) (string, error) {
	switch kind {
	case transport.KindTCP, "":
		return ServiceTCP, nil
	case transport.KindQUIC:
		return ServiceQUIC, nil
	default:
		return "", fmt.Errorf("discovery: unknown transport %q", kind)
	}
}

// Relay is a relay found on the local network
type Relay struct {
	Name      string
	Addr      string
	Port      int
	Transport string
}

// Advertiser publishes this relay until closed.
type Advertiser struct {
	client *zeroconf.Client
}

// Advertise publishes a relay named name listening on port with the given
// transport kind.
func Advertise(name, kind string, port int) (*Advertiser, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	typ, err := ServiceType(kind)
	if err != nil {
		return nil, err
	}
	svc := zeroconf.NewService(zeroconf.NewType(typ), name, uint16(port))
	client, err := zeroconf.New().Publish(svc).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Advertiser{client: client}, nil
}

// Close stops advertising
func (a *Advertiser) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Browse returns the first relay of the given transport kind announced on
// the network, or ctx's error.
func Browse(ctx context.Context, kind string) (Relay, error) {
	typ, err := ServiceType(kind)
	if err != nil {
		return Relay{}, err
	}
	if kind == "" {
		kind = transport.KindTCP
	}
	found := make(chan Relay, 1)
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			r, ok := relayFromEvent(e)
			if !ok {
				return
			}
			r.Transport = kind
			select {
			case found <- r:
			default:
			}
		}, zeroconf.NewType(typ)).
		Open()
	if err != nil {
		return Relay{}, fmt.Errorf("zeroconf: %w", err)
	}
	defer client.Close()

	select {
	case r := <-found:
		return r, nil
	case <-ctx.Done():
		return Relay{}, ctx.Err()
	}
}

func relayFromEvent(e zeroconf.Event) (Relay, bool) {
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return Relay{}, false
	}
	// prefer IPv4
	addr := addrs[0]
	for _, a := range addrs {
		if !strings.HasPrefix(a, "[") {
			addr = a
			break
		}
	}
	return Relay{Name: e.Name, Addr: addr, Port: int(e.Port)}, true
}

// PortOf extracts the port from a "host:port" listen address.
func PortOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
