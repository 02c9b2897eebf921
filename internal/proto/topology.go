package proto

import (
	"bytes"
	"fmt"
	"strconv"
)

// TopologyKind says whether a client joined or left.
type TopologyKind int

const (
	Connect TopologyKind = iota + 1
	Disconnect
)

func (k TopologyKind) String() string {
	switch k {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Topology is a membership notification sent by the relay to the host.
type Topology struct {
	Kind   TopologyKind
	Handle Handle
}

// EncodeTopology produces "0:CONNECT:<handle>\n" or "0:DISCONNECT:<handle>\n".
func EncodeTopology(kind TopologyKind, h Handle) []byte {
	buf := make([]byte, 0, 24)
	buf = strconv.AppendUint(buf, uint64(RelayHandle), 10)
	buf = append(buf, Delimiter)
	buf = append(buf, kind.String()...)
	buf = append(buf, Delimiter)
	buf = strconv.AppendUint(buf, uint64(h), 10)
	return append(buf, '\n')
}

// Inbound is one message as seen by the host.
// Exactly one of Topology or Payload is meaningful.
type Inbound struct {
	Source   Handle
	Payload  []byte
	Topology *Topology
}

// ParseInbound interprets a chunk received by the host. A chunk is assumed to
// carry a single message; the relay does not frame beyond that.
func ParseInbound(b []byte) (Inbound, error) {
	i := bytes.IndexByte(b, Delimiter)
	if i < 0 {
		return Inbound{}, fmt.Errorf("%w: missing delimiter", ErrMalformed)
	}
	source, err := ParseHandle(b[:i])
	if err != nil {
		return Inbound{}, err
	}
	rest := b[i+1:]
	if source != RelayHandle {
		return Inbound{Source: source, Payload: rest}, nil
	}

	t, err := parseTopology(rest)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Source: RelayHandle, Topology: &t}, nil
}

func parseTopology(b []byte) (Topology, error) {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	kind, h, ok := bytes.Cut(b, []byte{Delimiter})
	if !ok {
		return Topology{}, fmt.Errorf("%w: bad topology %q", ErrMalformed, b)
	}
	var t Topology
	switch string(kind) {
	case Connect.String():
		t.Kind = Connect
	case Disconnect.String():
		t.Kind = Disconnect
	default:
		return Topology{}, fmt.Errorf("%w: unknown topology kind %q", ErrMalformed, kind)
	}
	handle, err := ParseHandle(h)
	if err != nil {
		return Topology{}, err
	}
	t.Handle = handle
	return t, nil
}
