// Package proto implements the relay wire format.
//
// Every relayed message is "<handle>:<payload>". Bytes coming from the host carry
// the target handle, bytes delivered to the host carry the source handle. The
// payload is opaque and forwarded byte-exact; only the first ':' is significant.
package proto

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// Delimiter separates the handle from the payload.
	Delimiter = ':'

	// ReadBufferSize is the largest chunk read from a connection at once.
	ReadBufferSize = 8191

	// MaxFrameSize bounds a single write towards the host.
	MaxFrameSize = ReadBufferSize + 32
)

var (
	ErrMalformed = errors.New("proto: malformed message")
	ErrTooLarge  = errors.New("proto: message too large")
)

// Handle identifies a connection on the wire.
type Handle uint32

// RelayHandle marks messages that originate from the relay itself.
// It is never assigned to a connection.
const RelayHandle Handle = 0

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// ParseHandle parses a decimal handle.
func ParseHandle(b []byte) (Handle, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty handle", ErrMalformed)
	}
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad handle %q", ErrMalformed, b)
	}
	return Handle(n), nil
}

// ToClient is a message the host addressed to one client.
type ToClient struct {
	Target  Handle
	Payload []byte
}

// ToHost is a message a client sent towards the host.
type ToHost struct {
	Source  Handle
	Payload []byte
}

// DecodeFromHost splits a host chunk on its first delimiter.
// The returned payload aliases b.
func DecodeFromHost(b []byte) (ToClient, error) {
	i := bytes.IndexByte(b, Delimiter)
	if i < 0 {
		return ToClient{}, fmt.Errorf("%w: missing delimiter", ErrMalformed)
	}
	target, err := ParseHandle(b[:i])
	if err != nil {
		return ToClient{}, err
	}
	return ToClient{Target: target, Payload: b[i+1:]}, nil
}

// DecodeFromClient wraps a client chunk. The whole chunk is the payload.
func DecodeFromClient(source Handle, b []byte) ToHost {
	return ToHost{Source: source, Payload: b}
}

// EncodeToHost produces "<source>:<payload>".
func EncodeToHost(source Handle, payload []byte) ([]byte, error) {
	return encode(source, payload)
}

// EncodeToClient produces "<target>:<payload>", the form a host must write.
func EncodeToClient(target Handle, payload []byte) ([]byte, error) {
	return encode(target, payload)
}

func encode(h Handle, payload []byte) ([]byte, error) {
	prefix := strconv.AppendUint(nil, uint64(h), 10)
	size := len(prefix) + 1 + len(payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	buf = append(buf, Delimiter)
	return append(buf, payload...), nil
}
