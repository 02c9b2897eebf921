// Package registry tracks the live peer connections of a relay and which one
// of them is the host.
//
// A Registry is owned by a single goroutine and is not safe for concurrent use.
package registry

import (
	"errors"
	"sort"

	"github.com/SWAI-Ltd/hostrelay/internal/proto"
	"github.com/SWAI-Ltd/hostrelay/internal/transport"
)

var (
	ErrFull     = errors.New("registry: full")
	ErrNotFound = errors.New("registry: connection not found")
)

// Member is a registered connection.
type Member struct {
	Handle proto.Handle
	Conn   transport.Conn
}

// Registry is a bounded handle -> connection table with at most one host.
// Handles start at 1 and freed handles are reused; proto.RelayHandle is never issued.
type Registry struct {
	capacity int
	members  map[proto.Handle]*Member
	free     []proto.Handle
	next     proto.Handle
	host     *Member
}

// New creates a registry admitting at most capacity peers.
func New(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		members:  make(map[proto.Handle]*Member, capacity),
		next:     proto.RelayHandle + 1,
	}
}

// Admit registers c. The first connection admitted while no host is set becomes
// the host. On ErrFull nothing is recorded and the caller must close c.
func (r *Registry) Admit(c transport.Conn) (h proto.Handle, becameHost bool, err error) {
	if len(r.members) >= r.capacity {
		return 0, false, ErrFull
	}
	h = r.allocate()
	m := &Member{Handle: h, Conn: c}
	r.members[h] = m
	if r.host == nil {
		r.host = m
		becameHost = true
	}
	return h, becameHost, nil
}

func (r *Registry) allocate() proto.Handle {
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		return h
	}
	h := r.next
	r.next++
	return h
}

// Evict removes h and returns its connection, still open. wasHost reports
// whether h was the host; the host slot is then empty.
func (r *Registry) Evict(h proto.Handle) (c transport.Conn, wasHost bool, err error) {
	m, ok := r.members[h]
	if !ok {
		return nil, false, ErrNotFound
	}
	delete(r.members, h)
	r.free = append(r.free, h)
	if r.host == m {
		r.host = nil
		wasHost = true
	}
	return m.Conn, wasHost, nil
}

// Lookup returns the connection registered under h.
func (r *Registry) Lookup(h proto.Handle) (transport.Conn, error) {
	m, ok := r.members[h]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Conn, nil
}

// Contains reports whether h is registered with exactly this connection.
func (r *Registry) Contains(h proto.Handle, c transport.Conn) bool {
	m, ok := r.members[h]
	return ok && m.Conn == c
}

// HostHandle returns the host's handle, if a host is set.
func (r *Registry) HostHandle() (proto.Handle, bool) {
	if r.host == nil {
		return 0, false
	}
	return r.host.Handle, true
}

// IsHost reports whether h is the current host.
func (r *Registry) IsHost(h proto.Handle) bool {
	return r.host != nil && r.host.Handle == h
}

// Host returns the host connection, if any.
func (r *Registry) Host() (transport.Conn, bool) {
	if r.host == nil {
		return nil, false
	}
	return r.host.Conn, true
}

// AllMembers returns a snapshot ordered by handle. Mutating the registry
// afterwards does not affect the returned slice.
func (r *Registry) AllMembers() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (r *Registry) Len() int      { return len(r.members) }
func (r *Registry) Capacity() int { return r.capacity }
