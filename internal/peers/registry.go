// Package peers tracks the endpoints a relay currently believes are connected.
//
// A Registry is owned by exactly one relay loop and is not safe for concurrent
// use. Callers that need a view from another goroutine must keep their own copy
// (see internal/events).
package peers

import (
	"iter"
	"net/netip"
	"time"
)

// Peer is one participant, keyed by its network address.
type Peer struct {
	Addr       netip.AddrPort
	LastActive time.Time
}

// Idle returns how long the peer has been silent as of now.
func (p Peer) Idle(now time.Time) time.Duration {
	return now.Sub(p.LastActive)
}

// Expired reports whether the peer has been idle for strictly longer than
// threshold.
func (p Peer) Expired(now time.Time, threshold time.Duration) bool {
	return p.Idle(now) > threshold
}

type Registry struct {
	peers map[netip.AddrPort]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[netip.AddrPort]*Peer)}
}

// Upsert records activity from addr at now. It returns true when addr was not
// previously a member.
//
// LastActive only moves forward; an older now leaves the entry untouched.
func (r *Registry) Upsert(addr netip.AddrPort, now time.Time) bool {
	if p, ok := r.peers[addr]; ok {
		if now.After(p.LastActive) {
			p.LastActive = now
		}
		return false
	}
	r.peers[addr] = &Peer{Addr: addr, LastActive: now}
	return true
}

func (r *Registry) Contains(addr netip.AddrPort) bool {
	_, ok := r.peers[addr]
	return ok
}

func (r *Registry) Get(addr netip.AddrPort) (Peer, bool) {
	p, ok := r.peers[addr]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Remove deletes addr. Removing an absent address is a no-op.
func (r *Registry) Remove(addr netip.AddrPort) {
	delete(r.peers, addr)
}

func (r *Registry) Len() int {
	return len(r.peers)
}

// All yields a copy of every entry. Each call starts a fresh pass; the order is
// unspecified.
//
// The sequence never removes entries itself. Removing the entry currently being
// visited from inside the loop body is allowed (map iteration semantics), but
// the relay collects expired peers and removes them after the pass instead.
func (r *Registry) All() iter.Seq2[netip.AddrPort, Peer] {
	return func(yield func(netip.AddrPort, Peer) bool) {
		for addr, p := range r.peers {
			if !yield(addr, *p) {
				return
			}
		}
	}
}
