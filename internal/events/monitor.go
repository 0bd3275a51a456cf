package events

import (
	"cmp"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/relay"
)

var _ relay.Observer = (*Monitor)(nil)

// Monitor is a relay.Observer that mirrors the relay's peer table and
// publishes every observation to a Hub.
//
// The mirror is updated from the relay loop and read by HTTP handlers, so it
// is guarded by its own mutex; the relay's registry itself is never shared.
type Monitor struct {
	hub   *Hub
	clock func() time.Time

	// PublishFanout controls whether one event is published per relayed
	// datagram. Peer membership events are always published.
	PublishFanout bool

	mu    sync.Mutex
	peers map[netip.AddrPort]peers.Peer
}

func NewMonitor(hub *Hub) *Monitor {
	return &Monitor{
		hub:           hub,
		clock:         time.Now,
		PublishFanout: true,
		peers:         make(map[netip.AddrPort]peers.Peer),
	}
}

func (m *Monitor) PeerJoined(p peers.Peer) {
	m.mu.Lock()
	m.peers[p.Addr] = p
	m.mu.Unlock()

	m.publish(Event{Type: TypePeerJoined, Peer: p.Addr.String(), At: p.LastActive})
}

// PeerRefreshed updates the mirrored LastActive on every receive, so /peers
// stays accurate even when the following fan-out pass never completes.
func (m *Monitor) PeerRefreshed(p peers.Peer) {
	m.mu.Lock()
	if cur, ok := m.peers[p.Addr]; ok && p.LastActive.After(cur.LastActive) {
		cur.LastActive = p.LastActive
		m.peers[p.Addr] = cur
	}
	m.mu.Unlock()
}

func (m *Monitor) PeerExpired(p peers.Peer, now time.Time) {
	m.mu.Lock()
	delete(m.peers, p.Addr)
	m.mu.Unlock()

	m.publish(Event{
		Type:      TypePeerExpired,
		Peer:      p.Addr.String(),
		At:        now,
		IdleForMs: p.Idle(now).Milliseconds(),
	})
}

func (m *Monitor) DatagramRelayed(d relay.Datagram) {
	if !m.PublishFanout {
		return
	}
	m.publish(Event{
		Type:       TypeFanout,
		Peer:       d.Sender.String(),
		At:         d.At,
		Bytes:      d.Bytes,
		Recipients: d.Recipients,
	})
}

func (m *Monitor) publish(e Event) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(e)
}

// Len returns the number of peers currently registered with the relay.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Peers returns a snapshot of the peer table ordered by address.
func (m *Monitor) Peers() []peers.Peer {
	m.mu.Lock()
	out := make([]peers.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b peers.Peer) int {
		return cmp.Compare(a.Addr.String(), b.Addr.String())
	})
	return out
}

type peerView struct {
	Addr       string    `json:"addr"`
	LastActive time.Time `json:"lastActive"`
	IdleMs     int64     `json:"idleMs"`
}

// PeersHandler serves the peer table as JSON.
func (m *Monitor) PeersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := m.clock()
		list := m.Peers()
		views := make([]peerView, 0, len(list))
		for _, p := range list {
			views = append(views, peerView{
				Addr:       p.Addr.String(),
				LastActive: p.LastActive,
				IdleMs:     p.Idle(now).Milliseconds(),
			})
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"count": len(views), "peers": views})
	})
}
