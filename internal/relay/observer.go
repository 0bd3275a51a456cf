package relay

import (
	"net/netip"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/peers"
)

// Datagram summarizes one completed fan-out pass.
type Datagram struct {
	Sender     netip.AddrPort
	Bytes      int
	Recipients int
	At         time.Time
}

// Observer receives relay events. Methods are called synchronously from the
// relay loop and must not block; they are observational only and cannot
// influence relaying.
type Observer interface {
	PeerJoined(p peers.Peer)
	// PeerRefreshed reports a datagram from an already registered peer. It is
	// called on receive, before the fan-out pass that may later abort.
	PeerRefreshed(p peers.Peer)
	PeerExpired(p peers.Peer, now time.Time)
	DatagramRelayed(d Datagram)
}
