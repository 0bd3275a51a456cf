package peers

import (
	"net"
	"net/netip"
)

// AddrPortOf converts a socket address into a registry key.
//
// IPv4-mapped IPv6 addresses are unmapped so that a dual-stack socket and an
// IPv4 socket produce the same key for the same peer. Zone identifiers are
// preserved.
func AddrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case nil:
		return netip.AddrPort{}, false
	case *net.UDPAddr:
		if a == nil {
			return netip.AddrPort{}, false
		}
		ap = a.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		ap = parsed
	}
	if !ap.Addr().IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// UDPAddr converts a registry key back into an address usable with
// net.PacketConn.WriteTo.
func UDPAddr(ap netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ap)
}
