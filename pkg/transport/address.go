package transport

import (
	"fmt"
	"net"
	"net/netip"
)

// PeerAddress identifies a remote CoAP endpoint by IP address and UDP port.
// It is comparable and used as the outer key of every exchange-layer table.
type PeerAddress struct {
	netip.AddrPort
}

// String returns "ip:port", with brackets for IPv6.
func (p PeerAddress) String() string {
	if !p.IsValid() {
		return "<invalid>"
	}
	return p.AddrPort.String()
}

// UDPAddr converts the peer address for use with net.PacketConn.
func (p PeerAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(p.AddrPort)
}

// NewPeerAddress creates a PeerAddress from an address and port.
// IPv4-mapped IPv6 addresses are unmapped so both forms key the same peer.
func NewPeerAddress(addr netip.Addr, port uint16) PeerAddress {
	return PeerAddress{netip.AddrPortFrom(addr.Unmap(), port)}
}

// PeerAddressFromNetAddr converts a net.Addr returned by a PacketConn.
func PeerAddressFromNetAddr(addr net.Addr) (PeerAddress, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return NewPeerAddress(ap.Addr(), ap.Port()), nil
	case nil:
		return PeerAddress{}, ErrInvalidAddress
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return PeerAddress{}, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
		}
		return NewPeerAddress(ap.Addr(), ap.Port()), nil
	}
}

// PeerAddressFromString resolves "host:port" into a PeerAddress.
func PeerAddressFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return PeerAddressFromNetAddr(udpAddr)
}

// MustPeerAddress parses a literal "ip:port" and panics on failure.
// Intended for tests and constants.
func MustPeerAddress(addr string) PeerAddress {
	ap := netip.MustParseAddrPort(addr)
	return NewPeerAddress(ap.Addr(), ap.Port())
}
