package discovery

import (
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/backkem/coap/pkg/transport"
	"github.com/google/uuid"
)

// maxInstanceNameLength is the DNS label limit (RFC 6763 Section 4.1.1).
const maxInstanceNameLength = 63

// NewInstanceName returns a unique DNS-SD instance name "<prefix>-<uuid>".
// An empty prefix yields "coap".
func NewInstanceName(prefix string) string {
	if prefix == "" {
		prefix = "coap"
	}
	name := prefix + "-" + uuid.NewString()
	if len(name) > maxInstanceNameLength {
		name = name[len(name)-maxInstanceNameLength:]
		name = strings.TrimLeft(name, "-")
	}
	return name
}

// ValidateInstanceName checks the length limits of an instance name.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > maxInstanceNameLength {
		return ErrInvalidInstanceName
	}
	return nil
}

// SortIPsByPreference returns a copy of ips ordered global unicast first,
// then private and ULA, link-local, and finally loopback or multicast.
func SortIPsByPreference(ips []net.IP) []net.IP {
	sorted := slices.Clone(ips)
	slices.SortStableFunc(sorted, func(a, b net.IP) int {
		return ipRank(a) - ipRank(b)
	})
	return sorted
}

func ipRank(ip net.IP) int {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return 9
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsMulticast():
		return 8
	case addr.IsPrivate():
		return 1
	case addr.IsGlobalUnicast():
		return 0
	case addr.IsLinkLocalUnicast():
		return 2
	}
	return 5
}

// PeerAddresses converts resolved IPs and a port into transport addresses,
// in the same order. Link-local IPv6 addresses are skipped: without a zone
// they cannot be dialled.
func PeerAddresses(ips []net.IP, port int) []transport.PeerAddress {
	if port <= 0 || port > 65535 {
		return nil
	}
	var out []transport.PeerAddress
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is6() && addr.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, transport.NewPeerAddress(addr, uint16(port)))
	}
	return out
}
