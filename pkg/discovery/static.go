package discovery

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// StaticResolver answers browse and lookup queries from a fixed set of
// announced instances. It stands in for the network in tests.
type StaticResolver struct {
	mu      sync.RWMutex
	records []staticRecord
}

type staticRecord struct {
	subtypes []string
	entry    *zeroconf.ServiceEntry
}

// NewStaticResolver returns an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{}
}

// Announce adds entry under its own service type, additionally reachable
// through each subtype label ("_temperature").
func (s *StaticResolver) Announce(entry *zeroconf.ServiceEntry, subtypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, staticRecord{subtypes: subtypes, entry: entry})
}

// Withdraw removes every record of instance and reports how many were dropped.
func (s *StaticResolver) Withdraw(instance string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.entry.Instance != instance {
			kept = append(kept, r)
		}
	}
	n := len(s.records) - len(kept)
	s.records = kept
	return n
}

// matching returns the entries a query for service would see. service is
// either "_coap._udp" or "<sub>._sub._coap._udp".
func (s *StaticResolver) matching(service string) []*zeroconf.ServiceEntry {
	sub, base, isSub := strings.Cut(service, "._sub.")
	if !isSub {
		base = service
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*zeroconf.ServiceEntry
	for _, r := range s.records {
		if r.entry.Service != base {
			continue
		}
		if isSub && !containsLabel(r.subtypes, sub) {
			continue
		}
		out = append(out, r.entry)
	}
	return out
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

func (s *StaticResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return s.emit(ctx, s.matching(service), "", entries)
}

func (s *StaticResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return s.emit(ctx, s.matching(service), instance, entries)
}

func (s *StaticResolver) emit(ctx context.Context, found []*zeroconf.ServiceEntry, instance string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, e := range found {
		if instance != "" && e.Instance != instance {
			continue
		}
		select {
		case entries <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
		if instance != "" {
			return nil
		}
	}
	return nil
}

// StaticEntry builds a service entry for instance reachable at ip:port.
func StaticEntry(st ServiceType, instance string, ip net.IP, port int, txt EndpointTXT) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, st.ServiceString(), DefaultDomain)
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = txt.Encode()
	if v4 := ip.To4(); v4 != nil {
		e.AddrIPv4 = append(e.AddrIPv4, v4)
	} else if ip != nil {
		e.AddrIPv6 = append(e.AddrIPv6, ip)
	}
	return e
}
