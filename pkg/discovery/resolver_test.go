package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

func newTestResolver(t *testing.T, zone *StaticResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  zone,
		BrowseTimeout: time.Second,
		LookupTimeout: time.Second,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func TestResolver_Browse(t *testing.T) {
	zone := NewStaticResolver()
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "a", net.ParseIP("192.0.2.1"), 5683,
		EndpointTXT{ResourceTypes: []string{"temperature"}}))
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "b", net.ParseIP("2001:db8::2"), 5684, EndpointTXT{}))
	// Duplicate announcements of one instance are reported once.
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "a", net.ParseIP("192.0.2.1"), 5683, EndpointTXT{}))

	r := newTestResolver(t, zone)
	results, err := r.Browse(context.Background(), ServiceTypeEndpoint)
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}

	var got []ResolvedService
	for svc := range results {
		got = append(got, svc)
	}
	if len(got) != 2 {
		t.Fatalf("Browse() found %d services, want 2", len(got))
	}

	a := got[0]
	if a.InstanceName != "a" || a.Port != 5683 || a.ServiceType != ServiceTypeEndpoint {
		t.Errorf("service = %+v", a)
	}
	if a.TXT == nil || !a.TXT.HasResourceType("temperature") {
		t.Errorf("TXT = %+v, want rt=temperature", a.TXT)
	}
	if a.Text["txtvers"] != "1" {
		t.Errorf("Text[txtvers] = %q, want 1", a.Text["txtvers"])
	}
	peer, err := a.PeerAddress()
	if err != nil {
		t.Fatalf("PeerAddress() error = %v", err)
	}
	if peer.String() != "192.0.2.1:5683" {
		t.Errorf("PeerAddress() = %s, want 192.0.2.1:5683", peer)
	}
	if got[1].PreferredIP().String() != "2001:db8::2" {
		t.Errorf("PreferredIP() = %s, want 2001:db8::2", got[1].PreferredIP())
	}
}

func TestResolver_BrowseInvalid(t *testing.T) {
	r := newTestResolver(t, NewStaticResolver())
	if _, err := r.Browse(context.Background(), ServiceTypeUnknown); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("Browse(Unknown) error = %v, want %v", err, ErrInvalidServiceType)
	}
	if _, err := r.BrowseResourceType(context.Background(), ServiceTypeEndpoint, "core.rd"); !errors.Is(err, ErrInvalidResourceType) {
		t.Errorf("BrowseResourceType(core.rd) error = %v, want %v", err, ErrInvalidResourceType)
	}
}

func TestResolver_BrowseResourceType(t *testing.T) {
	zone := NewStaticResolver()
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "t", net.ParseIP("192.0.2.9"), 5683,
		EndpointTXT{ResourceTypes: []string{"temperature"}}), "_temperature")
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "other", net.ParseIP("192.0.2.8"), 5683, EndpointTXT{}))

	r := newTestResolver(t, zone)
	results, err := r.BrowseResourceType(context.Background(), ServiceTypeEndpoint, "temperature")
	if err != nil {
		t.Fatalf("BrowseResourceType() error = %v", err)
	}
	var names []string
	for svc := range results {
		names = append(names, svc.InstanceName)
	}
	if len(names) != 1 || names[0] != "t" {
		t.Errorf("BrowseResourceType() = %v, want [t]", names)
	}
}

func TestResolver_InvalidTXTKeepsService(t *testing.T) {
	zone := NewStaticResolver()
	entry := StaticEntry(ServiceTypeEndpoint, "x", net.ParseIP("192.0.2.3"), 5683, EndpointTXT{})
	entry.Text = []string{"txtvers=9"}
	zone.Announce(entry)

	found, err := newTestResolver(t, zone).Discover(context.Background(), ServiceTypeEndpoint, time.Second)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Discover() found %d, want 1", len(found))
	}
	if found[0].TXT != nil {
		t.Errorf("TXT = %+v, want nil", found[0].TXT)
	}
}

func TestResolver_Lookup(t *testing.T) {
	zone := NewStaticResolver()
	zone.Announce(StaticEntry(ServiceTypeResourceDirectory, "rd", net.ParseIP("192.0.2.4"), 5683, EndpointTXT{Path: "/rd"}))

	r := newTestResolver(t, zone)

	svc, err := r.Lookup(context.Background(), ServiceTypeResourceDirectory, "rd")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if svc.TXT.Path != "/rd" {
		t.Errorf("TXT.Path = %q, want /rd", svc.TXT.Path)
	}

	if _, err := r.Lookup(context.Background(), ServiceTypeResourceDirectory, "missing"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(missing) error = %v, want %v", err, ErrServiceNotFound)
	}
	if _, err := r.Lookup(context.Background(), ServiceTypeEndpoint, ""); !errors.Is(err, ErrInvalidInstanceName) {
		t.Errorf("Lookup(\"\") error = %v, want %v", err, ErrInvalidInstanceName)
	}
}

// blockingResolver never produces entries and returns when the context ends.
type blockingResolver struct{}

func (blockingResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestResolver_Timeouts(t *testing.T) {
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  blockingResolver{},
		BrowseTimeout: 20 * time.Millisecond,
		LookupTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	if _, err := r.Lookup(context.Background(), ServiceTypeEndpoint, "x"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Lookup() error = %v, want %v", err, ErrTimeout)
	}

	results, err := r.Browse(context.Background(), ServiceTypeEndpoint)
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}
	select {
	case _, ok := <-results:
		if ok {
			t.Error("Browse() produced a result")
		}
	case <-time.After(time.Second):
		t.Fatal("Browse() did not end at the browse timeout")
	}
}

func TestStaticResolver_Withdraw(t *testing.T) {
	zone := NewStaticResolver()
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "gone", net.ParseIP("192.0.2.5"), 5683, EndpointTXT{}), "_lamp")
	zone.Announce(StaticEntry(ServiceTypeEndpoint, "stays", net.ParseIP("192.0.2.6"), 5683, EndpointTXT{}), "_lamp")

	if n := zone.Withdraw("gone"); n != 1 {
		t.Errorf("Withdraw() = %d, want 1", n)
	}
	if n := zone.Withdraw("gone"); n != 0 {
		t.Errorf("Withdraw() again = %d, want 0", n)
	}

	results, err := newTestResolver(t, zone).BrowseResourceType(context.Background(), ServiceTypeEndpoint, "lamp")
	if err != nil {
		t.Fatalf("BrowseResourceType() error = %v", err)
	}
	var names []string
	for svc := range results {
		names = append(names, svc.InstanceName)
	}
	if len(names) != 1 || names[0] != "stays" {
		t.Errorf("BrowseResourceType() = %v, want [stays]", names)
	}
}
