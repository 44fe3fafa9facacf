package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	DefaultBrowseTimeout = 10 * time.Second
	DefaultLookupTimeout = 5 * time.Second
)

// ResolvedService is one discovered service instance.
type ResolvedService struct {
	ServiceType  ServiceType
	InstanceName string
	HostName     string
	Port         int

	// IPs holds the addresses, most preferred first.
	IPs []net.IP

	// Text is the raw TXT key/value view.
	Text map[string]string

	// TXT holds the CoRE attributes, or nil when the records did not parse.
	TXT *EndpointTXT
}

// PreferredIP returns the first address, or nil.
func (s *ResolvedService) PreferredIP() net.IP {
	if len(s.IPs) == 0 {
		return nil
	}
	return s.IPs[0]
}

// PeerAddress returns the preferred dialable address of the service.
func (s *ResolvedService) PeerAddress() (transport.PeerAddress, error) {
	addrs := PeerAddresses(s.IPs, s.Port)
	if len(addrs) == 0 {
		return transport.PeerAddress{}, ErrNoAddresses
	}
	return addrs[0], nil
}

// MDNSResolver issues DNS-SD queries. Both methods block until the query
// ends and never close entries.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver adapts grandcat/zeroconf, whose resolvers answer in the
// background, close the result channel when ctx ends and serve one query.
type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	in := make(chan *zeroconf.ServiceEntry)
	if err := r.Browse(ctx, service, domain, in); err != nil {
		return err
	}
	return forward(ctx, in, entries)
}

func (zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	in := make(chan *zeroconf.ServiceEntry)
	if err := r.Lookup(ctx, instance, service, domain, in); err != nil {
		return err
	}
	return forward(ctx, in, entries)
}

// forward copies in to out until in is closed. zeroconf sends without a
// select, so in keeps being drained after ctx ends.
func forward(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- *zeroconf.ServiceEntry) error {
	for e := range in {
		select {
		case out <- e:
		case <-ctx.Done():
			for range in {
			}
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver defaults to zeroconf on all interfaces.
	MDNSResolver MDNSResolver

	// BrowseTimeout bounds Browse when ctx has no deadline.
	BrowseTimeout time.Duration

	// LookupTimeout bounds Lookup when ctx has no deadline.
	LookupTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Resolver discovers CoAP services via DNS-SD.
type Resolver struct {
	mdns          MDNSResolver
	browseTimeout time.Duration
	lookupTimeout time.Duration
	log           logging.LeveledLogger
}

// NewResolver returns a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	r := &Resolver{
		mdns:          config.MDNSResolver,
		browseTimeout: config.BrowseTimeout,
		lookupTimeout: config.LookupTimeout,
	}
	if r.mdns == nil {
		r.mdns = zeroconfResolver{}
	}
	if r.browseTimeout == 0 {
		r.browseTimeout = DefaultBrowseTimeout
	}
	if r.lookupTimeout == 0 {
		r.lookupTimeout = DefaultLookupTimeout
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("coap-discovery")
	}
	return r, nil
}

// bounded applies d unless ctx already carries a deadline.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Browse streams instances of serviceType until ctx ends or the browse
// timeout passes. Each instance is reported once.
func (r *Resolver) Browse(ctx context.Context, serviceType ServiceType) (<-chan ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	return r.browse(ctx, serviceType, serviceType.ServiceString()), nil
}

// BrowseResourceType streams the instances announcing the subtype for rt.
func (r *Resolver) BrowseResourceType(ctx context.Context, serviceType ServiceType, rt string) (<-chan ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	sub := ResourceTypeSubtype(rt)
	if sub == "" {
		return nil, ErrInvalidResourceType
	}
	return r.browse(ctx, serviceType, sub+"._sub."+serviceType.ServiceString()), nil
}

func (r *Resolver) browse(ctx context.Context, serviceType ServiceType, query string) <-chan ResolvedService {
	ctx, cancel := bounded(ctx, r.browseTimeout)
	entries := make(chan *zeroconf.ServiceEntry)
	out := make(chan ResolvedService)

	go func() {
		defer close(entries)
		if err := r.mdns.Browse(ctx, query, DefaultDomain, entries); err != nil && r.log != nil {
			r.log.Debugf("browse %s: %v", query, err)
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		// Entries are drained after ctx ends so the query goroutine exits.
		defer func() {
			for range entries {
			}
		}()

		reported := make(map[string]struct{})
		for e := range entries {
			if e == nil {
				continue
			}
			if _, dup := reported[e.Instance]; dup {
				continue
			}
			reported[e.Instance] = struct{}{}
			select {
			case out <- r.resolved(e, serviceType):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Lookup resolves a single named instance.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	if err := ValidateInstanceName(instanceName); err != nil {
		return nil, err
	}

	ctx, cancel := bounded(ctx, r.lookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		_ = r.mdns.Lookup(ctx, instanceName, serviceType.ServiceString(), DefaultDomain, entries)
	}()

	var e *zeroconf.ServiceEntry
	select {
	case e = <-entries:
	case <-ctx.Done():
	}
	if e != nil {
		svc := r.resolved(e, serviceType)
		return &svc, nil
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	case err != nil:
		return nil, err
	}
	return nil, ErrServiceNotFound
}

// Discover collects everything Browse reports within timeout.
func (r *Resolver) Discover(ctx context.Context, serviceType ServiceType, timeout time.Duration) ([]ResolvedService, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	results, err := r.Browse(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	var found []ResolvedService
	for svc := range results {
		found = append(found, svc)
	}
	return found, nil
}

func (r *Resolver) resolved(e *zeroconf.ServiceEntry, serviceType ServiceType) ResolvedService {
	ips := make([]net.IP, 0, len(e.AddrIPv6)+len(e.AddrIPv4))
	ips = append(ips, e.AddrIPv6...)
	ips = append(ips, e.AddrIPv4...)

	svc := ResolvedService{
		ServiceType:  serviceType,
		InstanceName: e.Instance,
		HostName:     e.HostName,
		Port:         e.Port,
		IPs:          SortIPsByPreference(ips),
		Text:         ParseTXT(e.Text),
	}
	if txt, err := ParseEndpointTXT(e.Text); err == nil {
		svc.TXT = txt
	} else if r.log != nil {
		r.log.Warnf("instance %q: %v", e.Instance, err)
	}
	return svc
}
