package discovery

import (
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// MDNSServer is a running mDNS registration.
type MDNSServer interface {
	// SetText replaces the announced TXT records.
	SetText(txt []string)
	Shutdown()
}

// MDNSServerFactory registers a service instance on the local link.
// service may carry comma separated subtypes ("_coap._udp,_temp").
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// InstancePrefix prefixes generated instance names. Default: "coap".
	InstancePrefix string

	// InstanceName overrides the generated instance name.
	InstanceName string

	// Port is the UDP port to advertise (default: 5683).
	Port int

	// Interfaces restricts the interfaces announced on. Nil means all.
	Interfaces []net.Interface

	ServerFactory MDNSServerFactory
	LoggerFactory logging.LoggerFactory
}

// advertisement is one registered service type. The instance name is kept
// across re-registrations so peers see a single endpoint.
type advertisement struct {
	server   MDNSServer
	instance string
	subtypes []string
}

// Advertiser publishes CoAP services to the local link.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu     sync.RWMutex
	active map[ServiceType]*advertisement
	closed bool
}

// NewAdvertiser validates config and returns an idle Advertiser.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	switch {
	case config.Port == 0:
		config.Port = DefaultPort
	case config.Port < 0 || config.Port > 65535:
		return nil, ErrInvalidPort
	}
	if config.InstanceName != "" {
		if err := ValidateInstanceName(config.InstanceName); err != nil {
			return nil, err
		}
	}

	a := &Advertiser{
		config:  config,
		factory: config.ServerFactory,
		active:  make(map[ServiceType]*advertisement),
	}
	if a.factory == nil {
		a.factory = zeroconfServerFactory{}
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("coap-discovery")
	}
	return a, nil
}

// subtypesOf returns the subtype labels registered for txt's resource types
// (RFC 6763 Section 7.1). Values that are not valid labels are skipped.
func subtypesOf(txt EndpointTXT) []string {
	var subs []string
	for _, rt := range txt.ResourceTypes {
		if sub := ResourceTypeSubtype(rt); sub != "" && !slices.Contains(subs, sub) {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (a *Advertiser) register(serviceType ServiceType, instance string, subtypes []string, records []string) (MDNSServer, error) {
	service := serviceType.ServiceString()
	for _, sub := range subtypes {
		service += "," + sub
	}
	if a.log != nil {
		a.log.Debugf("mDNS register %s as %q port %d txt %v", service, instance, a.config.Port, records)
	}
	server, err := a.factory.Register(instance, service, DefaultDomain, a.config.Port, records, a.config.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", service, err)
	}
	return server, nil
}

// Start advertises serviceType with the attributes in txt. Each resource
// type is additionally announced as a subtype so browsers can filter on it.
func (a *Advertiser) Start(serviceType ServiceType, txt EndpointTXT) error {
	if !serviceType.IsValid() {
		return ErrInvalidServiceType
	}
	if err := txt.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.active[serviceType] != nil {
		return ErrAlreadyStarted
	}

	instance := a.config.InstanceName
	if instance == "" {
		instance = NewInstanceName(a.config.InstancePrefix)
	}
	subs := subtypesOf(txt)
	server, err := a.register(serviceType, instance, subs, txt.Encode())
	if err != nil {
		return err
	}
	a.active[serviceType] = &advertisement{server: server, instance: instance, subtypes: subs}

	if a.log != nil {
		a.log.Infof("advertising %s as %q on port %d", serviceType, instance, a.config.Port)
	}
	return nil
}

// Update replaces the announced attributes of a running advertisement.
// When only TXT values change the records are swapped in place; a changed
// subtype set needs a fresh registration under the same instance name.
func (a *Advertiser) Update(serviceType ServiceType, txt EndpointTXT) error {
	if err := txt.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	adv := a.active[serviceType]
	if adv == nil {
		return ErrNotStarted
	}

	records := txt.Encode()
	subs := subtypesOf(txt)
	if slices.Equal(subs, adv.subtypes) {
		adv.server.SetText(records)
		return nil
	}

	adv.server.Shutdown()
	server, err := a.register(serviceType, adv.instance, subs, records)
	if err != nil {
		delete(a.active, serviceType)
		return err
	}
	adv.server, adv.subtypes = server, subs
	return nil
}

// Stop withdraws the advertisement of serviceType.
func (a *Advertiser) Stop(serviceType ServiceType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	adv := a.active[serviceType]
	if adv == nil {
		return ErrNotStarted
	}
	adv.server.Shutdown()
	delete(a.active, serviceType)
	return nil
}

// Close withdraws every advertisement. The Advertiser cannot be reused.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	for st, adv := range a.active {
		adv.server.Shutdown()
		delete(a.active, st)
	}
	return nil
}

// Advertising reports whether serviceType is currently announced.
func (a *Advertiser) Advertising(serviceType ServiceType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active[serviceType] != nil
}

// InstanceName returns the instance name serviceType is announced under,
// or "" when it is not.
func (a *Advertiser) InstanceName(serviceType ServiceType) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if adv := a.active[serviceType]; adv != nil {
		return adv.instance
	}
	return ""
}

// ResourceTypeSubtype maps rt to its DNS-SD subtype label "_<rt>". It
// returns "" when rt does not fit a single label.
func ResourceTypeSubtype(rt string) string {
	if rt == "" || len(rt)+1 > maxInstanceNameLength {
		return ""
	}
	for _, c := range rt {
		if c == '.' || c == ',' || c == ' ' {
			return ""
		}
	}
	return "_" + rt
}
