package discovery

import (
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
)

// recordingServer remembers TXT swaps and whether it was shut down.
type recordingServer struct {
	mu    sync.Mutex
	txt   []string
	swaps int
	down  bool
}

func (s *recordingServer) SetText(txt []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txt = txt
	s.swaps++
}

func (s *recordingServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = true
}

func (s *recordingServer) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

type registration struct {
	instance, service, domain string
	port                      int
	txt                       []string
}

type recordingFactory struct {
	mu      sync.Mutex
	regs    []registration
	servers []*recordingServer
	fail    bool
}

func (f *recordingFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("bind failed")
	}
	f.regs = append(f.regs, registration{instance, service, domain, port, txt})
	s := &recordingServer{txt: txt}
	f.servers = append(f.servers, s)
	return s, nil
}

func (f *recordingFactory) last() registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.regs) == 0 {
		return registration{}
	}
	return f.regs[len(f.regs)-1]
}

func newTestAdvertiser(t *testing.T, config AdvertiserConfig) (*Advertiser, *recordingFactory) {
	t.Helper()
	factory := &recordingFactory{}
	config.ServerFactory = factory
	adv, err := NewAdvertiser(config)
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	return adv, factory
}

func TestNewAdvertiser(t *testing.T) {
	t.Run("default port", func(t *testing.T) {
		adv, _ := newTestAdvertiser(t, AdvertiserConfig{})
		if adv.config.Port != DefaultPort {
			t.Errorf("Port = %d, want %d", adv.config.Port, DefaultPort)
		}
	})

	t.Run("invalid port", func(t *testing.T) {
		if _, err := NewAdvertiser(AdvertiserConfig{Port: 70000}); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("NewAdvertiser() error = %v, want %v", err, ErrInvalidPort)
		}
	})

	t.Run("invalid instance name", func(t *testing.T) {
		long := make([]byte, 64)
		for i := range long {
			long[i] = 'a'
		}
		_, err := NewAdvertiser(AdvertiserConfig{InstanceName: string(long)})
		if !errors.Is(err, ErrInvalidInstanceName) {
			t.Errorf("NewAdvertiser() error = %v, want %v", err, ErrInvalidInstanceName)
		}
	})
}

func TestAdvertiser_Start(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{Port: 5684, InstanceName: "sensor"})

	txt := EndpointTXT{ResourceTypes: []string{"temperature", "core.rd"}}
	if err := adv.Start(ServiceTypeEndpoint, txt); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if factory.last().instance != "sensor" {
		t.Errorf("instance = %q, want sensor", factory.last().instance)
	}
	// core.rd carries a dot and cannot be a subtype label.
	if factory.last().service != "_coap._udp,_temperature" {
		t.Errorf("service = %q, want _coap._udp,_temperature", factory.last().service)
	}
	if factory.last().domain != DefaultDomain {
		t.Errorf("domain = %q, want %q", factory.last().domain, DefaultDomain)
	}
	if factory.last().port != 5684 {
		t.Errorf("port = %d, want 5684", factory.last().port)
	}
	if !reflect.DeepEqual(factory.last().txt, txt.Encode()) {
		t.Errorf("txt = %v, want %v", factory.last().txt, txt.Encode())
	}

	if !adv.Advertising(ServiceTypeEndpoint) {
		t.Error("Advertising(Endpoint) = false, want true")
	}
	if adv.Advertising(ServiceTypeResourceDirectory) {
		t.Error("Advertising(ResourceDirectory) = true, want false")
	}
	if got := adv.InstanceName(ServiceTypeEndpoint); got != "sensor" {
		t.Errorf("InstanceName() = %q, want sensor", got)
	}

	if err := adv.Start(ServiceTypeEndpoint, txt); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
}

func TestAdvertiser_StartErrors(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{})

	if err := adv.Start(ServiceTypeUnknown, EndpointTXT{}); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("Start(Unknown) error = %v, want %v", err, ErrInvalidServiceType)
	}
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{Path: "x"}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("Start(bad txt) error = %v, want %v", err, ErrInvalidTXTRecord)
	}

	factory.fail = true
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); err == nil {
		t.Error("Start() with failing factory returned nil error")
	}
	if adv.Advertising(ServiceTypeEndpoint) {
		t.Error("Advertising() = true after failed registration")
	}
}

func TestAdvertiser_GeneratedInstanceName(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{InstancePrefix: "lamp"})
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	name := adv.InstanceName(ServiceTypeEndpoint)
	if len(name) <= len("lamp-") || name[:5] != "lamp-" {
		t.Errorf("InstanceName() = %q, want lamp-<uuid>", name)
	}
	if factory.last().instance != name {
		t.Errorf("registered instance = %q, want %q", factory.last().instance, name)
	}
}

func TestAdvertiser_Stop(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{})

	if err := adv.Stop(ServiceTypeEndpoint); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() error = %v, want %v", err, ErrNotStarted)
	}

	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := adv.Stop(ServiceTypeEndpoint); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !factory.servers[0].isShutdown() {
		t.Error("server not shut down by Stop()")
	}
	if got := adv.InstanceName(ServiceTypeEndpoint); got != "" {
		t.Errorf("InstanceName() after Stop = %q, want empty", got)
	}

	// Restart after stop is allowed.
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	if err := adv.Start(ServiceTypeResourceDirectory, EndpointTXT{}); err != nil {
		t.Fatalf("Start(ResourceDirectory) error = %v", err)
	}
	if err := adv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, s := range factory.servers {
		if !s.isShutdown() {
			t.Errorf("server %d not shut down by Close()", i)
		}
	}
}

func TestAdvertiser_Close(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{})
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := adv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !factory.servers[0].isShutdown() {
		t.Error("server not shut down by Close()")
	}
	if err := adv.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want %v", err, ErrClosed)
	}
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := adv.Stop(ServiceTypeEndpoint); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestAdvertiser_Update(t *testing.T) {
	adv, factory := newTestAdvertiser(t, AdvertiserConfig{InstanceName: "sensor"})

	if err := adv.Update(ServiceTypeEndpoint, EndpointTXT{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Update() before Start error = %v, want %v", err, ErrNotStarted)
	}
	if err := adv.Start(ServiceTypeEndpoint, EndpointTXT{ResourceTypes: []string{"temp"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Same subtypes: records are swapped on the running server.
	txt := EndpointTXT{Path: "/.well-known/core", ResourceTypes: []string{"temp", "core.rd"}}
	if err := adv.Update(ServiceTypeEndpoint, txt); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(factory.servers) != 1 {
		t.Fatalf("registrations = %d, want 1", len(factory.servers))
	}
	if factory.servers[0].swaps != 1 || !reflect.DeepEqual(factory.servers[0].txt, txt.Encode()) {
		t.Errorf("SetText() swaps = %d txt = %v", factory.servers[0].swaps, factory.servers[0].txt)
	}

	// A new subtype forces a fresh registration under the same name.
	if err := adv.Update(ServiceTypeEndpoint, EndpointTXT{ResourceTypes: []string{"temp", "lamp"}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(factory.servers) != 2 || !factory.servers[0].isShutdown() {
		t.Fatalf("old registration not replaced")
	}
	if got := factory.last(); got.instance != "sensor" || got.service != "_coap._udp,_temp,_lamp" {
		t.Errorf("re-registration = %+v", got)
	}

	if err := adv.Update(ServiceTypeEndpoint, EndpointTXT{Path: "bad"}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("Update(bad txt) error = %v, want %v", err, ErrInvalidTXTRecord)
	}

	factory.fail = true
	if err := adv.Update(ServiceTypeEndpoint, EndpointTXT{}); err == nil {
		t.Error("Update() with failing factory returned nil error")
	}
	if adv.Advertising(ServiceTypeEndpoint) {
		t.Error("Advertising() = true after failed re-registration")
	}
}

func TestResourceTypeSubtype(t *testing.T) {
	tests := []struct {
		rt   string
		want string
	}{
		{"temperature", "_temperature"},
		{"", ""},
		{"core.rd", ""},
		{"a,b", ""},
	}
	for _, tt := range tests {
		if got := ResourceTypeSubtype(tt.rt); got != tt.want {
			t.Errorf("ResourceTypeSubtype(%q) = %q, want %q", tt.rt, got, tt.want)
		}
	}
}
