package coap

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Node is a running CoAP endpoint: client and server over one UDP socket.
type Node struct {
	config   NodeConfig
	log      logging.LeveledLogger
	router   *router
	registry *observe.Registry

	// endpoint is read by the transport read loop.
	endpoint atomic.Pointer[exchange.Endpoint]

	mu         sync.RWMutex
	state      NodeState
	udp        *transport.UDP
	advertiser *discovery.Advertiser

	// handlers tracks in-flight resource handlers.
	handlers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode creates a node. The node is created but not started; resources
// may be registered before or after Start.
func NewNode(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{
		config: config,
		router: newRouter(),
		state:  NodeStateInitialized,
	}

	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("coap-node")
	}

	n.registry = observe.NewRegistry(observe.RegistryConfig{
		LoggerFactory: config.LoggerFactory,
		Metrics:       config.Metrics,
	})

	return n, nil
}

// Start binds the transport, starts the exchange layer and, if configured,
// DNS-SD advertisement.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case NodeStateRunning:
		return ErrAlreadyStarted
	case NodeStateStopped:
		return ErrAlreadyStopped
	}

	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.startTransport(); err != nil {
		n.cancel()
		return err
	}

	if err := n.startExchange(); err != nil {
		n.stopTransport()
		n.cancel()
		return err
	}

	if err := n.udp.Start(); err != nil {
		n.stopExchange()
		n.stopTransport()
		n.cancel()
		return err
	}

	if n.config.Advertise {
		if err := n.startDiscovery(); err != nil {
			n.stopExchange()
			n.stopTransport()
			n.cancel()
			return err
		}
	}

	n.state = NodeStateRunning
	if n.log != nil {
		n.log.Infof("node listening on %s", n.udp.LocalAddr())
	}
	n.notifyState(NodeStateRunning)
	return nil
}

// startTransport creates the UDP transport. Inbound datagrams go to the
// exchange endpoint once it exists.
func (n *Node) startTransport() error {
	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:       n.config.Conn,
		ListenAddr: n.config.ListenAddress,
		MessageHandler: func(msg *transport.ReceivedMessage) {
			if ep := n.endpoint.Load(); ep != nil {
				ep.HandleMessage(msg)
			}
		},
		LoggerFactory: n.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	n.udp = udp
	return nil
}

func (n *Node) stopTransport() {
	if n.udp != nil {
		n.udp.Stop()
	}
}

// startExchange creates the endpoint and connects it with the observe
// registry in both directions.
func (n *Node) startExchange() error {
	ep, err := exchange.NewEndpoint(exchange.EndpointConfig{
		Sender:               n.udp,
		RequestHandler:       exchange.RequestHandlerFunc(n.handleRequest),
		NotificationListener: n.registry,
		Scheduler:            n.config.Scheduler,
		Random:               n.config.Random,
		TokenLength:          n.config.TokenLength,
		EmptyAckDelay:        n.config.EmptyAckDelay,
		LoggerFactory:        n.loggerFactory(),
		Metrics:              n.config.Metrics,
	})
	if err != nil {
		return err
	}
	n.registry.SetNotifier(ep)
	n.endpoint.Store(ep)
	return nil
}

func (n *Node) stopExchange() {
	if ep := n.endpoint.Swap(nil); ep != nil {
		ep.Close()
	}
}

// startDiscovery advertises _coap._udp with the registered resource types.
func (n *Node) startDiscovery() error {
	cfg := n.config.Advertiser
	if cfg.Port == 0 {
		if addr, ok := n.udp.LocalAddr().(*net.UDPAddr); ok {
			cfg.Port = addr.Port
		}
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = n.config.LoggerFactory
	}

	adv, err := discovery.NewAdvertiser(cfg)
	if err != nil {
		return err
	}
	if err := adv.Start(discovery.ServiceTypeEndpoint, n.endpointTXT()); err != nil {
		adv.Close()
		return err
	}
	n.advertiser = adv
	return nil
}

func (n *Node) endpointTXT() discovery.EndpointTXT {
	return discovery.EndpointTXT{
		Path:          WellKnownCore,
		ResourceTypes: mergeResourceTypes(n.router.resourceTypes(), n.config.ResourceTypes),
	}
}

// readvertise pushes the current resource types to a running advertisement.
func (n *Node) readvertise() {
	n.mu.RLock()
	adv := n.advertiser
	n.mu.RUnlock()
	if adv == nil {
		return
	}
	if err := adv.Update(discovery.ServiceTypeEndpoint, n.endpointTXT()); err != nil && n.log != nil {
		n.log.Warnf("update advertisement: %v", err)
	}
}

// mergeResourceTypes appends the extra values not already in rts.
func mergeResourceTypes(rts, extra []string) []string {
	seen := make(map[string]bool, len(rts))
	for _, rt := range rts {
		seen[rt] = true
	}
	for _, rt := range extra {
		if rt != "" && !seen[rt] {
			seen[rt] = true
			rts = append(rts, rt)
		}
	}
	return rts
}

// Stop shuts the node down: advertisement, transport, in-flight handlers,
// then the exchange layer. A stopped node cannot be restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	switch n.state {
	case NodeStateInitialized:
		n.mu.Unlock()
		return ErrNotStarted
	case NodeStateStopped:
		n.mu.Unlock()
		return ErrAlreadyStopped
	}
	n.state = NodeStateStopped
	adv := n.advertiser
	n.advertiser = nil
	n.mu.Unlock()

	n.cancel()
	if adv != nil {
		adv.Close()
	}
	n.stopTransport()
	n.handlers.Wait()
	n.stopExchange()
	n.registry.Close()

	if n.log != nil {
		n.log.Info("node stopped")
	}
	n.notifyState(NodeStateStopped)
	return nil
}

func (n *Node) notifyState(s NodeState) {
	if n.config.OnStateChanged != nil {
		n.config.OnStateChanged(s)
	}
}

// loggerFactory returns the configured factory or one with logging
// disabled; the exchange layer otherwise logs at its default level.
func (n *Node) loggerFactory() logging.LoggerFactory {
	if n.config.LoggerFactory != nil {
		return n.config.LoggerFactory
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelDisabled
	return f
}

// State returns the current node state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (n *Node) LocalAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.udp == nil {
		return nil
	}
	return n.udp.LocalAddr()
}

// PeerAddress returns the bound address as a transport.PeerAddress.
// An unspecified bind address is reported as loopback.
func (n *Node) PeerAddress() (transport.PeerAddress, error) {
	addr, ok := n.LocalAddr().(*net.UDPAddr)
	if !ok {
		return transport.PeerAddress{}, ErrNotStarted
	}
	ap := addr.AddrPort()
	ip := ap.Addr()
	if ip.IsUnspecified() {
		loopback := net.IPv4(127, 0, 0, 1)
		if ip.Is6() && !ip.Is4In6() {
			loopback = net.IPv6loopback
		}
		return transport.PeerAddressFromNetAddr(&net.UDPAddr{IP: loopback, Port: addr.Port})
	}
	return transport.NewPeerAddress(ip, ap.Port()), nil
}

// Endpoint returns the exchange endpoint, or nil when the node is not running.
func (n *Node) Endpoint() *exchange.Endpoint {
	return n.endpoint.Load()
}

// InstanceName returns the advertised DNS-SD instance name, or "".
func (n *Node) InstanceName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.advertiser == nil {
		return ""
	}
	return n.advertiser.InstanceName(discovery.ServiceTypeEndpoint)
}

// Handle registers a plain resource.
func (n *Node) Handle(path string, h Handler) error {
	return n.HandleResource(path, h, ResourceOptions{})
}

// HandleObservable registers a resource that accepts Observe registrations.
func (n *Node) HandleObservable(path string, h Handler) error {
	return n.HandleResource(path, h, ResourceOptions{Observable: true})
}

// HandleResource registers a resource with explicit discovery attributes.
// A running advertisement picks up a new resource type.
func (n *Node) HandleResource(path string, h Handler, opts ResourceOptions) error {
	if err := n.router.add(path, h, opts); err != nil {
		return err
	}
	if opts.ResourceType != "" {
		n.readvertise()
	}
	return nil
}

// RemoveResource unregisters path. Existing observers stay registered until
// they stop acknowledging or reset a notification.
func (n *Node) RemoveResource(path string) bool {
	if !n.router.remove(path) {
		return false
	}
	n.readvertise()
	return true
}

// Publish notifies every observer of path and returns how many
// notifications were sent.
func (n *Node) Publish(path string, status observe.Status) (int, error) {
	return n.registry.Publish(normalizePath(path), status)
}

// Observers returns the number of observers of path.
func (n *Node) Observers(path string) int {
	return n.registry.Observers(normalizePath(path))
}

// handleRequest runs on the transport read loop; the handler gets its own
// goroutine so a slow resource does not stall inbound traffic.
func (n *Node) handleRequest(req *message.Message, peer transport.PeerAddress) {
	n.mu.RLock()
	running := n.state == NodeStateRunning
	if running {
		n.handlers.Add(1)
	}
	n.mu.RUnlock()
	if !running {
		return
	}

	go func() {
		defer n.handlers.Done()
		n.serve(req, peer)
	}()
}

func (n *Node) serve(req *message.Message, peer transport.PeerAddress) {
	path := req.Path()
	resp, seq := n.respond(req, peer, path)

	typ := message.NonConfirmable
	if req.Type == message.Confirmable {
		typ = message.Acknowledgement
	}
	out := &message.Message{
		Type:    typ,
		Code:    resp.Code,
		Token:   req.Token,
		Payload: resp.Payload,
	}
	if resp.ContentFormat != nil {
		out.SetContentFormat(gocoap.MediaType(*resp.ContentFormat))
	}
	if seq != nil {
		out.SetObserve(*seq)
	}

	ep := n.endpoint.Load()
	if ep == nil {
		return
	}
	if err := ep.WriteResponseTo(req, out, peer); err != nil && n.log != nil {
		n.log.Warnf("response to %v %s from %s: %v", req.Code, path, peer, err)
	}
}

// respond produces the response for req and, for a successful observe
// registration, the sequence number to put in the Observe option.
func (n *Node) respond(req *message.Message, peer transport.PeerAddress, path string) (*Response, *uint32) {
	if path == WellKnownCore {
		if req.Code != codes.GET {
			return &Response{Code: codes.MethodNotAllowed}, nil
		}
		format := uint16(gocoap.AppLinkFormat)
		return &Response{Code: codes.Content, ContentFormat: &format, Payload: []byte(n.router.linkFormat())}, nil
	}

	res := n.router.lookup(path)
	if res == nil {
		return &Response{Code: codes.NotFound}, nil
	}

	resp := n.callHandler(res, &Request{Message: req, Peer: peer, ctx: n.ctx})

	_, observing := req.Observe()
	if !res.opts.Observable || req.Code != codes.GET || !observing {
		return resp, nil
	}

	respMsg := message.Message{Code: resp.Code}
	if !respMsg.IsResponse() || respMsg.IsError() {
		// An error response ends any observation under this token
		// (RFC 7641 Section 3.2).
		n.registry.Unsubscribe(peer, req.Token)
		return resp, nil
	}

	sub, err := n.registry.Register(path, req, peer)
	if err != nil {
		if n.log != nil {
			n.log.Debugf("observe registration for %s from %s: %v", path, peer, err)
		}
		return resp, nil
	}
	if sub == nil {
		// Deregistration: a plain response.
		return resp, nil
	}
	seq := sub.Sequence()
	return resp, &seq
}

// callHandler runs the resource handler. A panic or nil response becomes
// 5.00 Internal Server Error.
func (n *Node) callHandler(res *resource, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			if n.log != nil {
				n.log.Errorf("handler for %s panicked: %v", res.path, r)
			}
			resp = &Response{Code: codes.InternalServerError}
		}
	}()

	resp = res.handler.ServeCoAP(req)
	if resp == nil {
		if n.log != nil {
			n.log.Warnf("handler for %s returned no response", res.path)
		}
		resp = &Response{Code: codes.InternalServerError}
	}
	return resp
}
