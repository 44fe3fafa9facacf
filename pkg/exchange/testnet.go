package exchange

import (
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// =============================================================================
// Exported Test Infrastructure
// =============================================================================

// Datagram is one datagram captured by a TestNetwork.
type Datagram struct {
	From    transport.PeerAddress
	To      transport.PeerAddress
	Data    []byte
	Dropped bool
}

// Message decodes the datagram. It returns nil if decoding fails.
func (d Datagram) Message() *message.Message {
	msg, err := message.Decode(d.Data)
	if err != nil {
		return nil
	}
	return msg
}

// TestNetwork is an in-memory datagram network for endpoint tests.
// Sends are queued and only delivered by Deliver, on the caller's goroutine,
// so together with a ManualClock a whole exchange runs deterministically.
//
// Usage:
//
//	clock := exchange.NewManualClock(time.Unix(0, 0))
//	network := exchange.NewTestNetwork()
//	client, _ := network.NewEndpoint(clientAddr, exchange.EndpointConfig{Scheduler: clock})
//	server, _ := network.NewEndpoint(serverAddr, exchange.EndpointConfig{Scheduler: clock, RequestHandler: h})
//	client.SendRequest(req, handler, serverAddr)
//	network.Deliver()
type TestNetwork struct {
	mu        sync.Mutex
	endpoints map[transport.PeerAddress]*Endpoint
	queue     []Datagram
	log       []Datagram
	drop      func(Datagram) bool
}

// NewTestNetwork creates an empty network.
func NewTestNetwork() *TestNetwork {
	return &TestNetwork{
		endpoints: make(map[transport.PeerAddress]*Endpoint),
	}
}

// NewEndpoint creates an endpoint attached to the network at addr.
// config.Sender is replaced by the network.
func (n *TestNetwork) NewEndpoint(addr transport.PeerAddress, config EndpointConfig) (*Endpoint, error) {
	config.Sender = n.Sender(addr)
	ep, err := NewEndpoint(config)
	if err != nil {
		return nil, err
	}
	n.Attach(addr, ep)
	return ep, nil
}

// Attach registers ep as the receiver for datagrams sent to addr.
func (n *TestNetwork) Attach(addr transport.PeerAddress, ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = ep
}

// Sender returns a Sender that queues datagrams from addr.
func (n *TestNetwork) Sender(from transport.PeerAddress) Sender {
	return &networkSender{network: n, from: from}
}

// SetDropFilter installs a filter; datagrams for which it returns true are
// recorded as dropped and never delivered. nil delivers everything.
func (n *TestNetwork) SetDropFilter(drop func(Datagram) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = drop
}

// Deliver delivers queued datagrams, including datagrams sent while
// delivering, until the queue is empty. Returns the number delivered.
func (n *TestNetwork) Deliver() int {
	delivered := 0
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return delivered
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		ep := n.endpoints[d.To]
		n.mu.Unlock()

		if ep != nil {
			ep.HandleDatagram(d.Data, d.From)
			delivered++
		}
	}
}

// Queued returns the number of undelivered datagrams.
func (n *TestNetwork) Queued() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Sent returns every datagram sent so far, dropped ones included.
func (n *TestNetwork) Sent() []Datagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Datagram(nil), n.log...)
}

// SentFrom returns the decoded messages sent by from, dropped ones included.
func (n *TestNetwork) SentFrom(from transport.PeerAddress) []*message.Message {
	var out []*message.Message
	for _, d := range n.Sent() {
		if d.From == from {
			if msg := d.Message(); msg != nil {
				out = append(out, msg)
			}
		}
	}
	return out
}

// Reset clears the capture log.
func (n *TestNetwork) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

type networkSender struct {
	network *TestNetwork
	from    transport.PeerAddress
}

func (s *networkSender) Send(data []byte, peer transport.PeerAddress) error {
	n := s.network
	d := Datagram{
		From: s.from,
		To:   peer,
		Data: append([]byte(nil), data...),
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.drop != nil && n.drop(d) {
		d.Dropped = true
	} else {
		n.queue = append(n.queue, d)
	}
	n.log = append(n.log, d)
	return nil
}
