package exchange

import (
	"errors"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// registration is a live client request awaiting its outcome.
type registration struct {
	peer    transport.PeerAddress
	token   message.Token
	id      uint16
	bound   bool
	handler any

	// ping registrations have no token and are matched by message ID only.
	ping bool

	// responded is set once a notification kept the registration alive;
	// retirement of the request's message ID is then not a timeout.
	responded bool
}

// Dispatcher correlates responses with the requests that caused them.
//
// A request registers its handler under (peer, token) and, once a message
// ID is assigned, under (peer, message ID) for ACK, RST, retransmission and
// retirement events. The token is released exactly once: by whichever of
// response, reset, timeout or StopObservation removes the registration.
//
// See RFC 7252 Section 5.3.2 and RFC 7641 Section 3.
//
// Thread-safe for concurrent access.
type Dispatcher struct {
	tokens  *TokenAllocator
	engine  *ReliabilityEngine
	log     logging.LeveledLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	byToken map[tokenKey]*registration
	byID    map[idKey]*registration
	pings   map[*registration]struct{}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Tokens        *TokenAllocator
	Engine        *ReliabilityEngine
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the given allocator and engine.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		tokens:  config.Tokens,
		engine:  config.Engine,
		log:     newLogger(config.LoggerFactory),
		metrics: config.Metrics,
		byToken: make(map[tokenKey]*registration),
		byID:    make(map[idKey]*registration),
		pings:   make(map[*registration]struct{}),
	}
}

// SendRequest allocates a token for req, registers handler under it and
// transmits the request. req is not modified.
//
// If token or message ID allocation fails, or the request cannot be encoded,
// the matching optional capability of handler is invoked and the error is
// also returned.
func (d *Dispatcher) SendRequest(req *message.Message, handler ResponseHandler, peer transport.PeerAddress) error {
	if handler == nil {
		return ErrNoHandler
	}
	if !req.IsRequest() {
		return ErrNotRequest
	}

	token, err := d.tokens.Allocate(peer)
	if err != nil {
		d.metrics.Exhausted("token")
		if h, ok := handler.(NoTokenHandler); ok {
			safeCall(d.log, "HandleNoToken", h.HandleNoToken)
		}
		return err
	}

	out := req.Clone()
	out.Token = token
	reg := &registration{peer: peer, token: token, handler: handler}
	tk := newTokenKey(peer, token)

	d.mu.Lock()
	if _, exists := d.byToken[tk]; exists {
		d.mu.Unlock()
		// The allocator never hands out a token in use.
		d.log.Errorf("token %s for %s already registered", token, peer)
		return ErrTokenInUse
	}
	d.byToken[tk] = reg
	d.mu.Unlock()

	_, err = d.engine.Send(out, peer, func(id uint16) { d.bind(reg, id) })
	if err != nil {
		d.fail(reg, err)
		return err
	}

	d.metrics.SetPendingRequests(d.Pending())
	return nil
}

// SendPing sends an empty CON. A live peer answers with RST, reported to
// handler.HandleReset. See RFC 7252 Section 4.3.
func (d *Dispatcher) SendPing(handler ResetHandler, peer transport.PeerAddress) error {
	if handler == nil {
		return ErrNoHandler
	}

	reg := &registration{peer: peer, handler: handler, ping: true}
	d.mu.Lock()
	d.pings[reg] = struct{}{}
	d.mu.Unlock()

	_, err := d.engine.Send(message.NewPing(), peer, func(id uint16) { d.bind(reg, id) })
	if err != nil {
		d.fail(reg, err)
		return err
	}
	return nil
}

// bind adds the reverse (peer, message ID) mapping once the engine assigned
// an ID, before the datagram is written.
func (d *Dispatcher) bind(reg *registration, id uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg.id = id
	reg.bound = true
	d.byID[idKey{peer: reg.peer, id: id}] = reg
}

// fail unwinds a registration whose send failed and reports the failure to
// the handler's optional capability.
func (d *Dispatcher) fail(reg *registration, err error) {
	if !d.remove(reg) {
		return
	}
	if !reg.ping {
		d.tokens.Release(reg.peer, reg.token)
	}

	var noID *NoMessageIDError
	switch {
	case errors.As(err, &noID):
		if h, ok := reg.handler.(NoMessageIDHandler); ok {
			safeCall(d.log, "HandleNoMessageID", func() { h.HandleNoMessageID(noID.RetryAfter) })
		}
	case errors.Is(err, ErrEncodingFailed):
		d.log.Warnf("request to %s not encodable: %v", reg.peer, err)
		if h, ok := reg.handler.(EncodingFailureHandler); ok {
			safeCall(d.log, "HandleEncodingFailure", func() { h.HandleEncodingFailure(err) })
		}
	default:
		d.log.Warnf("request to %s failed: %v", reg.peer, err)
	}
}

// remove deletes reg from both maps. It returns false if reg was already
// removed, so exactly one caller performs the terminal actions.
func (d *Dispatcher) remove(reg *registration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(reg)
}

func (d *Dispatcher) removeLocked(reg *registration) bool {
	removed := false
	if reg.ping {
		if _, ok := d.pings[reg]; ok {
			delete(d.pings, reg)
			removed = true
		}
	} else {
		tk := newTokenKey(reg.peer, reg.token)
		if d.byToken[tk] == reg {
			delete(d.byToken, tk)
			removed = true
		}
	}
	if reg.bound {
		key := idKey{peer: reg.peer, id: reg.id}
		if d.byID[key] == reg {
			delete(d.byID, key)
		}
	}
	return removed
}

// HandleResponse routes an inbound response by (peer, token).
//
// A non-error update notification for a handler implementing
// ObservationHandler keeps the registration while ContinueObservation
// returns true. Any other response ends the registration and releases the
// token. A response without registration is a stray.
func (d *Dispatcher) HandleResponse(resp *message.Message, peer transport.PeerAddress) ResponseVerdict {
	tk := newTokenKey(peer, resp.Token)

	d.mu.Lock()
	reg, ok := d.byToken[tk]
	if !ok {
		d.mu.Unlock()
		d.log.Debugf("stray response %v token %s from %s", resp.Code, resp.Token, peer)
		d.metrics.StrayResponse()
		return ResponseStray
	}

	observer, observing := reg.handler.(ObservationHandler)
	if observing && resp.IsUpdateNotification() && !resp.IsError() {
		reg.responded = true
		d.mu.Unlock()

		d.stopRetransmission(reg)
		d.deliver(reg, resp, peer)

		keep := true
		safeCall(d.log, "ContinueObservation", func() { keep = observer.ContinueObservation() })
		if keep {
			return ResponseDelivered
		}
		if d.remove(reg) {
			d.tokens.Release(peer, reg.token)
			d.metrics.SetPendingRequests(d.Pending())
		}
		d.log.Debugf("observation %s with %s stopped by handler", reg.token, peer)
		return ResponseStopObservation
	}

	d.removeLocked(reg)
	d.mu.Unlock()

	d.tokens.Release(peer, reg.token)
	d.stopRetransmission(reg)
	d.metrics.SetPendingRequests(d.Pending())
	d.deliver(reg, resp, peer)
	return ResponseDelivered
}

// stopRetransmission ends retransmission of the request; a response implies
// the request arrived even when its ACK was lost.
func (d *Dispatcher) stopRetransmission(reg *registration) {
	if reg.bound {
		d.engine.Cancel(reg.peer, reg.id)
	}
}

func (d *Dispatcher) deliver(reg *registration, resp *message.Message, peer transport.PeerAddress) {
	h := reg.handler.(ResponseHandler)
	safeCall(d.log, "HandleResponse", func() { h.HandleResponse(resp, peer) })
}

// StopObservation ends the registration for (peer, token) and releases the
// token. Nothing is sent to the peer: the next notification from it is a
// stray and is answered with RST, which cancels the subscription on the
// server (RFC 7641 Section 3.6). A client that wants the server to forget
// it immediately sends a GET with Observe set to 1 instead.
func (d *Dispatcher) StopObservation(peer transport.PeerAddress, token message.Token) bool {
	d.mu.Lock()
	reg, ok := d.byToken[newTokenKey(peer, token)]
	if ok {
		d.removeLocked(reg)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	d.tokens.Release(peer, token)
	d.stopRetransmission(reg)
	d.metrics.SetPendingRequests(d.Pending())
	return true
}

// lookup finds the registration for an engine event.
func (d *Dispatcher) lookup(ev ExchangeEvent) *registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.byID[idKey{peer: ev.Peer, id: ev.MessageID}]
}

// HandleEvent routes an engine event to the registration it belongs to.
// Events for exchanges the dispatcher does not own are ignored.
func (d *Dispatcher) HandleEvent(ev ExchangeEvent) {
	switch ev.Kind {
	case EventEmptyAck:
		reg := d.lookup(ev)
		if reg == nil {
			return
		}
		if reg.ping {
			// An ACK to a ping is legal but carries no pong.
			if d.remove(reg) {
				if h, ok := reg.handler.(EmptyAckHandler); ok {
					safeCall(d.log, "HandleEmptyAck", h.HandleEmptyAck)
				}
			}
			return
		}
		if h, ok := reg.handler.(EmptyAckHandler); ok {
			safeCall(d.log, "HandleEmptyAck", h.HandleEmptyAck)
		}

	case EventReset:
		reg := d.lookup(ev)
		if reg == nil || !d.remove(reg) {
			return
		}
		if !reg.ping {
			d.tokens.Release(reg.peer, reg.token)
			d.metrics.SetPendingRequests(d.Pending())
		}
		if h, ok := reg.handler.(ResetHandler); ok {
			safeCall(d.log, "HandleReset", h.HandleReset)
		}

	case EventRetransmission:
		reg := d.lookup(ev)
		if reg == nil {
			return
		}
		if h, ok := reg.handler.(RetransmissionHandler); ok {
			safeCall(d.log, "HandleRetransmission", func() { h.HandleRetransmission(ev.Retransmissions) })
		}

	case EventRetired:
		d.retire(ev)
	}
}

// retire handles retirement of a request's message ID. A registration that
// never saw a response times out; an observation that already received
// notifications outlives its request ID.
func (d *Dispatcher) retire(ev ExchangeEvent) {
	key := idKey{peer: ev.Peer, id: ev.MessageID}

	d.mu.Lock()
	reg, ok := d.byID[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byID, key)
	reg.bound = false
	if reg.responded {
		d.mu.Unlock()
		return
	}
	if reg.ping {
		delete(d.pings, reg)
	} else {
		tk := newTokenKey(reg.peer, reg.token)
		if d.byToken[tk] == reg {
			delete(d.byToken, tk)
		}
	}
	d.mu.Unlock()

	if !reg.ping {
		d.tokens.Release(reg.peer, reg.token)
		d.metrics.SetPendingRequests(d.Pending())
	}
	d.metrics.TransmissionTimeout()
	d.log.Debugf("request %d to %s timed out", ev.MessageID, ev.Peer)

	if h, ok := reg.handler.(TransmissionTimeoutHandler); ok {
		safeCall(d.log, "HandleTransmissionTimeout", h.HandleTransmissionTimeout)
	}
}

// Pending returns the number of live registrations.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.byToken) + len(d.pings)
}
