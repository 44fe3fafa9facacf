package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Sender writes encoded datagrams to peers. *transport.UDP implements it.
type Sender interface {
	Send(data []byte, peer transport.PeerAddress) error
}

// NotificationListener is told when an outbound notification is rejected
// or never acknowledged, so the observer can be removed (RFC 7641 Section 3.6
// and 4.5). The observe registry implements it.
type NotificationListener interface {
	NotificationReset(peer transport.PeerAddress, token message.Token)
	NotificationTimedOut(peer transport.PeerAddress, token message.Token)
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Sender writes datagrams. Required.
	Sender Sender

	// RequestHandler receives new inbound requests. Optional for pure clients.
	RequestHandler RequestHandler

	// NotificationListener is told about rejected or lost notifications.
	// Optional.
	NotificationListener NotificationListener

	// Scheduler owns time. Default: DefaultScheduler.
	Scheduler Scheduler

	// Random draws jitter and seeds IDs and tokens. Default: DefaultRandomSource.
	Random RandomSource

	// TokenLength is the length of allocated tokens, 1..8 bytes, or
	// EmptyTokenLength for empty tokens.
	// Default: DefaultTokenLength.
	TokenLength int

	// EmptyAckDelay is how long a CON request waits for the application
	// before an empty ACK is sent. Must be below AckTimeout.
	// Default: DefaultEmptyAckDelay.
	EmptyAckDelay time.Duration

	// LoggerFactory is the factory for creating loggers.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Validate checks the configuration.
func (c *EndpointConfig) Validate() error {
	if c.Sender == nil {
		return ErrNoSender
	}
	if c.TokenLength < EmptyTokenLength || c.TokenLength > message.MaxTokenLength {
		return ErrInvalidTokenLength
	}
	if c.EmptyAckDelay < 0 || c.EmptyAckDelay >= AckTimeout {
		return ErrInvalidEmptyAckDelay
	}
	return nil
}

func (c *EndpointConfig) applyDefaults() {
	if c.Scheduler == nil {
		c.Scheduler = DefaultScheduler
	}
	if c.Random == nil {
		c.Random = DefaultRandomSource
	}
	switch c.TokenLength {
	case 0:
		c.TokenLength = DefaultTokenLength
	case EmptyTokenLength:
		c.TokenLength = 0
	}
	if c.EmptyAckDelay == 0 {
		c.EmptyAckDelay = DefaultEmptyAckDelay
	}
}

// Endpoint is a CoAP endpoint: the client and server halves of the exchange
// layer over one datagram socket.
//
// Inbound datagrams enter through HandleDatagram, which is meant to be the
// transport's MessageHandler and therefore runs on its read loop. Outbound
// traffic enters through SendRequest, SendPing, WriteResponse and
// SendNotification, which may be called from any goroutine.
type Endpoint struct {
	config     EndpointConfig
	sender     Sender
	requests   RequestHandler
	listener   NotificationListener
	scheduler  Scheduler
	log        logging.LeveledLogger
	metrics    *metrics.Metrics
	tokens     *TokenAllocator
	engine     *ReliabilityEngine
	dedup      *Deduplicator
	dispatcher *Dispatcher
	pipeline   pipeline

	mu           sync.Mutex
	housekeeping Timer
	closed       bool
}

// NewEndpoint wires the allocators, deduplicator, reliability engine and
// dispatcher of one endpoint and starts its timers.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	e := &Endpoint{
		config:    config,
		sender:    config.Sender,
		requests:  config.RequestHandler,
		listener:  config.NotificationListener,
		scheduler: config.Scheduler,
		log:       newLogger(config.LoggerFactory),
		metrics:   config.Metrics,
	}

	tokens, err := NewTokenAllocator(config.TokenLength, config.Random, config.LoggerFactory)
	if err != nil {
		return nil, err
	}
	e.tokens = tokens

	e.engine = NewReliabilityEngine(ReliabilityEngineConfig{
		Scheduler:     config.Scheduler,
		Random:        config.Random,
		Send:          e.sendRaw,
		OnEvent:       e.routeEvent,
		LoggerFactory: config.LoggerFactory,
		Metrics:       config.Metrics,
	})
	e.dedup = NewDeduplicator(DeduplicatorConfig{
		Scheduler:     config.Scheduler,
		EmptyAckDelay: config.EmptyAckDelay,
		Send: func(data []byte, peer transport.PeerAddress, typ message.Type) {
			e.sendRaw(data, peer, typ)
		},
		LoggerFactory: config.LoggerFactory,
		Metrics:       config.Metrics,
	})
	e.dispatcher = NewDispatcher(DispatcherConfig{
		Tokens:        e.tokens,
		Engine:        e.engine,
		LoggerFactory: config.LoggerFactory,
		Metrics:       config.Metrics,
	})
	e.pipeline = e.inboundPipeline()

	e.mu.Lock()
	e.housekeeping = e.scheduler.AfterFunc(housekeepingInterval, e.runHousekeeping)
	e.mu.Unlock()

	return e, nil
}

// SendRequest sends req to peer and routes the outcome to handler.
// See Dispatcher.SendRequest.
func (e *Endpoint) SendRequest(req *message.Message, handler ResponseHandler, peer transport.PeerAddress) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.SendRequest(req, handler, peer)
}

// SendPing sends a CoAP ping to peer.
func (e *Endpoint) SendPing(handler ResetHandler, peer transport.PeerAddress) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.dispatcher.SendPing(handler, peer)
}

// StopObservation ends the observation registered under (peer, token)
// locally. No message is sent; the server learns about it when its next
// notification is rejected with RST.
func (e *Endpoint) StopObservation(peer transport.PeerAddress, token message.Token) bool {
	return e.dispatcher.StopObservation(peer, token)
}

// AcceptInboundRequest runs duplicate detection for an inbound request.
// RequestDeliver means the application should handle it and answer with
// WriteResponse.
func (e *Endpoint) AcceptInboundRequest(req *message.Message, peer transport.PeerAddress) RequestVerdict {
	return e.dedup.Accept(req, peer)
}

// WriteResponse sends the application's response to an accepted request.
// The request is identified by resp.Token; when several pending requests
// from peer share that token the oldest is answered. WriteResponseTo
// answers a specific request.
//
// If no empty ACK has been sent yet, the response is piggy-backed: it goes
// out as an ACK carrying the request's message ID. Otherwise it is a
// separate response with a fresh message ID; its type is taken from resp
// (CON when resp.Type is ACK or RST).
func (e *Endpoint) WriteResponse(resp *message.Message, peer transport.PeerAddress) error {
	if e.isClosed() {
		return ErrClosed
	}
	requestID, piggyback, found := e.dedup.Complete(peer, resp.Token)
	return e.writeResponse(resp, peer, requestID, piggyback, found)
}

// WriteResponseTo is WriteResponse for the request req, matched by its
// message ID rather than its token.
func (e *Endpoint) WriteResponseTo(req, resp *message.Message, peer transport.PeerAddress) error {
	if e.isClosed() {
		return ErrClosed
	}
	requestID, piggyback, found := e.dedup.CompleteRequest(peer, req.MessageID)
	return e.writeResponse(resp, peer, requestID, piggyback, found)
}

func (e *Endpoint) writeResponse(resp *message.Message, peer transport.PeerAddress, requestID uint16, piggyback, found bool) error {
	if piggyback {
		out := resp.Clone()
		out.Type = message.Acknowledgement
		out.MessageID = requestID
		data, err := message.Encode(out)
		if err != nil {
			e.log.Warnf("response to %s not encodable: %v", peer, err)
			return err
		}
		e.dedup.Remember(peer, requestID, data)
		e.sendRaw(data, peer, message.Acknowledgement)
		return nil
	}

	if !found {
		e.log.Debugf("response %v token %s to %s has no pending request", resp.Code, resp.Token, peer)
	}

	out := resp
	if out.Type == message.Acknowledgement || out.Type == message.Reset {
		out = resp.Clone()
		out.Type = message.Confirmable
	}
	_, err := e.engine.Send(out, peer, nil)
	return err
}

// SendNotification sends an observe notification to peer. A confirmable
// notification replaces one still in flight for the same token.
func (e *Endpoint) SendNotification(notification *message.Message, peer transport.PeerAddress) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !notification.IsUpdateNotification() {
		return ErrNotNotification
	}
	_, err := e.engine.Send(notification, peer, nil)
	if err == nil {
		e.metrics.Notification()
	}
	return err
}

// HandleDatagram decodes and processes one inbound datagram.
// It is safe to use as a transport.MessageHandler.
func (e *Endpoint) HandleDatagram(data []byte, peer transport.PeerAddress) {
	if e.isClosed() {
		return
	}

	msg, err := message.Decode(data)
	if err != nil {
		e.metrics.DecodeError()
		e.log.Debugf("undecodable datagram from %s: %v", peer, err)
		// RFC 7252 Section 4.2: reject a malformed CON with RST.
		if len(data) >= 4 && message.Type(data[0]>>4&0x03) == message.Confirmable {
			id := uint16(data[2])<<8 | uint16(data[3])
			e.sendMessage(message.NewReset(id), peer)
		}
		return
	}

	e.metrics.MessageReceived(msg.Type.String())
	e.pipeline.run(&inboundContext{msg: msg, peer: peer})
}

// HandleMessage adapts HandleDatagram to transport.MessageHandler.
func (e *Endpoint) HandleMessage(msg *transport.ReceivedMessage) {
	e.HandleDatagram(msg.Data, msg.PeerAddr)
}

// routeEvent fans engine events out to the dispatcher (client requests)
// and the notification listener (server notifications).
func (e *Endpoint) routeEvent(ev ExchangeEvent) {
	if ev.Notification {
		if e.listener == nil {
			return
		}
		switch {
		case ev.Kind == EventReset:
			safeCall(e.log, "NotificationReset", func() { e.listener.NotificationReset(ev.Peer, ev.Token) })
		case ev.Kind == EventRetired && ev.Open && ev.Confirmable:
			// A NON notification is never acknowledged, so its retirement
			// says nothing about the observer.
			safeCall(e.log, "NotificationTimedOut", func() { e.listener.NotificationTimedOut(ev.Peer, ev.Token) })
		}
		return
	}
	e.dispatcher.HandleEvent(ev)
}

func (e *Endpoint) sendMessage(msg *message.Message, peer transport.PeerAddress) {
	data, err := message.Encode(msg)
	if err != nil {
		e.log.Errorf("encoding %s to %s: %v", msg.Type, peer, err)
		return
	}
	e.sendRaw(data, peer, msg.Type)
}

func (e *Endpoint) sendEmptyAck(id uint16, peer transport.PeerAddress) {
	e.sendMessage(message.NewEmptyAck(id), peer)
	e.metrics.EmptyAckSent()
}

// sendRaw is the single write path. It must not be called with any
// component lock held.
func (e *Endpoint) sendRaw(data []byte, peer transport.PeerAddress, typ message.Type) error {
	if err := e.sender.Send(data, peer); err != nil {
		e.metrics.SendError()
		e.log.Warnf("send %s to %s: %v", typ, peer, err)
		return err
	}
	e.metrics.MessageSent(typ.String())
	return nil
}

func (e *Endpoint) runHousekeeping() {
	e.dedup.DeleteExpired()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.housekeeping = e.scheduler.AfterFunc(housekeepingInterval, e.runHousekeeping)
	}
}

// Tokens exposes the endpoint's token allocator.
func (e *Endpoint) Tokens() *TokenAllocator {
	return e.tokens
}

// Engine exposes the endpoint's reliability engine.
func (e *Endpoint) Engine() *ReliabilityEngine {
	return e.engine
}

// Deduplicator exposes the endpoint's deduplicator.
func (e *Endpoint) Deduplicator() *Deduplicator {
	return e.dedup
}

// PendingRequests returns the number of client requests awaiting an outcome.
func (e *Endpoint) PendingRequests() int {
	return e.dispatcher.Pending()
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops all timers and forgets all state. Pending requests receive no
// further callbacks.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	if e.housekeeping != nil {
		e.housekeeping.Stop()
	}
	e.mu.Unlock()

	e.engine.Close()
	e.dedup.Close()
	return nil
}
