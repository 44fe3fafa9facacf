package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// ExchangeEvent reports a state change of an outbound exchange.
type ExchangeEvent struct {
	Kind      EventKind
	Peer      transport.PeerAddress
	MessageID uint16
	Token     message.Token

	// Notification is set for exchanges carrying observe notifications.
	Notification bool

	// Confirmable is set when the exchange was sent as CON.
	Confirmable bool

	// Retransmissions is the retransmission count (EventRetransmission).
	Retransmissions int

	// Open is set on EventRetired when the exchange never saw an ACK or RST.
	Open bool
}

// outboundExchange is one tracked outbound message.
// Per RFC 7252 Section 4.2, a confirmable message is retransmitted until
// acknowledged or MAX_RETRANSMIT is reached. A non-confirmable message is
// tracked only to match RST and to report retirement.
type outboundExchange struct {
	peer         transport.PeerAddress
	id           uint16
	token        message.Token
	msg          *message.Message
	data         []byte
	confirmable  bool
	notification bool

	retransmissions int
	firstSent       time.Time
	deadline        time.Time

	// exhausted is set after the last retransmission. The exchange stays
	// tracked to match a late ACK until its message ID retires.
	exhausted bool

	// changed is set when a newer notification replaced msg. The next
	// retransmission goes out under a fresh message ID.
	changed bool
}

// ReliabilityEngine tracks outbound messages and retransmits confirmable
// ones on the RFC 7252 Section 4.2 schedule.
//
// Retransmissions are driven by a periodic scan rather than one timer per
// message; each exchange stores its next deadline and the scan resends every
// exchange that is due. Confirmable notifications are also indexed by
// (peer, token): a new notification for the same observation replaces the
// in-flight one instead of starting a second retransmission train.
//
// Thread-safe for concurrent access.
type ReliabilityEngine struct {
	ids          *MessageIDAllocator
	backoff      *BackoffCalculator
	scheduler    Scheduler
	scanInterval time.Duration
	send         func(data []byte, peer transport.PeerAddress, typ message.Type) error
	onEvent      func(ExchangeEvent)
	log          logging.LeveledLogger
	metrics      *metrics.Metrics

	mu        sync.Mutex
	byID      map[idKey]*outboundExchange
	byToken   map[tokenKey]*outboundExchange
	scanTimer Timer
	closed    bool
}

// ReliabilityEngineConfig configures a ReliabilityEngine.
type ReliabilityEngineConfig struct {
	// Scheduler runs the scan and message ID retirement. Default: DefaultScheduler.
	Scheduler Scheduler

	// Random draws retransmission jitter and seeds message IDs.
	// Default: DefaultRandomSource.
	Random RandomSource

	// ScanInterval is the retransmission scan period.
	// Default: RetransmitScanInterval.
	ScanInterval time.Duration

	// Send writes an encoded datagram. Required.
	Send func(data []byte, peer transport.PeerAddress, typ message.Type) error

	// OnEvent receives exchange events, outside any lock.
	OnEvent func(ExchangeEvent)

	// LoggerFactory is the factory for creating loggers.
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// NewReliabilityEngine creates an engine and starts its scan task.
func NewReliabilityEngine(config ReliabilityEngineConfig) *ReliabilityEngine {
	e := &ReliabilityEngine{
		backoff:      NewBackoffCalculator(config.Random),
		scheduler:    config.Scheduler,
		scanInterval: config.ScanInterval,
		send:         config.Send,
		onEvent:      config.OnEvent,
		log:          newLogger(config.LoggerFactory),
		metrics:      config.Metrics,
		byID:         make(map[idKey]*outboundExchange),
		byToken:      make(map[tokenKey]*outboundExchange),
	}
	if e.scheduler == nil {
		e.scheduler = DefaultScheduler
	}
	if e.scanInterval <= 0 {
		e.scanInterval = RetransmitScanInterval
	}
	if e.onEvent == nil {
		e.onEvent = func(ExchangeEvent) {}
	}
	e.ids = NewMessageIDAllocator(MessageIDAllocatorConfig{
		Scheduler:     e.scheduler,
		Random:        config.Random,
		OnRelease:     e.messageIDRetired,
		LoggerFactory: config.LoggerFactory,
	})

	e.mu.Lock()
	e.scanTimer = e.scheduler.AfterFunc(e.scanInterval, e.scan)
	e.mu.Unlock()

	return e
}

// MessageIDs exposes the engine's allocator.
func (e *ReliabilityEngine) MessageIDs() *MessageIDAllocator {
	return e.ids
}

// Send assigns a message ID to msg, encodes it, starts tracking it and
// transmits it. msg is not modified; the engine keeps its own copy.
//
// bind, if non-nil, is called with the assigned ID before the datagram is
// written, so callers can register for ACK/RST without racing the reply.
//
// A notification whose (peer, token) already has a confirmable notification
// in flight replaces it: the stored message is swapped, the message type,
// ID and retransmission deadline are kept, and the ID of the existing
// exchange is returned without transmitting. A NON update therefore rides
// the CON train already running for the observation.
func (e *ReliabilityEngine) Send(msg *message.Message, peer transport.PeerAddress, bind func(id uint16)) (uint16, error) {
	notification := msg.IsUpdateNotification()
	confirmable := msg.IsConfirmable()

	if notification {
		if id, ok, err := e.replaceNotification(msg, peer); ok || err != nil {
			return id, err
		}
	}

	id, err := e.ids.Allocate(peer)
	if err != nil {
		e.metrics.Exhausted("message_id")
		return 0, err
	}

	out := msg.Clone()
	out.MessageID = id
	data, err := message.Encode(out)
	if err != nil {
		e.ids.Release(peer, id)
		return 0, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	now := e.scheduler.Now()
	ex := &outboundExchange{
		peer:         peer,
		id:           id,
		token:        out.Token,
		msg:          out,
		data:         data,
		confirmable:  confirmable,
		notification: notification,
		firstSent:    now,
	}
	if confirmable {
		ex.deadline = now.Add(e.backoff.Deadline(0, e.scanInterval))
	}

	key := idKey{peer: peer, id: id}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if _, exists := e.byID[key]; exists {
		e.mu.Unlock()
		e.log.Errorf("exchange %d for %s already tracked, send rejected", id, peer)
		return 0, ErrExchangeExists
	}
	e.byID[key] = ex
	if notification && confirmable {
		e.byToken[newTokenKey(peer, ex.token)] = ex
	}
	outstanding := len(e.byID)
	e.mu.Unlock()

	e.metrics.SetOutstandingExchanges(outstanding)

	if bind != nil {
		bind(id)
	}

	// A failed write of a CON is recovered by retransmission.
	if err := e.send(data, peer, out.Type); err != nil {
		e.log.Warnf("send %s %d to %s failed: %v", out.Type, id, peer, err)
	}

	return id, nil
}

// replaceNotification swaps the message of an in-flight confirmable
// notification, keeping its CON type. ok is false when there is nothing to
// replace.
func (e *ReliabilityEngine) replaceNotification(msg *message.Message, peer transport.PeerAddress) (id uint16, ok bool, err error) {
	tk := newTokenKey(peer, msg.Token)

	e.mu.Lock()
	defer e.mu.Unlock()

	ex, found := e.byToken[tk]
	if !found {
		return 0, false, nil
	}
	if ex.exhausted {
		// Waiting for retirement only; a new exchange starts a fresh train.
		delete(e.byToken, tk)
		return 0, false, nil
	}

	out := msg.Clone()
	out.Type = ex.msg.Type
	out.MessageID = ex.id
	data, err := message.Encode(out)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	ex.msg = out
	ex.data = data
	ex.changed = true

	e.log.Debugf("notification %d for %s replaced in flight", ex.id, peer)
	return ex.id, true, nil
}

// retransmission is a datagram collected by the scan for sending.
type retransmission struct {
	event ExchangeEvent
	data  []byte
	typ   message.Type
}

// scan resends every confirmable exchange whose deadline has passed.
func (e *ReliabilityEngine) scan() {
	now := e.scheduler.Now()
	var due []retransmission

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for key, ex := range e.byID {
		if !ex.confirmable || ex.exhausted || ex.deadline.After(now) {
			continue
		}

		if ex.changed && !e.rebind(key, ex) {
			continue
		}

		ex.retransmissions++
		if ex.retransmissions < MaxRetransmit {
			ex.deadline = now.Add(e.backoff.Deadline(ex.retransmissions, e.scanInterval))
		} else {
			ex.exhausted = true
		}

		due = append(due, retransmission{
			event: ExchangeEvent{
				Kind:            EventRetransmission,
				Peer:            ex.peer,
				MessageID:       ex.id,
				Token:           ex.token,
				Notification:    ex.notification,
				Confirmable:     ex.confirmable,
				Retransmissions: ex.retransmissions,
			},
			data: ex.data,
			typ:  ex.msg.Type,
		})
	}
	e.scanTimer = e.scheduler.AfterFunc(e.scanInterval, e.scan)
	e.mu.Unlock()

	for _, r := range due {
		e.log.Debugf("retransmission %d of %d to %s", r.event.Retransmissions, r.event.MessageID, r.event.Peer)
		e.metrics.Retransmission()
		if err := e.send(r.data, r.event.Peer, r.typ); err != nil {
			e.log.Warnf("retransmission of %d to %s failed: %v", r.event.MessageID, r.event.Peer, err)
		}
		e.onEvent(r.event)
	}
}

// rebind moves a changed notification to a fresh message ID before it is
// retransmitted; its old ID may already have retired. Must be called with
// e.mu held. Returns false if no ID is available, in which case the next
// scan retries.
func (e *ReliabilityEngine) rebind(key idKey, ex *outboundExchange) bool {
	id, err := e.ids.Allocate(ex.peer)
	if err != nil {
		e.log.Warnf("no message ID to resend notification to %s: %v", ex.peer, err)
		e.metrics.Exhausted("message_id")
		return false
	}

	out := ex.msg.Clone()
	out.MessageID = id
	data, err := message.Encode(out)
	if err != nil {
		// The replacement already encoded once with the old ID.
		e.log.Errorf("re-encoding notification for %s: %v", ex.peer, err)
		e.ids.Release(ex.peer, id)
		return false
	}

	delete(e.byID, key)
	ex.id = id
	ex.msg = out
	ex.data = data
	ex.changed = false
	e.byID[idKey{peer: ex.peer, id: id}] = ex
	return true
}

// HandleAck matches an ACK to its exchange and stops tracking it.
// Returns false for an ACK with no matching exchange.
func (e *ReliabilityEngine) HandleAck(peer transport.PeerAddress, id uint16) (ExchangeEvent, bool) {
	return e.complete(peer, id, EventEmptyAck)
}

// HandleReset matches an RST to its exchange and stops tracking it.
func (e *ReliabilityEngine) HandleReset(peer transport.PeerAddress, id uint16) (ExchangeEvent, bool) {
	return e.complete(peer, id, EventReset)
}

// Cancel stops tracking an exchange. Used when a separate response arrives
// before the ACK, which implies the request was received.
func (e *ReliabilityEngine) Cancel(peer transport.PeerAddress, id uint16) bool {
	_, ok := e.complete(peer, id, EventEmptyAck)
	return ok
}

// complete stops tracking the exchange under (peer, id). An ACK for a
// notification that was replaced in flight only confirms the old content:
// the replacement is sent right away under a fresh message ID and starts
// its own retransmission train.
func (e *ReliabilityEngine) complete(peer transport.PeerAddress, id uint16, kind EventKind) (ExchangeEvent, bool) {
	key := idKey{peer: peer, id: id}

	e.mu.Lock()
	ex, ok := e.byID[key]
	if !ok {
		e.mu.Unlock()
		return ExchangeEvent{}, false
	}
	ev := ExchangeEvent{
		Kind:            kind,
		Peer:            peer,
		MessageID:       id,
		Token:           ex.token,
		Notification:    ex.notification,
		Confirmable:     ex.confirmable,
		Retransmissions: ex.retransmissions,
	}

	var resend []byte
	var resendID uint16
	if kind == EventEmptyAck && ex.changed {
		resend = e.restartLocked(key, ex)
		resendID = ex.id
	} else {
		e.removeLocked(key, ex)
	}
	outstanding := len(e.byID)
	e.mu.Unlock()

	e.metrics.SetOutstandingExchanges(outstanding)

	if resend != nil {
		e.log.Debugf("notification %d to %s acknowledged, sending replacement as %d", id, peer, resendID)
		if err := e.send(resend, peer, message.Confirmable); err != nil {
			e.log.Warnf("send of replacement notification to %s failed: %v", peer, err)
		}
	}
	return ev, true
}

// restartLocked gives an acknowledged but replaced notification a fresh
// message ID and a new retransmission schedule. It returns the datagram to
// send, or nil when no ID is available; the exchange then stays due so the
// next scan retries. Must be called with e.mu held.
func (e *ReliabilityEngine) restartLocked(key idKey, ex *outboundExchange) []byte {
	now := e.scheduler.Now()
	ex.retransmissions = 0
	ex.exhausted = false
	if !e.rebind(key, ex) {
		ex.deadline = now
		return nil
	}
	ex.firstSent = now
	ex.deadline = now.Add(e.backoff.Deadline(0, e.scanInterval))
	return ex.data
}

// removeLocked must be called with e.mu held.
func (e *ReliabilityEngine) removeLocked(key idKey, ex *outboundExchange) {
	delete(e.byID, key)
	tk := newTokenKey(ex.peer, ex.token)
	if e.byToken[tk] == ex {
		delete(e.byToken, tk)
	}
}

// messageIDRetired is the allocator's release listener.
func (e *ReliabilityEngine) messageIDRetired(peer transport.PeerAddress, id uint16) {
	key := idKey{peer: peer, id: id}
	ev := ExchangeEvent{Kind: EventRetired, Peer: peer, MessageID: id}

	e.mu.Lock()
	if ex, ok := e.byID[key]; ok {
		e.removeLocked(key, ex)
		ev.Token = ex.token
		ev.Notification = ex.notification
		ev.Confirmable = ex.confirmable
		ev.Retransmissions = ex.retransmissions
		ev.Open = true
	}
	outstanding := len(e.byID)
	e.mu.Unlock()

	if ev.Open {
		e.log.Debugf("exchange %d to %s retired without ACK", id, peer)
		e.metrics.SetOutstandingExchanges(outstanding)
	}
	e.onEvent(ev)
}

// Outstanding returns the number of tracked exchanges.
func (e *ReliabilityEngine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// InFlight reports whether an exchange is tracked under (peer, id).
func (e *ReliabilityEngine) InFlight(peer transport.PeerAddress, id uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byID[idKey{peer: peer, id: id}]
	return ok
}

// Close stops the scan, forgets all exchanges and shuts down the allocator
// without raising events.
func (e *ReliabilityEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.scanTimer != nil {
		e.scanTimer.Stop()
	}
	e.byID = make(map[idKey]*outboundExchange)
	e.byToken = make(map[tokenKey]*outboundExchange)
	e.mu.Unlock()

	e.ids.Shutdown()
}
