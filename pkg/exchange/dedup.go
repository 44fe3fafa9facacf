package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/patrickmn/go-cache"
	"github.com/pion/logging"
)

// inboundTransfer tracks a received request until the application responds.
type inboundTransfer struct {
	peer        transport.PeerAddress
	id          uint16
	token       message.Token
	confirmable bool
	receivedAt  time.Time

	// confirmed is set once an empty ACK has been sent. The response must
	// then go out as a separate message with a fresh message ID.
	confirmed bool

	// timer is the pending confirmation task, nil once it ran.
	timer Timer
}

// Deduplicator suppresses duplicate inbound messages and schedules empty
// acknowledgements for confirmable requests the application is slow to answer.
//
// Per (peer, message ID) a request moves through:
//
//	New -> (Confirmed) -> Completed
//
// A confirmable request schedules a confirmation task after the empty-ACK
// delay. If the application responds first, the response is piggy-backed on
// the ACK; otherwise an empty ACK is sent and the response later goes out as
// a separate message. Completed requests stay known for EXCHANGE_LIFETIME
// (NON_LIFETIME for non-confirmable) so late duplicates are answered from
// the response cache instead of reaching the application again.
//
// See RFC 7252 Sections 4.2, 4.5 and 5.2.2.
//
// Thread-safe for concurrent access.
type Deduplicator struct {
	scheduler     Scheduler
	emptyAckDelay time.Duration
	send          func(data []byte, peer transport.PeerAddress, typ message.Type)
	log           logging.LeveledLogger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	transfers map[idKey]*inboundTransfer
	closed    bool

	// byToken lists pending transfers per (peer, token), oldest first.
	// Requests may share a token, the empty token in particular.
	byToken map[tokenKey][]*inboundTransfer

	// completed maps "peer/id" to the encoded reply for late duplicates:
	// the piggy-backed response, an empty ACK, or nil for "drop silently".
	completed *cache.Cache

	// responses records inbound separate responses already delivered.
	responses *cache.Cache
}

// DeduplicatorConfig configures a Deduplicator.
type DeduplicatorConfig struct {
	// Scheduler runs confirmation tasks. Default: DefaultScheduler.
	Scheduler Scheduler

	// EmptyAckDelay is the confirmation delay. Default: DefaultEmptyAckDelay.
	EmptyAckDelay time.Duration

	// Send writes an encoded datagram. Required.
	Send func(data []byte, peer transport.PeerAddress, typ message.Type)

	// LoggerFactory is the factory for creating loggers.
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(config DeduplicatorConfig) *Deduplicator {
	d := &Deduplicator{
		scheduler:     config.Scheduler,
		emptyAckDelay: config.EmptyAckDelay,
		send:          config.Send,
		log:           newLogger(config.LoggerFactory),
		metrics:       config.Metrics,
		transfers:     make(map[idKey]*inboundTransfer),
		byToken:       make(map[tokenKey][]*inboundTransfer),
		// No janitor goroutine: expired entries are purged by DeleteExpired.
		completed: cache.New(ExchangeLifetime, 0),
		responses: cache.New(ExchangeLifetime, 0),
	}
	if d.scheduler == nil {
		d.scheduler = DefaultScheduler
	}
	if d.emptyAckDelay <= 0 {
		d.emptyAckDelay = DefaultEmptyAckDelay
	}
	return d
}

func cacheKey(peer transport.PeerAddress, id uint16) string {
	return fmt.Sprintf("%s/%d", peer, id)
}

func lifetimeOf(confirmable bool) time.Duration {
	if confirmable {
		return ExchangeLifetime
	}
	return NonLifetime
}

// Accept registers an inbound request and reports whether the application
// should see it.
func (d *Deduplicator) Accept(msg *message.Message, peer transport.PeerAddress) RequestVerdict {
	key := idKey{peer: peer, id: msg.MessageID}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return RequestDuplicate
	}

	if tr, ok := d.transfers[key]; ok {
		confirmed := tr.confirmed
		confirmable := tr.confirmable
		d.mu.Unlock()

		switch {
		case !confirmable:
			d.log.Debugf("duplicate NON %d from %s dropped", msg.MessageID, peer)
			d.metrics.Duplicate("non")
		case !confirmed:
			d.log.Debugf("duplicate CON %d from %s dropped, confirmation pending", msg.MessageID, peer)
			d.metrics.Duplicate("con_pending")
		default:
			// The peer lost our empty ACK.
			d.log.Debugf("duplicate CON %d from %s, re-sending empty ACK", msg.MessageID, peer)
			d.metrics.Duplicate("con_confirmed")
			d.sendEmptyAck(peer, msg.MessageID)
		}
		return RequestDuplicate
	}

	if v, ok := d.completed.Get(cacheKey(peer, msg.MessageID)); ok {
		d.mu.Unlock()
		d.metrics.Duplicate("completed")
		if reply, _ := v.([]byte); len(reply) > 0 && msg.IsConfirmable() {
			d.log.Debugf("duplicate CON %d from %s answered from response cache", msg.MessageID, peer)
			d.send(reply, peer, message.Type(reply[0]>>4&0x03))
		}
		return RequestDuplicate
	}

	tr := &inboundTransfer{
		peer:        peer,
		id:          msg.MessageID,
		token:       msg.Token,
		confirmable: msg.IsConfirmable(),
		receivedAt:  d.scheduler.Now(),
	}
	d.transfers[key] = tr
	tk := newTokenKey(peer, msg.Token)
	d.byToken[tk] = append(d.byToken[tk], tr)
	if tr.confirmable {
		tr.timer = d.scheduler.AfterFunc(d.emptyAckDelay, func() {
			d.confirm(key, tr)
		})
	}
	d.mu.Unlock()

	return RequestDeliver
}

// confirm is the confirmation task of a transfer.
func (d *Deduplicator) confirm(key idKey, tr *inboundTransfer) {
	d.mu.Lock()
	if d.transfers[key] != tr || tr.confirmed {
		d.mu.Unlock()
		d.log.Debugf("confirmation of %d for %s skipped, response already written", key.id, key.peer)
		return
	}
	tr.confirmed = true
	tr.timer = nil
	d.mu.Unlock()

	d.log.Tracef("empty ACK for %d to %s", key.id, key.peer)
	d.sendEmptyAck(key.peer, key.id)
}

// Complete ends the oldest pending transfer whose request carried token.
//
// It reports the request's message ID and whether the response can be
// piggy-backed, i.e. sent as an ACK with that ID. Otherwise the response must
// be sent as a separate CON or NON message with a fresh ID. found is false
// when no transfer matches (the response is unsolicited, e.g. a notification).
func (d *Deduplicator) Complete(peer transport.PeerAddress, token message.Token) (requestID uint16, piggyback, found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := d.byToken[newTokenKey(peer, token)]
	if len(pending) == 0 {
		return 0, false, false
	}
	return d.finishLocked(pending[0])
}

// CompleteRequest ends the transfer of the request with message ID id. It
// reports the same values as Complete and is exact where several pending
// requests share a token.
func (d *Deduplicator) CompleteRequest(peer transport.PeerAddress, id uint16) (requestID uint16, piggyback, found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tr, ok := d.transfers[idKey{peer: peer, id: id}]
	if !ok {
		return 0, false, false
	}
	return d.finishLocked(tr)
}

// finishLocked must be called with d.mu held.
func (d *Deduplicator) finishLocked(tr *inboundTransfer) (requestID uint16, piggyback, found bool) {
	peer := tr.peer
	d.dropLocked(tr)

	piggyback = tr.confirmable && !tr.confirmed
	if tr.timer != nil {
		if !tr.timer.Stop() {
			// The task fired and is waiting for d.mu; it will find the
			// transfer gone.
			d.log.Debugf("confirmation task for %d to %s already fired", tr.id, peer)
		}
		tr.timer = nil
	}

	var reply []byte
	if tr.confirmed {
		reply = d.emptyAck(tr.id)
	}
	// For piggy-backed responses this is a placeholder until Remember stores
	// the encoded ACK, so duplicates arriving in between are still dropped.
	d.completed.Set(cacheKey(peer, tr.id), reply, lifetimeOf(tr.confirmable))

	return tr.id, piggyback, true
}

// dropLocked removes tr from both indexes. Must be called with d.mu held.
func (d *Deduplicator) dropLocked(tr *inboundTransfer) {
	delete(d.transfers, idKey{peer: tr.peer, id: tr.id})

	tk := newTokenKey(tr.peer, tr.token)
	pending := d.byToken[tk]
	for i, p := range pending {
		if p == tr {
			pending = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(d.byToken, tk)
	} else {
		d.byToken[tk] = pending
	}
}

// Remember stores the encoded piggy-backed response for a completed request
// so that a retransmitted request is answered with the same ACK.
func (d *Deduplicator) Remember(peer transport.PeerAddress, requestID uint16, data []byte) {
	d.completed.Set(cacheKey(peer, requestID), data, cache.DefaultExpiration)
}

// AcceptResponse records an inbound response and reports whether it is the
// first copy. Separate responses are acknowledged on every copy but must only
// be delivered once.
func (d *Deduplicator) AcceptResponse(msg *message.Message, peer transport.PeerAddress) bool {
	key := responseKey(msg, peer)
	if err := d.responses.Add(key, struct{}{}, lifetimeOf(msg.Type != message.NonConfirmable)); err != nil {
		d.log.Debugf("duplicate %s response %d from %s dropped", msg.Type, msg.MessageID, peer)
		d.metrics.Duplicate("response")
		return false
	}
	return true
}

// ForgetResponse drops the record of a response, so the next copy is
// processed as new.
func (d *Deduplicator) ForgetResponse(msg *message.Message, peer transport.PeerAddress) {
	d.responses.Delete(responseKey(msg, peer))
}

func responseKey(msg *message.Message, peer transport.PeerAddress) string {
	return fmt.Sprintf("%s/%s/%d", peer, msg.Type, msg.MessageID)
}

// Pending returns the number of requests awaiting a response.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transfers)
}

// DeleteExpired purges expired cache entries and transfers the application
// never answered within EXCHANGE_LIFETIME.
func (d *Deduplicator) DeleteExpired() {
	d.completed.DeleteExpired()
	d.responses.DeleteExpired()

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.scheduler.Now().Add(-ExchangeLifetime)
	for _, tr := range d.transfers {
		if tr.receivedAt.After(cutoff) {
			continue
		}
		if tr.timer != nil {
			tr.timer.Stop()
		}
		d.dropLocked(tr)
		d.log.Debugf("abandoned request %d from %s expired", tr.id, tr.peer)
	}
}

// Close cancels all confirmation tasks and forgets all state.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, tr := range d.transfers {
		if tr.timer != nil {
			tr.timer.Stop()
		}
	}
	d.transfers = make(map[idKey]*inboundTransfer)
	d.byToken = make(map[tokenKey][]*inboundTransfer)
	d.completed.Flush()
	d.responses.Flush()
	d.closed = true
}

func (d *Deduplicator) emptyAck(id uint16) []byte {
	data, err := message.Encode(message.NewEmptyAck(id))
	if err != nil {
		// Empty messages are a fixed 4-byte header.
		d.log.Errorf("encoding empty ACK: %v", err)
		return nil
	}
	return data
}

func (d *Deduplicator) sendEmptyAck(peer transport.PeerAddress, id uint16) {
	if data := d.emptyAck(id); data != nil {
		d.send(data, peer, message.Acknowledgement)
		d.metrics.EmptyAckSent()
	}
}
