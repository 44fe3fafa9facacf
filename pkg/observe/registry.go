// Package observe keeps the server side of CoAP observations (RFC 7641).
//
// A Registry maps resources to the clients observing them. Application code
// publishes resource state with Publish; the registry turns each publication
// into one notification per observer, numbers it, and hands it to a Notifier
// (normally the exchange.Endpoint). Observers are dropped when they reject a
// notification with RST or stop acknowledging confirmable notifications;
// the Registry implements exchange.NotificationListener for that.
//
// RFC References:
//   - RFC 7641 Section 3.1: Registration
//   - RFC 7641 Section 4.4: Reordering (sequence numbers)
//   - RFC 7641 Section 4.5: Transmission
package observe

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	gocoap "github.com/plgd-dev/go-coap/v3/message"
)

// Observe option values in a GET request (RFC 7641 Section 2).
const (
	Register   uint32 = 0
	Deregister uint32 = 1
)

// DefaultUpdatesBuffer is the capacity of a Subscription's Updates channel.
const DefaultUpdatesBuffer = 8

// Notifier sends notifications to observers. *exchange.Endpoint implements it.
type Notifier interface {
	SendNotification(notification *message.Message, peer transport.PeerAddress) error
}

// Status is one published state of a resource.
type Status struct {
	Code          message.Code
	ContentFormat *uint16
	Payload       []byte

	// Confirmable sends the notification as CON. RFC 7641 Section 4.5
	// requires a CON at least every 24 hours so dead observers are detected.
	Confirmable bool
}

// subscriptionKey identifies an observer: a client and the token of its
// registration request.
type subscriptionKey struct {
	peer  transport.PeerAddress
	token string
}

// Subscription is one observer of a resource.
type Subscription struct {
	resource string
	peer     transport.PeerAddress
	token    message.Token
	updates  chan *message.Message

	// seq is the last sequence number sent. Written under the registry lock.
	seq    atomic.Uint32
	closed bool
}

// Resource returns the observed resource path.
func (s *Subscription) Resource() string { return s.resource }

// Peer returns the observer's address.
func (s *Subscription) Peer() transport.PeerAddress { return s.peer }

// Token returns the token of the registration request.
func (s *Subscription) Token() message.Token { return s.token }

// Sequence returns the last sequence number sent to this observer; the
// response to the registration request carries it.
func (s *Subscription) Sequence() uint32 { return s.seq.Load() }

// Updates returns a channel receiving a copy of every notification sent to
// this observer. It is closed when the subscription ends. Notifications are
// dropped for slow readers.
func (s *Subscription) Updates() <-chan *message.Message { return s.updates }

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Notifier sends notifications. May be set later with SetNotifier, since
	// the endpoint usually needs the registry as its NotificationListener.
	Notifier Notifier

	// UpdatesBuffer is the capacity of each Subscription's Updates channel.
	// Default: DefaultUpdatesBuffer.
	UpdatesBuffer int

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Registry tracks observers per resource.
//
// Thread-safe for concurrent access.
type Registry struct {
	bufferSize int
	log        logging.LeveledLogger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	notifier   Notifier
	byKey      map[subscriptionKey]*Subscription
	byResource map[string]map[subscriptionKey]*Subscription
	closed     bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		bufferSize: config.UpdatesBuffer,
		metrics:    config.Metrics,
		notifier:   config.Notifier,
		byKey:      make(map[subscriptionKey]*Subscription),
		byResource: make(map[string]map[subscriptionKey]*Subscription),
	}
	if r.bufferSize <= 0 {
		r.bufferSize = DefaultUpdatesBuffer
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("coap-observe")
	}
	return r
}

// SetNotifier sets the notifier used by Publish.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

func keyOf(peer transport.PeerAddress, token message.Token) subscriptionKey {
	return subscriptionKey{peer: peer, token: token.Key()}
}

// Subscribe adds an observer of resource. A second registration with the
// same (peer, token) replaces the first, which is how a client renews its
// interest (RFC 7641 Section 4.1); the sequence number carries over.
func (r *Registry) Subscribe(resource string, peer transport.PeerAddress, token message.Token) (*Subscription, error) {
	if resource == "" {
		return nil, ErrInvalidResource
	}

	key := keyOf(peer, token)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	sub := &Subscription{
		resource: resource,
		peer:     peer,
		token:    append(message.Token(nil), token...),
		updates:  make(chan *message.Message, r.bufferSize),
	}
	if old, ok := r.byKey[key]; ok {
		sub.seq.Store(old.seq.Load())
		r.removeLocked(key, old)
	}
	r.byKey[key] = sub
	observers, ok := r.byResource[resource]
	if !ok {
		observers = make(map[subscriptionKey]*Subscription)
		r.byResource[resource] = observers
	}
	observers[key] = sub
	count := len(r.byKey)
	r.mu.Unlock()

	r.metrics.SetObservers(count)
	if r.log != nil {
		r.log.Debugf("%s observes %s with token %s", peer, resource, token)
	}
	return sub, nil
}

// Register interprets the Observe option of a GET request for resource:
// 0 subscribes the requester, 1 removes its subscription. It returns the
// subscription for a registration and nil for a deregistration.
func (r *Registry) Register(resource string, req *message.Message, peer transport.PeerAddress) (*Subscription, error) {
	value, ok := req.Observe()
	if !ok {
		return nil, ErrNotObserveRequest
	}
	switch value {
	case Register:
		return r.Subscribe(resource, peer, req.Token)
	case Deregister:
		r.Unsubscribe(peer, req.Token)
		return nil, nil
	default:
		return nil, ErrNotObserveRequest
	}
}

// Unsubscribe removes the observer registered under (peer, token).
// Returns false if there was none.
func (r *Registry) Unsubscribe(peer transport.PeerAddress, token message.Token) bool {
	key := keyOf(peer, token)

	r.mu.Lock()
	sub, ok := r.byKey[key]
	if ok {
		r.removeLocked(key, sub)
	}
	count := len(r.byKey)
	r.mu.Unlock()

	if ok {
		r.metrics.SetObservers(count)
		if r.log != nil {
			r.log.Debugf("%s stopped observing %s", peer, sub.resource)
		}
	}
	return ok
}

// removeLocked must be called with r.mu held.
func (r *Registry) removeLocked(key subscriptionKey, sub *Subscription) {
	delete(r.byKey, key)
	if observers, ok := r.byResource[sub.resource]; ok {
		delete(observers, key)
		if len(observers) == 0 {
			delete(r.byResource, sub.resource)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.updates)
	}
}

// notification is a prepared notification for one observer.
type notification struct {
	sub *Subscription
	msg *message.Message
}

// Publish sends status to every observer of resource and returns how many
// notifications were handed to the notifier. Send failures are logged; they
// do not remove the observer, the endpoint reports lost notifications
// through NotificationTimedOut.
func (r *Registry) Publish(resource string, status Status) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	notifier := r.notifier
	if notifier == nil {
		r.mu.Unlock()
		return 0, ErrNoNotifier
	}

	observers := r.byResource[resource]
	batch := make([]notification, 0, len(observers))
	for _, sub := range observers {
		sub.seq.Store((sub.seq.Load() + 1) % message.MaxObserveSequence)
		batch = append(batch, notification{sub: sub, msg: buildNotification(sub, status)})
	}
	r.mu.Unlock()

	// Stable order keeps logs and tests readable.
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].sub.peer.String() < batch[j].sub.peer.String()
	})

	sent := 0
	for _, n := range batch {
		if err := notifier.SendNotification(n.msg, n.sub.peer); err != nil {
			if r.log != nil {
				r.log.Warnf("notification of %s to %s failed: %v", resource, n.sub.peer, err)
			}
			continue
		}
		sent++
		r.offer(n.sub, n.msg)
	}
	return sent, nil
}

// offer copies msg to the subscription's Updates channel unless it is
// full or closed.
func (r *Registry) offer(sub *Subscription, msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.updates <- msg:
	default:
	}
}

func buildNotification(sub *Subscription, status Status) *message.Message {
	typ := message.NonConfirmable
	if status.Confirmable {
		typ = message.Confirmable
	}
	n := &message.Message{
		Type:    typ,
		Code:    status.Code,
		Token:   append(message.Token(nil), sub.token...),
		Payload: append([]byte(nil), status.Payload...),
	}
	n.SetObserve(sub.seq.Load())
	if status.ContentFormat != nil {
		n.SetContentFormat(gocoap.MediaType(*status.ContentFormat))
	}
	return n
}

// NotificationReset removes the observer that rejected a notification
// (RFC 7641 Section 3.6).
func (r *Registry) NotificationReset(peer transport.PeerAddress, token message.Token) {
	if r.Unsubscribe(peer, token) && r.log != nil {
		r.log.Debugf("observer %s/%s reset a notification", peer, token)
	}
}

// NotificationTimedOut removes the observer that never acknowledged a
// confirmable notification (RFC 7641 Section 4.5).
func (r *Registry) NotificationTimedOut(peer transport.PeerAddress, token message.Token) {
	if r.Unsubscribe(peer, token) && r.log != nil {
		r.log.Infof("observer %s/%s timed out", peer, token)
	}
}

// Observers returns the number of observers of resource.
func (r *Registry) Observers(resource string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byResource[resource])
}

// Len returns the total number of observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// Close removes every observer and closes their Updates channels.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	for key, sub := range r.byKey {
		r.removeLocked(key, sub)
	}
	r.closed = true
	r.mu.Unlock()

	r.metrics.SetObservers(0)
	return nil
}
