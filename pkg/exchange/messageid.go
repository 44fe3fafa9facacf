package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// idKey identifies a message ID allocated for, or received from, a peer.
type idKey struct {
	peer transport.PeerAddress
	id   uint16
}

// idAllocation is one live message ID.
type idAllocation struct {
	allocatedAt time.Time
	timer       Timer
}

// peerIDs is the per-peer allocation state.
type peerIDs struct {
	next      uint16
	allocated map[uint16]*idAllocation
}

// MessageIDAllocator hands out 16-bit message IDs per peer.
//
// Per RFC 7252 Section 4.4, an ID must not be reused for the same peer within
// EXCHANGE_LIFETIME. Each allocation is retired by a timer after the
// lifetime; retirement removes it and calls the release listener, which the
// reliability engine uses to detect exchanges that never completed.
//
// Thread-safe for concurrent access.
type MessageIDAllocator struct {
	scheduler Scheduler
	random    RandomSource
	lifetime  time.Duration
	onRelease func(peer transport.PeerAddress, id uint16)
	log       logging.LeveledLogger

	mu     sync.Mutex
	peers  map[transport.PeerAddress]*peerIDs
	closed bool
}

// MessageIDAllocatorConfig configures a MessageIDAllocator.
type MessageIDAllocatorConfig struct {
	// Scheduler runs retirement timers. Default: DefaultScheduler.
	Scheduler Scheduler

	// Random seeds the first ID for each peer. Default: DefaultRandomSource.
	Random RandomSource

	// Lifetime is how long an ID stays allocated. Default: ExchangeLifetime.
	Lifetime time.Duration

	// OnRelease is called, outside any lock, when an ID retires.
	OnRelease func(peer transport.PeerAddress, id uint16)

	// LoggerFactory is the factory for creating loggers.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

// NewMessageIDAllocator creates an allocator.
func NewMessageIDAllocator(config MessageIDAllocatorConfig) *MessageIDAllocator {
	a := &MessageIDAllocator{
		scheduler: config.Scheduler,
		random:    config.Random,
		lifetime:  config.Lifetime,
		onRelease: config.OnRelease,
		peers:     make(map[transport.PeerAddress]*peerIDs),
	}
	if a.scheduler == nil {
		a.scheduler = DefaultScheduler
	}
	if a.random == nil {
		a.random = DefaultRandomSource
	}
	if a.lifetime <= 0 {
		a.lifetime = ExchangeLifetime
	}
	a.log = newLogger(config.LoggerFactory)
	return a
}

// Allocate returns a message ID not currently allocated for peer.
//
// The first ID for a peer is random; later IDs increment modulo 65536,
// skipping IDs that have not retired. When all 65536 IDs are allocated the
// returned error is a *NoMessageIDError carrying the time until the earliest
// allocation retires.
func (a *MessageIDAllocator) Allocate(peer transport.PeerAddress) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	state, ok := a.peers[peer]
	if !ok {
		state = &peerIDs{
			next:      uint16(a.random.Uint32()),
			allocated: make(map[uint16]*idAllocation),
		}
		a.peers[peer] = state
	}

	now := a.scheduler.Now()

	if len(state.allocated) >= MessageIDSpace {
		retryAfter := a.lifetime
		for _, alloc := range state.allocated {
			if d := alloc.allocatedAt.Add(a.lifetime).Sub(now); d < retryAfter {
				retryAfter = d
			}
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		a.log.Warnf("message IDs exhausted for %s, retry after %v", peer, retryAfter)
		return 0, &NoMessageIDError{Peer: peer, RetryAfter: retryAfter}
	}

	id := state.next
	for {
		if _, used := state.allocated[id]; !used {
			break
		}
		id++
	}
	state.next = id + 1

	alloc := &idAllocation{allocatedAt: now}
	state.allocated[id] = alloc
	alloc.timer = a.scheduler.AfterFunc(a.lifetime, func() {
		a.retire(peer, id, alloc)
	})

	return id, nil
}

// Release retires an ID before its lifetime ends, without notifying the
// release listener. Used when a message was never transmitted.
// Returns false if the ID was not allocated.
func (a *MessageIDAllocator) Release(peer transport.PeerAddress, id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		return false
	}
	alloc, ok := state.allocated[id]
	if !ok {
		return false
	}
	alloc.timer.Stop()
	delete(state.allocated, id)
	return true
}

// retire is the timer callback for one allocation.
func (a *MessageIDAllocator) retire(peer transport.PeerAddress, id uint16, alloc *idAllocation) {
	a.mu.Lock()
	state, ok := a.peers[peer]
	if !ok || state.allocated[id] != alloc {
		// Released or shut down in the meantime.
		a.mu.Unlock()
		return
	}
	delete(state.allocated, id)
	if len(state.allocated) == 0 {
		delete(a.peers, peer)
	}
	onRelease := a.onRelease
	a.mu.Unlock()

	a.log.Tracef("message ID %d retired for %s", id, peer)

	if onRelease != nil {
		onRelease(peer, id)
	}
}

// IsAllocated reports whether id is currently allocated for peer.
func (a *MessageIDAllocator) IsAllocated(peer transport.PeerAddress, id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		return false
	}
	_, ok = state.allocated[id]
	return ok
}

// Count returns the number of live allocations for peer.
func (a *MessageIDAllocator) Count(peer transport.PeerAddress) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		return 0
	}
	return len(state.allocated)
}

// Shutdown stops all retirement timers without notifying the listener.
// Allocate returns ErrClosed afterwards.
func (a *MessageIDAllocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, state := range a.peers {
		for _, alloc := range state.allocated {
			alloc.timer.Stop()
		}
	}
	a.peers = make(map[transport.PeerAddress]*peerIDs)
	a.closed = true
}
