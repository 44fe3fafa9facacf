package exchange

import (
	"encoding/binary"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// tokenKey identifies a token in use with a peer.
type tokenKey struct {
	peer  transport.PeerAddress
	token string
}

func newTokenKey(peer transport.PeerAddress, token message.Token) tokenKey {
	return tokenKey{peer: peer, token: token.Key()}
}

// peerTokens is the per-peer token state.
type peerTokens struct {
	next  uint64
	inUse map[string]struct{}
}

// TokenAllocator hands out fixed-length tokens per peer.
//
// The token length L (0..8 bytes) bounds the number of concurrent exchanges
// with one peer to 2^(8L). Tokens are a per-peer counter with a random start,
// encoded big-endian, so consecutive requests get distinct tokens without
// scanning the whole space.
//
// Thread-safe for concurrent access.
type TokenAllocator struct {
	length int
	random RandomSource
	log    logging.LeveledLogger

	mu    sync.Mutex
	peers map[transport.PeerAddress]*peerTokens
}

// NewTokenAllocator creates an allocator for tokens of the given length.
func NewTokenAllocator(length int, random RandomSource, loggerFactory logging.LoggerFactory) (*TokenAllocator, error) {
	if length < 0 || length > message.MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}
	if random == nil {
		random = DefaultRandomSource
	}
	return &TokenAllocator{
		length: length,
		random: random,
		log:    newLogger(loggerFactory),
		peers:  make(map[transport.PeerAddress]*peerTokens),
	}, nil
}

// Length returns the configured token length in bytes.
func (a *TokenAllocator) Length() int {
	return a.length
}

// capacity returns the number of distinct tokens, or 0 for "unbounded"
// (8-byte tokens, where 2^64 does not fit).
func (a *TokenAllocator) capacity() uint64 {
	if a.length >= 8 {
		return 0
	}
	return 1 << (8 * uint(a.length))
}

// Allocate returns a token not currently in use with peer.
// Returns ErrNoToken when every token of the configured length is in use.
func (a *TokenAllocator) Allocate(peer transport.PeerAddress) (message.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		state = &peerTokens{
			next:  uint64(a.random.Uint32())<<32 | uint64(a.random.Uint32()),
			inUse: make(map[string]struct{}),
		}
		a.peers[peer] = state
	}

	capacity := a.capacity()
	if capacity != 0 && uint64(len(state.inUse)) >= capacity {
		a.log.Warnf("tokens exhausted for %s (%d in use)", peer, len(state.inUse))
		return nil, ErrNoToken
	}

	for {
		token := a.encode(state.next)
		state.next++
		if _, used := state.inUse[token.Key()]; used {
			continue
		}
		state.inUse[token.Key()] = struct{}{}
		return token, nil
	}
}

// encode writes the low L bytes of v big-endian.
func (a *TokenAllocator) encode(v uint64) message.Token {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	token := make(message.Token, a.length)
	copy(token, buf[8-a.length:])
	return token
}

// Release returns a token to the pool.
// Returns false, and logs an error, if the token was not in use; this points
// at a bookkeeping bug upstream but is not fatal.
func (a *TokenAllocator) Release(peer transport.PeerAddress, token message.Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if ok {
		if _, ok = state.inUse[token.Key()]; ok {
			delete(state.inUse, token.Key())
			if len(state.inUse) == 0 {
				delete(a.peers, peer)
			}
			return true
		}
	}

	a.log.Errorf("release of unregistered token %s for %s", token, peer)
	return false
}

// IsInUse reports whether token is currently allocated for peer.
func (a *TokenAllocator) IsInUse(peer transport.PeerAddress, token message.Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		return false
	}
	_, ok = state.inUse[token.Key()]
	return ok
}

// Count returns the number of tokens in use with peer.
func (a *TokenAllocator) Count(peer transport.PeerAddress) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.peers[peer]
	if !ok {
		return 0
	}
	return len(state.inUse)
}
