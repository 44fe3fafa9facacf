package exchange

import "time"

// Transmission parameters from RFC 7252 Section 4.8.
//
// These values must match across implementations for endpoints to
// interoperate; only DefaultEmptyAckDelay and the token length are local
// choices.
const (
	// AckTimeout is the initial retransmission timeout for a confirmable message.
	// RFC: ACK_TIMEOUT = 2 seconds
	AckTimeout = 2000 * time.Millisecond

	// AckRandomFactor bounds the random multiplier applied to AckTimeout.
	// The factor is drawn from [1.0, AckRandomFactor).
	// RFC: ACK_RANDOM_FACTOR = 1.5
	AckRandomFactor = 1.5

	// MaxRetransmit is the number of retransmissions after the initial
	// transmission.
	// RFC: MAX_RETRANSMIT = 4
	MaxRetransmit = 4

	// ExchangeLifetime is how long a message ID stays allocated for a peer.
	// RFC: EXCHANGE_LIFETIME = 247 seconds
	ExchangeLifetime = 247 * time.Second

	// NonLifetime is how long duplicate detection state is kept for a
	// non-confirmable message.
	// RFC: NON_LIFETIME = 145 seconds
	NonLifetime = 145 * time.Second

	// MessageIDSpace is the number of distinct message IDs per peer.
	MessageIDSpace = 1 << 16
)

const (
	// RetransmitScanInterval is the period of the retransmission scan.
	// Deadlines are shortened by one interval so a retransmission never
	// lands after the upper bound of its window.
	RetransmitScanInterval = 100 * time.Millisecond

	// DefaultEmptyAckDelay is how long a confirmable request waits for the
	// application before an empty ACK is sent. Must be shorter than
	// AckTimeout so the peer does not retransmit first.
	DefaultEmptyAckDelay = 1500 * time.Millisecond

	// DefaultTokenLength is the token length used by an Endpoint when none
	// is configured. Four bytes allow 2^32 concurrent exchanges per peer.
	DefaultTokenLength = 4

	// EmptyTokenLength selects zero-length tokens in EndpointConfig, where a
	// TokenLength of 0 means DefaultTokenLength. Only one exchange per peer
	// can then be outstanding at a time.
	EmptyTokenLength = -1

	// housekeepingInterval is how often expired duplicate detection state is
	// purged.
	housekeepingInterval = time.Second
)
