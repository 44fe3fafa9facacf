package exchange

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter and identifier seeding.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64

	// Uint32 returns a random 32-bit value.
	Uint32() uint32
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

func (defaultRandomSource) Uint32() uint32 {
	return rand.Uint32()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes CoAP retransmission timeouts.
//
// The timeout before retransmission n+1 (n = retransmissions so far) is
// from RFC 7252 Section 4.2:
//
//	timeout = ACK_TIMEOUT * 2^n * factor,  factor in [1.0, ACK_RANDOM_FACTOR)
//
// One random factor is drawn per call, so each retransmission gets its own
// jitter.
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator creates a new backoff calculator with the given random source.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random}
}

// Calculate computes the timeout before the next retransmission.
//
// Parameters:
//   - retransmissions: Number of retransmissions already sent (0 after the
//     initial transmission)
func (b *BackoffCalculator) Calculate(retransmissions int) time.Duration {
	factor := 1.0 + b.random.Float64()*(AckRandomFactor-1.0)
	return time.Duration(float64(b.CalculateMin(retransmissions)) * factor)
}

// CalculateMin computes the minimum timeout (factor 1.0).
func (b *BackoffCalculator) CalculateMin(retransmissions int) time.Duration {
	return time.Duration(float64(AckTimeout) * math.Pow(2, float64(retransmissions)))
}

// CalculateMax computes the exclusive upper bound (factor ACK_RANDOM_FACTOR).
func (b *BackoffCalculator) CalculateMax(retransmissions int) time.Duration {
	return time.Duration(float64(b.CalculateMin(retransmissions)) * AckRandomFactor)
}

// Deadline computes the delay to store as the next retransmission deadline.
//
// The retransmission scan fires at the first tick at or after the deadline,
// i.e. up to one scan interval late. Subtracting the interval keeps the
// actual send time below CalculateMax; clamping at CalculateMin keeps it at
// or above the protocol minimum.
func (b *BackoffCalculator) Deadline(retransmissions int, scanInterval time.Duration) time.Duration {
	d := b.Calculate(retransmissions) - scanInterval
	if min := b.CalculateMin(retransmissions); d < min {
		return min
	}
	return d
}
