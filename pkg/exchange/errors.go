package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/transport"
)

// Errors returned by the exchange package.
var (
	// ErrClosed is returned when using a component after Close or Shutdown.
	ErrClosed = errors.New("exchange: closed")

	// ErrNoMessageID is returned when all message IDs for a peer are allocated.
	// The concrete error is a *NoMessageIDError.
	ErrNoMessageID = errors.New("exchange: no message ID available")

	// ErrNoToken is returned when all tokens for a peer are in use.
	ErrNoToken = errors.New("exchange: no token available")

	// ErrInvalidTokenLength is returned for token lengths outside 0..8.
	ErrInvalidTokenLength = errors.New("exchange: invalid token length")

	// ErrExchangeExists is returned when an exchange is already tracked under
	// the same peer and message ID.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrTokenInUse is returned when a token already has a live registration.
	ErrTokenInUse = errors.New("exchange: token already registered")

	// ErrNoSender is returned when an Endpoint is configured without a Sender.
	ErrNoSender = errors.New("exchange: no sender configured")

	// ErrNoHandler is returned when a request is sent without a handler.
	ErrNoHandler = errors.New("exchange: no response handler")

	// ErrNotRequest is returned when SendRequest is given a non-request message.
	ErrNotRequest = errors.New("exchange: message is not a request")

	// ErrNotNotification is returned when SendNotification is given a message
	// without an Observe option or token.
	ErrNotNotification = errors.New("exchange: message is not an update notification")

	// ErrInvalidEmptyAckDelay is returned for an empty-ACK delay that is
	// negative or not below AckTimeout.
	ErrInvalidEmptyAckDelay = errors.New("exchange: empty ACK delay must be below ACK timeout")

	// ErrEncodingFailed is returned when a message cannot be encoded.
	ErrEncodingFailed = errors.New("exchange: encoding failed")
)

// NoMessageIDError reports message ID exhaustion for a peer together with the
// time until the earliest allocation retires.
type NoMessageIDError struct {
	Peer       transport.PeerAddress
	RetryAfter time.Duration
}

// Error implements error.
func (e *NoMessageIDError) Error() string {
	return fmt.Sprintf("exchange: no message ID available for %s, retry after %v", e.Peer, e.RetryAfter)
}

// Unwrap allows errors.Is(err, ErrNoMessageID).
func (e *NoMessageIDError) Unwrap() error {
	return ErrNoMessageID
}
