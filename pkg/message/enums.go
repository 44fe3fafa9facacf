// Package message implements the CoAP message model used by the exchange layer.
// Encoding and decoding are delegated to github.com/plgd-dev/go-coap/v3; this
// package only exposes the fields the reliability engine needs to reason about.
//
// The package provides:
//   - Message types (CON, NON, ACK, RST) and codes
//   - Token handling and option helpers (Observe, Uri-Path)
//   - Datagram encoding and decoding
//
// RFC References:
//   - RFC 7252 Section 3: Message Format
//   - RFC 7641 Section 2: The Observe Option
package message

import "github.com/plgd-dev/go-coap/v3/message/codes"

// Type is the CoAP message type carried in the fixed header.
// See RFC 7252 Section 3.
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted
	// until one arrives.
	Confirmable Type = 0

	// NonConfirmable messages are sent once and never acknowledged.
	NonConfirmable Type = 1

	// Acknowledgement confirms receipt of a confirmable message. It may carry
	// a piggy-backed response.
	Acknowledgement Type = 2

	// Reset indicates a message was received but could not be processed.
	Reset Type = 3
)

// String returns the short name used in CoAP literature.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is one of the four defined values.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code aliases the go-coap code type so callers can use codes.GET,
// codes.Content and friends directly.
type Code = codes.Code

// Protocol constants from RFC 7252.
const (
	// MaxTokenLength is the longest token a CoAP message may carry.
	MaxTokenLength = 8

	// MaxUDPMessageSize bounds a single datagram. Matches the IPv6 minimum MTU
	// recommended by RFC 7252 Section 4.6.
	MaxUDPMessageSize = 1280

	// MaxObserveSequence is the modulus of the Observe option sequence number.
	MaxObserveSequence = 1 << 24
)
