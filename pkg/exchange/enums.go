// Package exchange implements the CoAP message exchange layer: reliability,
// deduplication and request/response correlation over an unreliable datagram
// transport.
//
// The exchange layer sits between the transport (pkg/transport) and the
// application. It provides:
//
//   - Message ID and token allocation per peer
//   - Retransmission of confirmable messages with exponential backoff
//   - Duplicate detection and delayed empty acknowledgements for inbound requests
//   - Response dispatch to the handler that sent the matching request,
//     including long-lived observe registrations
//
// All state is keyed by (peer, message ID) or (peer, token). Inbound datagrams
// are processed on the transport's read loop; retransmissions, empty ACKs and
// message ID retirement run on timers provided by a Scheduler.
//
// RFC References:
//   - RFC 7252 Section 4: Message Transmission
//   - RFC 7252 Section 5.3: Request/Response Matching
//   - RFC 7641: Observing Resources in CoAP
package exchange

// Verdict is returned by an inbound pipeline stage.
type Verdict int

const (
	// Continue passes the message to the next stage.
	Continue Verdict = iota

	// Stop ends processing of the message.
	Stop
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "Continue"
	case Stop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// RequestVerdict tells the server side whether an inbound request should be
// handed to the application.
type RequestVerdict int

const (
	// RequestDeliver indicates the first reception of a request.
	RequestDeliver RequestVerdict = iota

	// RequestDuplicate indicates a repeat of a known request. It has
	// already been handled and must not be delivered again.
	RequestDuplicate
)

// String returns the verdict name.
func (v RequestVerdict) String() string {
	switch v {
	case RequestDeliver:
		return "Deliver"
	case RequestDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// ResponseVerdict is the outcome of routing an inbound response.
type ResponseVerdict int

const (
	// ResponseDelivered means a registration consumed the response.
	ResponseDelivered ResponseVerdict = iota

	// ResponseStray means no registration matched; the peer should be
	// answered with RST.
	ResponseStray

	// ResponseStopObservation means the response was delivered but the
	// handler declined further notifications; the peer should be answered
	// with RST to end the subscription.
	ResponseStopObservation
)

// String returns the verdict name.
func (v ResponseVerdict) String() string {
	switch v {
	case ResponseDelivered:
		return "Delivered"
	case ResponseStray:
		return "Stray"
	case ResponseStopObservation:
		return "StopObservation"
	default:
		return "Unknown"
	}
}

// EventKind identifies an outbound exchange event.
type EventKind int

const (
	// EventEmptyAck is raised when an empty ACK matches an exchange.
	EventEmptyAck EventKind = iota

	// EventReset is raised when an RST matches an exchange.
	EventReset

	// EventRetransmission is raised after each retransmission.
	EventRetransmission

	// EventRetired is raised when the message ID of an exchange retires.
	EventRetired
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventEmptyAck:
		return "EmptyAck"
	case EventReset:
		return "Reset"
	case EventRetransmission:
		return "Retransmission"
	case EventRetired:
		return "Retired"
	default:
		return "Unknown"
	}
}
