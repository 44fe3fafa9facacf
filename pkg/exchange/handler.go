package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// ResponseHandler receives the response to a request sent with SendRequest.
// It is the only capability a request handler must implement; the other
// interfaces in this file are optional and detected by type assertion.
type ResponseHandler interface {
	HandleResponse(resp *message.Message, peer transport.PeerAddress)
}

// ResetHandler is notified when the peer answers with RST. It is the
// required capability for SendPing.
type ResetHandler interface {
	HandleReset()
}

// RetransmissionHandler is notified after each retransmission of the request.
type RetransmissionHandler interface {
	HandleRetransmission(count int)
}

// TransmissionTimeoutHandler is notified when the request's message ID
// retires without any response. This is a terminal outcome, not an error.
type TransmissionTimeoutHandler interface {
	HandleTransmissionTimeout()
}

// EmptyAckHandler is notified when the request is acknowledged without a
// response; the response will follow as a separate message.
type EmptyAckHandler interface {
	HandleEmptyAck()
}

// NoTokenHandler is notified when no token is available for the peer.
type NoTokenHandler interface {
	HandleNoToken()
}

// NoMessageIDHandler is notified when no message ID is available for the
// peer. retryAfter is the time until the next ID retires.
type NoMessageIDHandler interface {
	HandleNoMessageID(retryAfter time.Duration)
}

// EncodingFailureHandler is notified when the request cannot be encoded.
type EncodingFailureHandler interface {
	HandleEncodingFailure(err error)
}

// ObservationHandler keeps a registration alive across update notifications.
// After each non-error notification is delivered, ContinueObservation is
// asked whether more notifications are wanted; false ends the observation.
type ObservationHandler interface {
	ContinueObservation() bool
}

// RequestHandler receives inbound requests accepted by the deduplicator.
// The application answers with Endpoint.WriteResponse.
type RequestHandler interface {
	HandleRequest(req *message.Message, peer transport.PeerAddress)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(req *message.Message, peer transport.PeerAddress)

// HandleRequest calls f(req, peer).
func (f RequestHandlerFunc) HandleRequest(req *message.Message, peer transport.PeerAddress) {
	f(req, peer)
}

// safeCall runs an application callback. A panic is logged and swallowed so
// it cannot take down the transport read loop or a timer.
func safeCall(log logging.LeveledLogger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s panicked: %v", name, r)
		}
	}()
	fn()
}
