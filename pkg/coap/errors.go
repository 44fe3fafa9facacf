package coap

import "errors"

// Node errors.
var (
	ErrAlreadyStarted = errors.New("coap: node already started")
	ErrNotStarted     = errors.New("coap: node not started")
	ErrAlreadyStopped = errors.New("coap: node already stopped")
	ErrInvalidPath    = errors.New("coap: resource path must start with /")
	ErrPathInUse      = errors.New("coap: resource path already registered")
	ErrNoHandler      = errors.New("coap: nil handler")

	// ErrReset is returned when the peer rejects a request or ping with RST.
	ErrReset = errors.New("coap: reset by peer")

	// ErrTransmissionTimeout is returned when a request's message ID
	// retires without any response.
	ErrTransmissionTimeout = errors.New("coap: transmission timed out")

	// ErrNotObservable is returned by Observe when the first response does
	// not carry an Observe option.
	ErrNotObservable = errors.New("coap: resource is not observable")
)
