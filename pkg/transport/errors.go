package transport

import "errors"

var (
	ErrClosed          = errors.New("transport: closed")
	ErrAlreadyStarted  = errors.New("transport: already started")
	ErrNoHandler       = errors.New("transport: message handler required")
	ErrInvalidAddress  = errors.New("transport: invalid peer address")
	ErrInvalidNetwork  = errors.New("transport: network must be udp, udp4 or udp6")
	ErrMessageTooLarge = errors.New("transport: datagram exceeds maximum message size")
)
