package message

import "errors"

// Message layer errors.
var (
	ErrMessageTooShort = errors.New("message: data too short")
	ErrTokenTooLong    = errors.New("message: token longer than 8 bytes")
	ErrInvalidType     = errors.New("message: invalid message type")
	ErrMessageTooLong  = errors.New("message: exceeds maximum size")
	ErrEncodeFailed    = errors.New("message: encoding failed")
	ErrDecodeFailed    = errors.New("message: decoding failed")
)
