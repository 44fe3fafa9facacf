package message

import (
	"context"
	"fmt"
	"io"

	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// Encode serializes a message into a UDP datagram (RFC 7252 Section 3).
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}

	wire := gocoap.Message{
		Token:     gocoap.Token(m.Token),
		Options:   m.Options,
		Code:      m.Code,
		Payload:   m.Payload,
		MessageID: int32(m.MessageID),
		Type:      gocoap.Type(m.Type),
	}

	size, err := coder.DefaultCoder.Size(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	if size > MaxUDPMessageSize {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(wire, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	return buf[:n], nil
}

// Decode parses a UDP datagram into a Message.
// The returned message owns all of its byte slices.
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrMessageTooShort
	}

	pm := pool.NewMessage(context.Background())
	defer pm.Reset()

	if _, err := pm.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	m := &Message{
		Type:      Type(pm.Type()),
		Code:      pm.Code(),
		MessageID: uint16(pm.MessageID()),
		Token:     Token(cloneBytes(pm.Token())),
		Options:   cloneOptions(pm.Options()),
	}
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}

	if body := pm.Body(); body != nil {
		payload, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
		if len(payload) > 0 {
			m.Payload = payload
		}
	}

	return m, nil
}
