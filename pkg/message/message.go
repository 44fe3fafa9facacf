package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Token correlates a response with the request that caused it.
// Zero to eight opaque bytes (RFC 7252 Section 5.3.1).
type Token []byte

// String returns the hex representation of the token.
func (t Token) String() string {
	if len(t) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(t)
}

// Key returns a comparable form of the token for use in map keys.
func (t Token) Key() string {
	return string(t)
}

// Equal reports whether two tokens carry the same bytes.
func (t Token) Equal(other Token) bool {
	return bytes.Equal(t, other)
}

// Message is a decoded CoAP message.
//
// Options are kept in go-coap's representation and must stay sorted by
// option number; use the setters in this file rather than appending directly.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   gocoap.Options
	Payload   []byte
}

// NewEmptyAck builds an empty acknowledgement for the given message ID.
func NewEmptyAck(messageID uint16) *Message {
	return &Message{Type: Acknowledgement, Code: codes.Empty, MessageID: messageID}
}

// NewReset builds an empty reset for the given message ID.
func NewReset(messageID uint16) *Message {
	return &Message{Type: Reset, Code: codes.Empty, MessageID: messageID}
}

// NewPing builds an empty confirmable message. A peer answers with RST
// (RFC 7252 Section 4.3, "CoAP ping").
func NewPing() *Message {
	return &Message{Type: Confirmable, Code: codes.Empty}
}

// NewRequest builds a request with the given method and Uri-Path.
func NewRequest(typ Type, method Code, path string) *Message {
	m := &Message{Type: typ, Code: method}
	m.SetPath(path)
	return m
}

// IsEmpty returns true for messages with code 0.00.
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// IsRequest returns true for method codes (class 0, non-empty).
func (m *Message) IsRequest() bool {
	return m.Code != codes.Empty && codeClass(m.Code) == 0
}

// IsResponse returns true for response codes (classes 2, 4 and 5).
func (m *Message) IsResponse() bool {
	class := codeClass(m.Code)
	return class == 2 || class == 4 || class == 5
}

// IsError returns true for client and server error responses.
func (m *Message) IsError() bool {
	class := codeClass(m.Code)
	return class == 4 || class == 5
}

// IsConfirmable returns true if the message is CON.
func (m *Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsUpdateNotification returns true for responses carrying an Observe option.
// See RFC 7641 Section 4.2.
func (m *Message) IsUpdateNotification() bool {
	if !m.IsResponse() {
		return false
	}
	_, ok := m.Observe()
	return ok
}

// Observe returns the Observe option value, if present.
func (m *Message) Observe() (uint32, bool) {
	for _, opt := range m.Options {
		if opt.ID == gocoap.Observe {
			return decodeUint(opt.Value), true
		}
	}
	return 0, false
}

// SetObserve sets the Observe option, replacing any previous value.
func (m *Message) SetObserve(seq uint32) {
	m.setOption(gocoap.Observe, encodeUint(seq%MaxObserveSequence))
}

// RemoveObserve drops the Observe option.
func (m *Message) RemoveObserve() {
	m.removeOption(gocoap.Observe)
}

// Path returns the Uri-Path options joined with "/".
func (m *Message) Path() string {
	var segments []string
	for _, opt := range m.Options {
		if opt.ID == gocoap.URIPath {
			segments = append(segments, string(opt.Value))
		}
	}
	return "/" + strings.Join(segments, "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (m *Message) SetPath(path string) {
	m.removeOption(gocoap.URIPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		m.Options = append(m.Options, gocoap.Option{ID: gocoap.URIPath, Value: []byte(seg)})
	}
	m.sortOptions()
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(format gocoap.MediaType) {
	m.setOption(gocoap.ContentFormat, encodeUint(uint32(format)))
}

// ContentFormat returns the Content-Format option value, if present.
func (m *Message) ContentFormat() (gocoap.MediaType, bool) {
	for _, opt := range m.Options {
		if opt.ID == gocoap.ContentFormat {
			return gocoap.MediaType(decodeUint(opt.Value)), true
		}
	}
	return 0, false
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     cloneBytes(m.Token),
		Payload:   cloneBytes(m.Payload),
	}
	c.Options = cloneOptions(m.Options)
	return c
}

// String returns a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %v mid=%d token=%s payload=%dB", m.Type, m.Code, m.MessageID, m.Token, len(m.Payload))
}

func (m *Message) setOption(id gocoap.OptionID, value []byte) {
	m.removeOption(id)
	m.Options = append(m.Options, gocoap.Option{ID: id, Value: value})
	m.sortOptions()
}

func (m *Message) removeOption(id gocoap.OptionID) {
	out := m.Options[:0]
	for _, opt := range m.Options {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	m.Options = out
}

// sortOptions keeps repeated options (Uri-Path) in insertion order.
func (m *Message) sortOptions() {
	sort.SliceStable(m.Options, func(i, j int) bool {
		return m.Options[i].ID < m.Options[j].ID
	})
}

func codeClass(c Code) uint16 {
	return uint16(c) >> 5
}

// encodeUint produces the minimal big-endian uint encoding of RFC 7252 Section 3.2.
func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v <= 0xff:
		return []byte{byte(v)}
	case v <= 0xffff:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xffffff:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneOptions(opts gocoap.Options) gocoap.Options {
	if len(opts) == 0 {
		return nil
	}
	out := make(gocoap.Options, 0, len(opts))
	for _, opt := range opts {
		out = append(out, gocoap.Option{ID: opt.ID, Value: cloneBytes(opt.Value)})
	}
	return out
}
