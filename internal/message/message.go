// Package message implements Backbone's tagged-union wire message: C2C,
// C2S, and S2S variants sharing one 4-bit format tag and 4-bit type tag
// packed into a single header byte, matching the binary-header style of
// portal/corev2/serdes/packet.go rather than a class hierarchy rooted at
// a generic message type.
package message

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/backbone-project/backbone/internal/identity"
)

// Format is the high 4 bits of the header byte.
type Format byte

const (
	FormatC2C Format = 0
	FormatC2S Format = 1
	FormatS2S Format = 2
)

// C2SType enumerates the low 4 bits of a C2S header byte.
type C2SType byte

const (
	C2SHeartbeat C2SType = 0
	C2SConfig    C2SType = 1
	C2SStop      C2SType = 15
)

// S2SType enumerates the low 4 bits of an S2S header byte.
type S2SType byte

const (
	S2SDone S2SType = 14
	S2SStop S2SType = 15
)

var ErrMalformed = errors.New("message: malformed frame")

// Message is Backbone's tagged union of the three wire message shapes.
// Recipient is only meaningful when Format == FormatC2C; Timestamp is
// only meaningful for C2S/S2S and is always truncated to whole seconds.
type Message struct {
	Format    Format
	Type      byte
	Recipient identity.ClientId
	Timestamp time.Time
	Payload   []byte
}

// NewC2C builds a client-to-client message.
func NewC2C(recipient identity.ClientId, payload []byte) Message {
	return Message{Format: FormatC2C, Recipient: recipient, Payload: payload}
}

// NewC2S builds a client-to-server control message, truncating ts to
// whole-second resolution as the wire format requires.
func NewC2S(t C2SType, ts time.Time, payload []byte) Message {
	return Message{Format: FormatC2S, Type: byte(t), Timestamp: ts.Truncate(time.Second), Payload: payload}
}

// NewS2S builds a server-internal control message.
func NewS2S(t S2SType, ts time.Time, payload []byte) Message {
	return Message{Format: FormatS2S, Type: byte(t), Timestamp: ts.Truncate(time.Second), Payload: payload}
}

// IsC2C, IsC2S, IsS2S are convenience predicates over Format.
func (m Message) IsC2C() bool { return m.Format == FormatC2C }
func (m Message) IsC2S() bool { return m.Format == FormatC2S }
func (m Message) IsS2S() bool { return m.Format == FormatS2S }

// Equal is structural equality over all fields, at second resolution
// for Timestamp.
func (m Message) Equal(other Message) bool {
	if m.Format != other.Format || m.Type != other.Type {
		return false
	}
	if m.Recipient != other.Recipient {
		return false
	}
	if !m.Timestamp.Truncate(time.Second).Equal(other.Timestamp.Truncate(time.Second)) {
		return false
	}
	if len(m.Payload) != len(other.Payload) {
		return false
	}
	for i := range m.Payload {
		if m.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}

// ToBytes encodes m per the wire layout:
//
//	C2C : [0x0_][recipient:16][payload:*]
//	C2S : [0x1T][timestamp:4][payload:*]
//	S2S : [0x2T][timestamp:4][payload:*]
func (m Message) ToBytes() []byte {
	header := byte(m.Format)<<4 | (m.Type & 0x0F)

	if m.Format == FormatC2C {
		out := make([]byte, 1+identity.Size+len(m.Payload))
		out[0] = header
		copy(out[1:1+identity.Size], m.Recipient[:])
		copy(out[1+identity.Size:], m.Payload)
		return out
	}

	out := make([]byte, 1+4+len(m.Payload))
	out[0] = header
	binary.BigEndian.PutUint32(out[1:5], uint32(m.Timestamp.Truncate(time.Second).Unix()))
	copy(out[5:], m.Payload)
	return out
}

// validC2STypes and validS2STypes enumerate the known type nibbles for
// each control format, so FromBytes can tell "unknown type" apart from
// "malformed frame" the same way the C2C path tells a nonzero type
// nibble apart from a well-formed one.
var (
	validC2STypes = map[byte]bool{byte(C2SHeartbeat): true, byte(C2SConfig): true, byte(C2SStop): true}
	validS2STypes = map[byte]bool{byte(S2SDone): true, byte(S2SStop): true}
)

// FromBytes decodes a Message from its wire form. The second return
// value is false ("none") for an empty frame, an unknown format nibble,
// a C2C frame whose type nibble is nonzero, or a C2S/S2S frame whose
// type nibble isn't one of the known C2SType/S2SType values.
func FromBytes(b []byte) (Message, bool) {
	if len(b) == 0 {
		return Message{}, false
	}

	header := b[0]
	format := Format(header >> 4)
	typ := header & 0x0F
	body := b[1:]

	switch format {
	case FormatC2C:
		if typ != 0 {
			return Message{}, false
		}
		if len(body) < identity.Size {
			return Message{}, false
		}
		recipient, err := identity.FromBytes(body[:identity.Size])
		if err != nil {
			return Message{}, false
		}
		return Message{
			Format:    FormatC2C,
			Recipient: recipient,
			Payload:   append([]byte(nil), body[identity.Size:]...),
		}, true

	case FormatC2S:
		if !validC2STypes[typ] {
			return Message{}, false
		}
		return decodeControl(format, typ, body)

	case FormatS2S:
		if !validS2STypes[typ] {
			return Message{}, false
		}
		return decodeControl(format, typ, body)

	default:
		return Message{}, false
	}
}

// decodeControl parses the shared C2S/S2S body: a 4-byte timestamp
// followed by an optional payload.
func decodeControl(format Format, typ byte, body []byte) (Message, bool) {
	if len(body) < 4 {
		return Message{}, false
	}
	ts := time.Unix(int64(binary.BigEndian.Uint32(body[:4])), 0).UTC()
	return Message{
		Format:    format,
		Type:      typ,
		Timestamp: ts,
		Payload:   append([]byte(nil), body[4:]...),
	}, true
}
