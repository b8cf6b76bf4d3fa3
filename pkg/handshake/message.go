package handshake

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies one of the three handshake messages.
type MessageType uint8

const (
	// Message1 carries the initiator's ephemeral public key.
	Message1 MessageType = 1
	// Message2 carries the responder's ephemeral key, encrypted static key
	// and the first key-confirmation MAC.
	Message2 MessageType = 2
	// Message3 carries the initiator's encrypted static key and the second
	// key-confirmation MAC.
	Message3 MessageType = 3
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case Message1:
		return "Message1"
	case Message2:
		return "Message2"
	case Message3:
		return "Message3"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

const (
	// Version is the handshake wire version.
	Version = 1

	// HeaderSize is type (1) + version (1) + payload length (2).
	HeaderSize = 4

	// MaxMessageSize bounds any handshake message on the wire.
	MaxMessageSize = 256

	keySize   = 32
	tagSize   = 16
	macSize   = 32
	staticLen = keySize + tagSize

	message1PayloadSize = keySize
	message2PayloadSize = keySize + staticLen + macSize
	message3PayloadSize = staticLen + macSize
)

// Message is a decoded handshake message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Marshal encodes the message with its self-describing header.
func (m Message) Marshal() []byte {
	out := make([]byte, HeaderSize+len(m.Payload))
	out[0] = byte(m.Type)
	out[1] = Version
	binary.BigEndian.PutUint16(out[2:4], uint16(len(m.Payload)))
	copy(out[HeaderSize:], m.Payload)
	return out
}

// ParseMessage decodes and structurally validates a handshake message.
// All structural problems are reported as ErrMalformed. The 4-byte header
// is not covered by any MAC, so a corrupted type, version or length byte
// surfaces here as ErrMalformed; only payload corruption reaches the key
// confirmation and yields ErrAuthenticationFailed.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(b))
	}
	if len(b) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrMalformed, len(b), MaxMessageSize)
	}
	if b[1] != Version {
		return Message{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[1])
	}
	t := MessageType(b[0])
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n != len(b)-HeaderSize {
		return Message{}, fmt.Errorf("%w: length field %d, payload %d", ErrMalformed, n, len(b)-HeaderSize)
	}

	var want int
	switch t {
	case Message1:
		want = message1PayloadSize
	case Message2:
		want = message2PayloadSize
	case Message3:
		want = message3PayloadSize
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, b[0])
	}
	if n != want {
		return Message{}, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformed, t, n, want)
	}

	payload := make([]byte, n)
	copy(payload, b[HeaderSize:])
	return Message{Type: t, Payload: payload}, nil
}

// PeekType returns the type byte of a raw message without validating it.
func PeekType(b []byte) (MessageType, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	return MessageType(b[0]), true
}

func parseExpected(b []byte, want MessageType) (Message, error) {
	m, err := ParseMessage(b)
	if err != nil {
		return Message{}, err
	}
	if m.Type != want {
		return Message{}, fmt.Errorf("%w: got %s, want %s", ErrMalformed, m.Type, want)
	}
	return m, nil
}
