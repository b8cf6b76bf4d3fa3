package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
)

// FrameType is the first header byte of a frame.
type FrameType uint8

// Frame types.
const (
	FrameData              FrameType = 0x00
	FrameMessage           FrameType = 0x01
	FrameControlAck        FrameType = 0x02
	FrameRetransmitRequest FrameType = 0x03
	FramePing              FrameType = 0x12
	FramePong              FrameType = 0x13
	FrameRekey             FrameType = 0x20
	FrameRekeyAck          FrameType = 0x21
	FrameRekeyConfirm      FrameType = 0x22
	FrameClose             FrameType = 0x50
	FrameCloseAck          FrameType = 0x51
	FramePadding           FrameType = 0xF0
)

// String returns a human-readable name for the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "Data"
	case FrameMessage:
		return "Message"
	case FrameControlAck:
		return "ControlAck"
	case FrameRetransmitRequest:
		return "RetransmitRequest"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	case FrameRekey:
		return "Rekey"
	case FrameRekeyAck:
		return "RekeyAck"
	case FrameRekeyConfirm:
		return "RekeyConfirm"
	case FrameClose:
		return "Close"
	case FrameCloseAck:
		return "CloseAck"
	case FramePadding:
		return "Padding"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	switch t {
	case FrameData, FrameMessage, FrameControlAck, FrameRetransmitRequest,
		FramePing, FramePong, FrameRekey, FrameRekeyAck, FrameRekeyConfirm,
		FrameClose, FrameCloseAck, FramePadding:
		return true
	}
	return false
}

// Reliable reports whether frames of this type travel on the ordered,
// acknowledged control channel. Their plaintext begins with a control
// sequence number.
func (t FrameType) Reliable() bool {
	switch t {
	case FrameMessage, FrameRekey, FrameRekeyAck, FrameRekeyConfirm, FrameClose:
		return true
	}
	return false
}

const (
	// HeaderSize is type (1) + epoch (2) + sequence (8).
	HeaderSize = 11

	// TagSize is the AEAD tag appended to every frame.
	TagSize = crypto.TagSize

	// Overhead is the per-frame cost on the wire, excluding the class byte
	// and connection ID.
	Overhead = HeaderSize + TagSize + trailerSize

	// trailerSize is the padding-length trailer inside the plaintext.
	trailerSize = 2
)

// ErrMalformedFrame indicates a frame that cannot be parsed.
var ErrMalformedFrame = errors.New("session: malformed frame")

// Header is the cleartext frame header. It is authenticated as AEAD
// associated data.
type Header struct {
	Type  FrameType
	Epoch uint16
	Seq   uint64
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint16(b[1:3], h.Epoch)
	binary.BigEndian.PutUint64(b[3:11], h.Seq)
}

// ParseHeader decodes the header at the start of a frame.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize+TagSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	h := Header{
		Type:  FrameType(b[0]),
		Epoch: binary.BigEndian.Uint16(b[1:3]),
		Seq:   binary.BigEndian.Uint64(b[3:11]),
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedFrame, b[0])
	}
	return h, nil
}

// Packet is a frame addressed to a connection: conn ID followed by the
// frame bytes. The transport class byte is not included.
type Packet struct {
	ConnID handshake.ConnID
	Frame  []byte
}

// ParsePacket splits a packet into connection ID and frame.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < handshake.ConnIDSize+HeaderSize+TagSize {
		return Packet{}, fmt.Errorf("%w: packet of %d bytes", ErrMalformedFrame, len(b))
	}
	var p Packet
	copy(p.ConnID[:], b[:handshake.ConnIDSize])
	p.Frame = b[handshake.ConnIDSize:]
	return p, nil
}

// Padding strategies for frame plaintext.
type PaddingMode int

const (
	// PaddingNone sends frames at their natural size.
	PaddingNone PaddingMode = iota

	// PaddingBuckets rounds the plaintext up to the next power of two
	// (at least 64 bytes) bounded by the frame size limit.
	PaddingBuckets
)

func padTo(mode PaddingMode, n, limit int) int {
	if mode != PaddingBuckets {
		return n
	}
	size := 64
	for size < n {
		size <<= 1
	}
	if size > limit {
		size = limit
	}
	if size < n {
		return n
	}
	return size
}

// encodePlaintext appends payload, zero padding and the padding trailer.
func encodePlaintext(payload []byte, padded int) []byte {
	total := padded
	if total < len(payload) {
		total = len(payload)
	}
	pad := total - len(payload)
	out := make([]byte, total+trailerSize)
	copy(out, payload)
	binary.BigEndian.PutUint16(out[total:], uint16(pad))
	return out
}

func decodePlaintext(pt []byte) ([]byte, error) {
	if len(pt) < trailerSize {
		return nil, fmt.Errorf("%w: missing trailer", ErrMalformedFrame)
	}
	body := pt[:len(pt)-trailerSize]
	pad := int(binary.BigEndian.Uint16(pt[len(pt)-trailerSize:]))
	if pad > len(body) {
		return nil, fmt.Errorf("%w: padding %d exceeds body %d", ErrMalformedFrame, pad, len(body))
	}
	return body[:len(body)-pad], nil
}
