package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Service tags transfer traffic on a session. It is the first byte of
// every transfer message and data frame.
const Service byte = 0x01

// MsgType identifies a transfer control message.
type MsgType uint8

const (
	MsgOffer MsgType = iota + 1
	MsgHashList
	MsgRequest
	MsgAck
	MsgNack
	MsgPause
	MsgResume
	MsgCancel
	MsgComplete
	MsgReject
	// MsgHashRequest asks the sender to resend the hash lists covering
	// Ranges. Receivers use it when early hash lists were not buffered.
	MsgHashRequest
)

var msgTypeNames = map[MsgType]string{
	MsgOffer:    "offer",
	MsgHashList: "hash-list",
	MsgRequest:  "request",
	MsgAck:      "ack",
	MsgNack:     "nack",
	MsgPause:    "pause",
	MsgResume:   "resume",
	MsgCancel:   "cancel",
	MsgComplete: "complete",
	MsgReject:   "reject",

	MsgHashRequest: "hash-request",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Compression modes carried in an offer.
const (
	CompressionNone uint8 = 0
	CompressionZstd uint8 = 1
)

// Message is a reliable transfer control message. Fields unused by a type
// are omitted on the wire.
type Message struct {
	Type MsgType   `cbor:"1,keyasint"`
	ID   uuid.UUID `cbor:"2,keyasint"`

	// Offer
	CID         []byte `cbor:"3,keyasint,omitempty"`
	Name        string `cbor:"4,keyasint,omitempty"`
	Size        uint64 `cbor:"5,keyasint,omitempty"`
	ChunkSize   uint32 `cbor:"6,keyasint,omitempty"`
	ChunkCount  uint32 `cbor:"7,keyasint,omitempty"`
	Compression uint8  `cbor:"8,keyasint,omitempty"`

	// FragmentSize is the largest chunk slice the sender puts in one data
	// frame.
	FragmentSize uint32 `cbor:"14,keyasint,omitempty"`

	// HashList
	Start  uint32   `cbor:"9,keyasint,omitempty"`
	Hashes [][]byte `cbor:"10,keyasint,omitempty"`

	// Request, HashRequest
	Ranges []Range `cbor:"11,keyasint,omitempty"`

	// Ack, Nack
	Chunks []uint32 `cbor:"12,keyasint,omitempty"`

	// Cancel, Reject
	Reason string `cbor:"13,keyasint,omitempty"`
}

// Limits on a single message. HashesPerMessage and RangesPerMessage keep a
// message below the session's reliable message size.
const (
	HashesPerMessage = 28
	RangesPerMessage = 64
	ChunksPerAck     = 128
)

var (
	// ErrMalformedMessage is returned for transfer payloads that do not
	// decode.
	ErrMalformedMessage = errors.New("transfer: malformed message")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      64,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMessage serializes m with the service prefix.
func EncodeMessage(m *Message) ([]byte, error) {
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return append([]byte{Service}, body...), nil
}

// DecodeMessage parses a prefixed control message.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < 2 || b[0] != Service {
		return nil, ErrMalformedMessage
	}
	var m Message
	if err := decMode.Unmarshal(b[1:], &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if _, ok := msgTypeNames[m.Type]; !ok {
		return nil, fmt.Errorf("%w: type %d", ErrMalformedMessage, m.Type)
	}
	return &m, nil
}

// FragmentHeaderSize is the length of a data frame header:
// service, transfer id, chunk index, fragment index, fragment count.
const FragmentHeaderSize = 1 + 16 + 4 + 2 + 2

// Fragment is one piece of an encoded chunk.
type Fragment struct {
	ID    uuid.UUID
	Chunk uint32
	Index uint16
	Count uint16
	Data  []byte
}

// AppendFragment appends the wire form of f to dst.
func AppendFragment(dst []byte, f *Fragment) []byte {
	dst = append(dst, Service)
	dst = append(dst, f.ID[:]...)
	dst = binary.BigEndian.AppendUint32(dst, f.Chunk)
	dst = binary.BigEndian.AppendUint16(dst, f.Index)
	dst = binary.BigEndian.AppendUint16(dst, f.Count)
	return append(dst, f.Data...)
}

// ParseFragment decodes a data frame. Data aliases b.
func ParseFragment(b []byte) (*Fragment, error) {
	if len(b) < FragmentHeaderSize || b[0] != Service {
		return nil, ErrMalformedMessage
	}
	f := &Fragment{}
	copy(f.ID[:], b[1:17])
	f.Chunk = binary.BigEndian.Uint32(b[17:21])
	f.Index = binary.BigEndian.Uint16(b[21:23])
	f.Count = binary.BigEndian.Uint16(b[23:25])
	f.Data = b[FragmentHeaderSize:]
	if f.Count == 0 || f.Index >= f.Count {
		return nil, fmt.Errorf("%w: fragment %d/%d", ErrMalformedMessage, f.Index, f.Count)
	}
	return f, nil
}
