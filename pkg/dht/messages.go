package dht

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// MsgType identifies a DHT RPC.
type MsgType uint8

const (
	MsgPing MsgType = iota + 1
	MsgPong
	MsgFindNode
	MsgNodes
	MsgFindProviders
	MsgProviders
	MsgAnnounce
	MsgAnnounceAck
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgFindNode:
		return "FIND_NODE"
	case MsgNodes:
		return "NODES"
	case MsgFindProviders:
		return "FIND_PROVIDERS"
	case MsgProviders:
		return "PROVIDERS"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgAnnounceAck:
		return "ANNOUNCE_ACK"
	default:
		return fmt.Sprintf("MSG(%d)", uint8(t))
	}
}

func (t MsgType) isRequest() bool {
	return t == MsgPing || t == MsgFindNode || t == MsgFindProviders || t == MsgAnnounce
}

// Envelope is a signed DHT message. Sig covers the canonical encoding of
// the envelope with Sig empty.
type Envelope struct {
	Type   MsgType         `cbor:"1,keyasint"`
	TxID   uint64          `cbor:"2,keyasint"`
	Sender PeerInfo        `cbor:"3,keyasint"`
	Body   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Sig    []byte          `cbor:"5,keyasint,omitempty"`
}

// Bodies.
type (
	Ping struct{}

	Pong struct {
		// Observed is the requester's source address as seen by the
		// responder, as a multiaddr.
		Observed []byte `cbor:"1,keyasint,omitempty"`
	}

	FindNode struct {
		Target []byte `cbor:"1,keyasint"`
	}

	Nodes struct {
		Peers []PeerInfo `cbor:"1,keyasint,omitempty"`
	}

	FindProviders struct {
		Key []byte `cbor:"1,keyasint"`
	}

	Providers struct {
		Providers []PeerInfo `cbor:"1,keyasint,omitempty"`
		Closer    []PeerInfo `cbor:"2,keyasint,omitempty"`
	}

	Announce struct {
		Key []byte `cbor:"1,keyasint"`
		// TTL in seconds.
		TTL uint32 `cbor:"2,keyasint"`
	}

	AnnounceAck struct{}
)

var (
	// ErrMalformed is returned for messages that do not decode.
	ErrMalformed = errors.New("dht: malformed message")
	// ErrBadSignature is returned when an envelope's signature does not
	// verify against its sender.
	ErrBadSignature = errors.New("dht: bad signature")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

// maxMessageSize bounds a DHT datagram.
const maxMessageSize = 8192

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 512,
		MaxMapPairs:      32,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Seal encodes body into a signed envelope.
func Seal(id *crypto.Identity, self PeerInfo, t MsgType, txid uint64, body any) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	env := Envelope{Type: t, TxID: txid, Sender: self, Body: raw}
	unsigned, err := encMode.Marshal(&env)
	if err != nil {
		return nil, err
	}
	env.Sig = id.Sign(unsigned)
	return encMode.Marshal(&env)
}

// Open decodes and authenticates an envelope, returning the verified
// sender.
func Open(b []byte) (*Envelope, Contact, error) {
	if len(b) > maxMessageSize {
		return nil, Contact{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	var env Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, Contact{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	sender, err := ContactFromInfo(env.Sender)
	if err != nil {
		return nil, Contact{}, err
	}
	sig := env.Sig
	env.Sig = nil
	unsigned, err := encMode.Marshal(&env)
	if err != nil {
		return nil, Contact{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := crypto.VerifyPeer(sender.PeerID, sender.PubKey, unsigned, sig); err != nil {
		return nil, Contact{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	env.Sig = sig
	return &env, sender, nil
}

// DecodeBody unmarshals the envelope body into v.
func (e *Envelope) DecodeBody(v any) error {
	if err := decMode.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %w", ErrMalformed, e.Type, err)
	}
	return nil
}
