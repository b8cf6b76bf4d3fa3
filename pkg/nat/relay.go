package nat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// RelayNetwork is the Network() of relayed addresses. Register a
// RelayPool for it on the mux.
const RelayNetwork = "wraith-relay"

// RelayAddr is a peer reached through a relay.
type RelayAddr struct {
	Relay net.Addr
	Peer  peer.ID
}

func (a *RelayAddr) Network() string { return RelayNetwork }

func (a *RelayAddr) String() string {
	return a.Relay.String() + "/p2p-circuit/" + a.Peer.String()
}

// Multiaddr returns the circuit form /ip4/.../udp/.../p2p-circuit/p2p/<peer>.
func (a *RelayAddr) Multiaddr() (multiaddr.Multiaddr, error) {
	base, err := transport.FromNetAddr(a.Relay)
	if err != nil {
		return nil, err
	}
	circuit, err := multiaddr.NewMultiaddr("/p2p-circuit/p2p/" + a.Peer.String())
	if err != nil {
		return nil, err
	}
	return base.Encapsulate(circuit), nil
}

// ParseRelayAddr parses a circuit multiaddr.
func ParseRelayAddr(ma multiaddr.Multiaddr) (*RelayAddr, error) {
	relay, circuit := multiaddr.SplitFunc(ma, func(c multiaddr.Component) bool {
		return c.Protocol().Code == multiaddr.P_CIRCUIT
	})
	if circuit == nil {
		return nil, fmt.Errorf("%s is not a relay circuit", ma)
	}
	id, err := circuit.ValueForProtocol(multiaddr.P_P2P)
	if err != nil {
		return nil, fmt.Errorf("relay circuit %s names no peer: %w", ma, err)
	}
	p, err := peer.Decode(id)
	if err != nil {
		return nil, err
	}
	addr, err := transport.ToNetAddr(relay)
	if err != nil {
		return nil, err
	}
	return &RelayAddr{Relay: addr, Peer: p}, nil
}

// SplitCandidates separates socket addresses from relay circuits.
// Addresses that are neither are skipped.
func SplitCandidates(addrs []multiaddr.Multiaddr) ([]net.Addr, []*RelayAddr) {
	var (
		direct  []net.Addr
		relayed []*RelayAddr
	)
	for _, ma := range addrs {
		if r, err := ParseRelayAddr(ma); err == nil {
			relayed = append(relayed, r)
			continue
		}
		if na, err := transport.ToNetAddr(ma); err == nil {
			direct = append(direct, na)
		}
	}
	return direct, relayed
}

type relayType uint8

const (
	relayRegister relayType = iota + 1
	relayRegisterAck
	relaySendPacket
	relayRecvPacket
	relayKeepalive
	relayKeepaliveAck
	relayDisconnect
	relayError
)

func (t relayType) String() string {
	switch t {
	case relayRegister:
		return "Register"
	case relayRegisterAck:
		return "RegisterAck"
	case relaySendPacket:
		return "SendPacket"
	case relayRecvPacket:
		return "RecvPacket"
	case relayKeepalive:
		return "Keepalive"
	case relayKeepaliveAck:
		return "KeepaliveAck"
	case relayDisconnect:
		return "Disconnect"
	case relayError:
		return "Error"
	default:
		return fmt.Sprintf("relayType(%d)", uint8(t))
	}
}

// RelayErrorCode is carried in relay Error messages.
type RelayErrorCode uint8

const (
	NotRegistered RelayErrorCode = iota + 1
	PeerNotFound
	RateLimited
	InvalidMessage
	ServerFull
	AuthFailed
	InternalError
)

func (c RelayErrorCode) String() string {
	switch c {
	case NotRegistered:
		return "not registered"
	case PeerNotFound:
		return "peer not found"
	case RateLimited:
		return "rate limited"
	case InvalidMessage:
		return "invalid message"
	case ServerFull:
		return "server full"
	case AuthFailed:
		return "authentication failed"
	case InternalError:
		return "internal error"
	default:
		return fmt.Sprintf("code %d", uint8(c))
	}
}

// RelayError is a relay's refusal.
type RelayError struct {
	Code RelayErrorCode
}

func (e *RelayError) Error() string { return "relay: " + e.Code.String() }

// ErrRelayNotConnected is returned when writing through a relay the node
// is not registered with.
var ErrRelayNotConnected = errors.New("nat: relay not connected")

// relayMessage is the CBOR body of a ClassRelay datagram. Peer is the
// registering client for Register, the destination for SendPacket and the
// source for RecvPacket.
type relayMessage struct {
	Type      relayType      `cbor:"1,keyasint"`
	Peer      []byte         `cbor:"2,keyasint,omitempty"`
	Timestamp int64          `cbor:"3,keyasint,omitempty"`
	Sig       []byte         `cbor:"4,keyasint,omitempty"`
	Payload   []byte         `cbor:"5,keyasint,omitempty"`
	Code      RelayErrorCode `cbor:"6,keyasint,omitempty"`
}

var (
	relayEnc cbor.EncMode
	relayDec cbor.DecMode
)

// maxRelayMessage bounds a relay datagram.
const maxRelayMessage = 64 * 1024

func init() {
	var err error
	if relayEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if relayDec, err = (cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16, MaxNestedLevels: 4, MaxByteStringLen: maxRelayMessage}).DecMode(); err != nil {
		panic(err)
	}
}

func encodeRelay(m *relayMessage) ([]byte, error) {
	b, err := relayEnc.Marshal(m)
	if err != nil {
		return nil, err
	}
	return transport.Encode(transport.ClassRelay, b), nil
}

func decodeRelay(b []byte) (*relayMessage, error) {
	if len(b) > maxRelayMessage {
		return nil, fmt.Errorf("relay message of %d bytes", len(b))
	}
	var m relayMessage
	if err := relayDec.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// registerPayload is what a Register signature covers.
func registerPayload(p peer.ID, timestamp int64) []byte {
	const label = "wraith-relay-register"
	b := make([]byte, 0, len(label)+len(p)+8)
	b = append(b, label...)
	b = append(b, p...)
	return binary.BigEndian.AppendUint64(b, uint64(timestamp))
}

// RelayHandler routes relay datagrams: client requests to s, relay
// replies to pool. Either may be nil.
func RelayHandler(s *RelayServer, pool *RelayPool) transport.Handler {
	return func(b []byte, from net.Addr) {
		m, err := decodeRelay(b)
		if err != nil {
			if s != nil {
				s.invalid(from)
			}
			return
		}
		switch m.Type {
		case relayRegister, relaySendPacket, relayKeepalive, relayDisconnect:
			if s != nil {
				s.handle(m, from)
			}
		default:
			if pool != nil {
				pool.handle(m, from)
			}
		}
	}
}
