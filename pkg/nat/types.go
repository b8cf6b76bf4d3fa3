// Package nat finds a reachable path to a peer. It classifies the local
// NAT with STUN probes against peer-run reflectors, punches holes with
// coordinated probes signaled through a relay, and falls back to relaying
// datagrams through a cooperating peer.
package nat

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Type is the NAT behavior observed from the local socket.
type Type uint8

const (
	Unknown Type = iota
	// None means the socket's address is publicly reachable.
	None
	FullCone
	RestrictedCone
	PortRestrictedCone
	Symmetric
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case FullCone:
		return "full-cone"
	case RestrictedCone:
		return "restricted-cone"
	case PortRestrictedCone:
		return "port-restricted-cone"
	case Symmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ParseType parses the String form of a Type.
func ParseType(s string) (Type, error) {
	for t := Unknown; t <= Symmetric; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown NAT type %q", s)
}

// Punchable reports whether hole punching between a and b can work.
// Two symmetric NATs never can.
func Punchable(a, b Type) bool {
	return !(a == Symmetric && b == Symmetric)
}

// PathKind is how a path reaches the peer.
type PathKind uint8

const (
	Direct PathKind = iota + 1
	Punched
	Relayed
)

func (k PathKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Punched:
		return "punched"
	case Relayed:
		return "relayed"
	default:
		return fmt.Sprintf("PathKind(%d)", uint8(k))
	}
}

// Path is an address at which a peer answered.
type Path struct {
	Kind PathKind
	Peer peer.ID
	Addr net.Addr
	RTT  time.Duration
}

var (
	// ErrUnreachable is returned when direct, punched and relayed
	// attempts all failed.
	ErrUnreachable = errors.New("nat: peer unreachable")
	// ErrNoReflector is returned when no reflector answered.
	ErrNoReflector = errors.New("nat: no reflector answered")
	// ErrTimeout is returned when a probe goes unanswered.
	ErrTimeout = errors.New("nat: probe timed out")
	// ErrNotPunchable is returned when both sides are behind symmetric
	// NATs.
	ErrNotPunchable = errors.New("nat: both peers behind symmetric NAT")
	// ErrNoMapping is returned when punching before detection found the
	// public mapping.
	ErrNoMapping = errors.New("nat: local mapping unknown")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("nat: closed")
)
