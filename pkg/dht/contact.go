package dht

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// maxAddrs bounds the addresses accepted in one peer record.
const maxAddrs = 8

// ErrInvalidPeerInfo is returned for peer records whose key does not match
// their ID or whose addresses do not parse.
var ErrInvalidPeerInfo = errors.New("dht: invalid peer info")

// PeerInfo is the wire form of a peer record.
type PeerInfo struct {
	ID     []byte   `cbor:"1,keyasint"`
	PubKey []byte   `cbor:"2,keyasint"`
	Addrs  [][]byte `cbor:"3,keyasint,omitempty"`
}

// Contact is a peer known to the DHT. Contacts are held by value; sessions
// look addresses up by peer ID rather than keeping references.
type Contact struct {
	PeerID peer.ID
	ID     ID
	PubKey ed25519.PublicKey
	// Addrs are the peer's advertised addresses, including relay circuits.
	Addrs []multiaddr.Multiaddr
	// Addr is where the DHT reaches the peer: the observed source address
	// when the peer contacted us, otherwise its first dialable address.
	Addr     net.Addr
	LastSeen time.Time
	Failures int
}

// Info converts c to its wire form.
func (c Contact) Info() PeerInfo {
	info := PeerInfo{ID: []byte(c.PeerID), PubKey: c.PubKey}
	for _, a := range c.Addrs {
		info.Addrs = append(info.Addrs, a.Bytes())
	}
	return info
}

// ContactFromInfo validates a wire record. The peer ID must be derived
// from the public key.
func ContactFromInfo(info PeerInfo) (Contact, error) {
	pid, err := peer.IDFromBytes(info.ID)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %w", ErrInvalidPeerInfo, err)
	}
	if len(info.PubKey) != ed25519.PublicKeySize {
		return Contact{}, fmt.Errorf("%w: public key size %d", ErrInvalidPeerInfo, len(info.PubKey))
	}
	pub := ed25519.PublicKey(append([]byte(nil), info.PubKey...))
	derived, err := crypto.PeerIDFromPublicKey(pub)
	if err != nil || derived != pid {
		return Contact{}, fmt.Errorf("%w: key does not match %s", ErrInvalidPeerInfo, pid)
	}

	c := Contact{PeerID: pid, ID: IDFromPeer(pid), PubKey: pub}
	for i, b := range info.Addrs {
		if i == maxAddrs {
			break
		}
		a, err := multiaddr.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		c.Addrs = append(c.Addrs, a)
		if c.Addr == nil {
			if na, err := transport.ToNetAddr(a); err == nil {
				c.Addr = na
			}
		}
	}
	return c, nil
}

// DialAddrs returns the addresses of c reachable on a socket, observed
// address first.
func (c Contact) DialAddrs() []net.Addr {
	var out []net.Addr
	if c.Addr != nil {
		out = append(out, c.Addr)
	}
	for _, a := range c.Addrs {
		na, err := transport.ToNetAddr(a)
		if err != nil {
			continue
		}
		dup := false
		for _, o := range out {
			if transport.SameAddr(o, na) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, na)
		}
	}
	return out
}
