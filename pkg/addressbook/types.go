// Package addressbook persists what a node knows about other peers: their
// addresses, their long-term public keys once a handshake has proven
// them, the path that last worked and whether they are blacklisted.
package addressbook

import (
	"crypto/ed25519"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerEntry is one peer in the book.
type PeerEntry struct {
	PeerID peer.ID

	// Addrs are the peer's known addresses, including relay circuits.
	Addrs []multiaddr.Multiaddr

	// PublicKey is set after a successful handshake.
	PublicKey ed25519.PublicKey

	// LastPath is the kind of path ("direct", "punched", "relayed") used
	// by the last session.
	LastPath string

	Blacklisted bool

	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the entry.
func (p *PeerEntry) Clone() *PeerEntry {
	if p == nil {
		return nil
	}
	c := *p
	if len(p.Addrs) > 0 {
		c.Addrs = append([]multiaddr.Multiaddr(nil), p.Addrs...)
	}
	if len(p.PublicKey) > 0 {
		c.PublicKey = append(ed25519.PublicKey(nil), p.PublicKey...)
	}
	return &c
}

// record is the on-disk form of an entry. Addresses are kept in their
// binary multiaddr encoding.
type record struct {
	PeerID      []byte   `cbor:"1,keyasint"`
	Addrs       [][]byte `cbor:"2,keyasint,omitempty"`
	PublicKey   []byte   `cbor:"3,keyasint,omitempty"`
	LastPath    string   `cbor:"4,keyasint,omitempty"`
	Blacklisted bool     `cbor:"5,keyasint,omitempty"`
	LastSeen    int64    `cbor:"6,keyasint,omitempty"`
	CreatedAt   int64    `cbor:"7,keyasint"`
	UpdatedAt   int64    `cbor:"8,keyasint"`
}

// bookData is the file format.
type bookData struct {
	Version int      `cbor:"1,keyasint"`
	Peers   []record `cbor:"2,keyasint"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toRecord(p *PeerEntry) record {
	r := record{
		PeerID:      []byte(p.PeerID),
		PublicKey:   p.PublicKey,
		LastPath:    p.LastPath,
		Blacklisted: p.Blacklisted,
		LastSeen:    unixMilli(p.LastSeen),
		CreatedAt:   unixMilli(p.CreatedAt),
		UpdatedAt:   unixMilli(p.UpdatedAt),
	}
	for _, a := range p.Addrs {
		r.Addrs = append(r.Addrs, a.Bytes())
	}
	return r
}

// fromRecord decodes a record, skipping addresses that no longer parse.
func fromRecord(r record) (*PeerEntry, error) {
	id, err := peer.IDFromBytes(r.PeerID)
	if err != nil {
		return nil, err
	}
	p := &PeerEntry{
		PeerID:      id,
		LastPath:    r.LastPath,
		Blacklisted: r.Blacklisted,
		LastSeen:    fromUnixMilli(r.LastSeen),
		CreatedAt:   fromUnixMilli(r.CreatedAt),
		UpdatedAt:   fromUnixMilli(r.UpdatedAt),
	}
	if len(r.PublicKey) == ed25519.PublicKeySize {
		p.PublicKey = ed25519.PublicKey(r.PublicKey)
	}
	for _, b := range r.Addrs {
		ma, err := multiaddr.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		p.Addrs = append(p.Addrs, ma)
	}
	return p, nil
}
