package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// IDBits is the size of the key space.
const IDBits = crypto.HashSize * 8

// ID is a point in the DHT key space.
type ID [crypto.HashSize]byte

// IDFromPeer maps a peer to its node ID.
func IDFromPeer(p peer.ID) ID {
	return ID(crypto.Sum([]byte(p)))
}

// KeyForCID maps content to the key its providers are stored under.
func KeyForCID(c cid.Cid) ID {
	return ID(crypto.Sum(c.Bytes()))
}

// Xor returns the XOR distance between a and b.
func (a ID) Xor(b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits a and b share.
func (a ID) CommonPrefixLen(b ID) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

func (a ID) String() string {
	return hex.EncodeToString(a[:8])
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b ID) bool {
	da, db := a.Xor(target), b.Xor(target)
	return bytes.Compare(da[:], db[:]) < 0
}

// SortByDistance orders contacts by distance to target, closest first.
func SortByDistance(target ID, cs []Contact) {
	sort.SliceStable(cs, func(i, j int) bool {
		return Closer(target, cs[i].ID, cs[j].ID)
	})
}

// randomIDInBucket returns a random ID sharing exactly prefix bits with self.
func randomIDInBucket(self ID, prefix int) ID {
	var id ID
	_, _ = rand.Read(id[:])
	if prefix >= IDBits {
		return self
	}
	for i := 0; i < prefix; i++ {
		setBit(&id, i, bit(self, i))
	}
	setBit(&id, prefix, 1-bit(self, prefix))
	return id
}

func bit(id ID, i int) byte {
	return (id[i/8] >> (7 - i%8)) & 1
}

func setBit(id *ID, i int, v byte) {
	mask := byte(1) << (7 - i%8)
	if v == 1 {
		id[i/8] |= mask
	} else {
		id[i/8] &^= mask
	}
}
