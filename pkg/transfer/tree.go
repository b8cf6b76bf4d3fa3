package transfer

import (
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// Domain separation prefixes for the hash tree.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// LeafHash hashes one chunk.
func LeafHash(chunk []byte) crypto.Hash {
	return crypto.Sum([]byte{leafPrefix}, chunk)
}

// NodeHash combines two child hashes.
func NodeHash(left, right crypto.Hash) crypto.Hash {
	return crypto.Sum([]byte{nodePrefix}, left[:], right[:])
}

// Root folds leaf hashes bottom-up into the tree root. A level with an odd
// number of nodes promotes its last node unchanged. Root of no leaves is
// the leaf hash of an empty chunk.
func Root(leaves []crypto.Hash) crypto.Hash {
	if len(leaves) == 0 {
		return LeafHash(nil)
	}
	level := append([]crypto.Hash(nil), leaves...)
	for len(level) > 1 {
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, NodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}
