package transfer

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// ErrInvalidCID indicates a CID that is not a BLAKE3 tree root.
var ErrInvalidCID = errors.New("transfer: invalid content identifier")

// CIDFromRoot wraps a tree root as a CIDv1 with the raw codec and a
// BLAKE3 multihash.
func CIDFromRoot(root crypto.Hash) (cid.Cid, error) {
	digest, err := mh.Encode(root[:], mh.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

// RootFromCID extracts the tree root from a CID produced by CIDFromRoot.
func RootFromCID(c cid.Cid) (crypto.Hash, error) {
	if !c.Defined() {
		return crypto.Hash{}, fmt.Errorf("%w: undefined", ErrInvalidCID)
	}
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("%w: %w", ErrInvalidCID, err)
	}
	if dec.Code != mh.BLAKE3 || len(dec.Digest) != crypto.HashSize {
		return crypto.Hash{}, fmt.Errorf("%w: multihash %s/%d", ErrInvalidCID, dec.Name, len(dec.Digest))
	}
	var root crypto.Hash
	copy(root[:], dec.Digest)
	return root, nil
}

// ParseCID decodes a CID string and checks that it names a tree root.
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %w", ErrInvalidCID, err)
	}
	if _, err := RootFromCID(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
