package transfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

func TestRoot(t *testing.T) {
	a, b, c := LeafHash([]byte("a")), LeafHash([]byte("b")), LeafHash([]byte("c"))

	assert.Equal(t, LeafHash(nil), Root(nil))
	assert.Equal(t, a, Root([]crypto.Hash{a}))
	assert.Equal(t, NodeHash(a, b), Root([]crypto.Hash{a, b}))
	// The odd node is promoted unchanged.
	assert.Equal(t, NodeHash(NodeHash(a, b), c), Root([]crypto.Hash{a, b, c}))
	assert.NotEqual(t, Root([]crypto.Hash{a, b}), Root([]crypto.Hash{b, a}))
}

func TestLeafAndNodeDomainsDiffer(t *testing.T) {
	a, b := LeafHash([]byte("a")), LeafHash([]byte("b"))
	joined := append(append([]byte{}, a[:]...), b[:]...)
	assert.NotEqual(t, NodeHash(a, b), LeafHash(joined))
}

func TestCIDRoundTrip(t *testing.T) {
	root := LeafHash([]byte("content"))
	c, err := CIDFromRoot(root)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, uint64(cid.Raw), c.Type())

	got, err := RootFromCID(c)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	parsed, err := ParseCID(c.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equals(c))
}

func TestRootFromCIDRejectsOtherHashes(t *testing.T) {
	digest, err := mh.Sum([]byte("x"), mh.SHA2_256, -1)
	require.NoError(t, err)
	_, err = RootFromCID(cid.NewCidV1(cid.Raw, digest))
	assert.ErrorIs(t, err, ErrInvalidCID)

	_, err = RootFromCID(cid.Undef)
	assert.ErrorIs(t, err, ErrInvalidCID)

	_, err = ParseCID("not-a-cid")
	assert.ErrorIs(t, err, ErrInvalidCID)
}

func TestChunkCountAndBounds(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0, 16))
	assert.Equal(t, 1, ChunkCount(16, 16))
	assert.Equal(t, 2, ChunkCount(17, 16))

	off, n := ChunkBounds(1, 40, 16)
	assert.Equal(t, int64(16), off)
	assert.Equal(t, 16, n)
	off, n = ChunkBounds(2, 40, 16)
	assert.Equal(t, int64(32), off)
	assert.Equal(t, 8, n)
	_, n = ChunkBounds(0, 0, 16)
	assert.Zero(t, n)
}

func TestBuildManifest(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 1000)
	m, err := BuildManifest(context.Background(), bytes.NewReader(content), uint64(len(content)), "digits", 1024, 4)
	require.NoError(t, err)
	require.Len(t, m.Hashes, 10)

	var leaves []crypto.Hash
	for off := 0; off < len(content); off += 1024 {
		leaves = append(leaves, LeafHash(content[off:min(off+1024, len(content))]))
	}
	assert.Equal(t, leaves, m.Hashes)
	want, err := CIDFromRoot(Root(leaves))
	require.NoError(t, err)
	assert.True(t, want.Equals(m.CID))

	// Parallelism does not change the result.
	serial, err := BuildManifest(context.Background(), bytes.NewReader(content), uint64(len(content)), "digits", 1024, 1)
	require.NoError(t, err)
	assert.True(t, serial.CID.Equals(m.CID))
}

func TestEmptyContentIsOneEmptyChunk(t *testing.T) {
	m, err := BuildManifest(context.Background(), bytes.NewReader(nil), 0, "empty", 16, 0)
	require.NoError(t, err)
	require.Len(t, m.Hashes, 1)
	assert.Equal(t, LeafHash(nil), m.Hashes[0])
}

func TestVerifyContent(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	m, err := BuildManifest(context.Background(), bytes.NewReader(content), uint64(len(content)), "", 8, 0)
	require.NoError(t, err)
	require.NoError(t, VerifyContent(context.Background(), bytes.NewReader(content), uint64(len(content)), 8, m.CID))

	content[3] ^= 1
	err = VerifyContent(context.Background(), bytes.NewReader(content), uint64(len(content)), 8, m.CID)
	assert.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestBuildManifestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	content := make([]byte, 1<<16)
	_, err := BuildManifest(ctx, bytes.NewReader(content), uint64(len(content)), "", 1024, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
