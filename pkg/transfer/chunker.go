package transfer

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// Manifest describes chunked content: its leaf hashes and the CID they
// build.
type Manifest struct {
	Name      string
	Size      uint64
	ChunkSize int
	Hashes    []crypto.Hash
	CID       cid.Cid
}

// ChunkCount returns the number of chunks for size bytes. Empty content
// is a single empty chunk.
func ChunkCount(size uint64, chunkSize int) int {
	return int(chunkCount(size, chunkSize))
}

// chunkCount does not overflow for any size. Callers holding untrusted
// sizes compare the result before converting it to int.
func chunkCount(size uint64, chunkSize int) uint64 {
	if size == 0 {
		return 1
	}
	cs := uint64(chunkSize)
	n := size / cs
	if size%cs != 0 {
		n++
	}
	return n
}

// ChunkBounds returns the offset and length of chunk i.
func ChunkBounds(i int, size uint64, chunkSize int) (int64, int) {
	off := uint64(i) * uint64(chunkSize)
	if off >= size {
		return int64(off), 0
	}
	n := size - off
	if n > uint64(chunkSize) {
		n = uint64(chunkSize)
	}
	return int64(off), int(n)
}

// ReadChunk reads chunk i from r.
func ReadChunk(r io.ReaderAt, i int, size uint64, chunkSize int) ([]byte, error) {
	off, n := ChunkBounds(i, size, chunkSize)
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, off); err != nil && !(err == io.EOF && len(buf) == n) {
		return nil, fmt.Errorf("read chunk %d: %w", i, err)
	}
	return buf, nil
}

// BuildManifest hashes every chunk of r, using up to workers goroutines.
func BuildManifest(ctx context.Context, r io.ReaderAt, size uint64, name string, chunkSize, workers int) (*Manifest, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	count := ChunkCount(size, chunkSize)
	hashes := make([]crypto.Hash, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunk, err := ReadChunk(r, i, size, chunkSize)
			if err != nil {
				return err
			}
			hashes[i] = LeafHash(chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c, err := CIDFromRoot(Root(hashes))
	if err != nil {
		return nil, err
	}
	return &Manifest{
		Name:      name,
		Size:      size,
		ChunkSize: chunkSize,
		Hashes:    hashes,
		CID:       c,
	}, nil
}

// VerifyContent rebuilds the tree over r and compares it with want.
func VerifyContent(ctx context.Context, r io.ReaderAt, size uint64, chunkSize int, want cid.Cid) error {
	m, err := BuildManifest(ctx, r, size, "", chunkSize, 0)
	if err != nil {
		return err
	}
	if !m.CID.Equals(want) {
		return fmt.Errorf("%w: content hashes to %s, want %s", ErrIntegrityFailure, m.CID, want)
	}
	return nil
}
