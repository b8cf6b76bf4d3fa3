package transfer

import "math/bits"

// Range is a half-open span of chunk indices.
type Range struct {
	_     struct{} `cbor:",toarray"`
	Start uint32
	End   uint32
}

// Len returns the number of chunks in r.
func (r Range) Len() int { return int(r.End - r.Start) }

// ChunkSet is a fixed-size bitmap of chunk indices.
type ChunkSet struct {
	n    int
	bits []uint64
}

// NewChunkSet creates an empty set for n chunks.
func NewChunkSet(n int) *ChunkSet {
	return &ChunkSet{n: n, bits: make([]uint64, (n+63)/64)}
}

// ChunkSetFromBytes restores a set saved with Bytes. Extra bits are
// ignored; a short buffer leaves the remaining chunks unset.
func ChunkSetFromBytes(n int, b []byte) *ChunkSet {
	s := NewChunkSet(n)
	for i := 0; i < n && i/8 < len(b); i++ {
		if b[i/8]&(1<<(i%8)) != 0 {
			s.Set(i)
		}
	}
	return s
}

// Len returns the capacity of the set.
func (s *ChunkSet) Len() int { return s.n }

// Set adds i.
func (s *ChunkSet) Set(i int) {
	if i >= 0 && i < s.n {
		s.bits[i/64] |= 1 << (i % 64)
	}
}

// Clear removes i.
func (s *ChunkSet) Clear(i int) {
	if i >= 0 && i < s.n {
		s.bits[i/64] &^= 1 << (i % 64)
	}
}

// Has reports whether i is in the set.
func (s *ChunkSet) Has(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.bits[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of members.
func (s *ChunkSet) Count() int {
	c := 0
	for _, w := range s.bits {
		c += bits.OnesCount64(w)
	}
	return c
}

// Full reports whether every chunk is present.
func (s *ChunkSet) Full() bool {
	return s.Count() == s.n
}

// Missing returns the absent chunks as ranges.
func (s *ChunkSet) Missing() []Range {
	var out []Range
	start := -1
	for i := 0; i < s.n; i++ {
		if !s.Has(i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, Range{Start: uint32(start), End: uint32(i)})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Range{Start: uint32(start), End: uint32(s.n)})
	}
	return out
}

// Bytes encodes the set as a little-endian bitmap.
func (s *ChunkSet) Bytes() []byte {
	b := make([]byte, (s.n+7)/8)
	for i := 0; i < s.n; i++ {
		if s.Has(i) {
			b[i/8] |= 1 << (i % 8)
		}
	}
	return b
}
