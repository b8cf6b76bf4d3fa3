package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkSet(t *testing.T) {
	s := NewChunkSet(130)
	assert.Equal(t, []Range{{Start: 0, End: 130}}, s.Missing())

	for _, i := range []int{0, 1, 2, 64, 129} {
		s.Set(i)
	}
	s.Set(500)
	assert.Equal(t, 5, s.Count())
	assert.True(t, s.Has(64))
	assert.False(t, s.Has(63))
	assert.False(t, s.Has(-1))
	assert.Equal(t, []Range{{Start: 3, End: 64}, {Start: 65, End: 129}}, s.Missing())

	restored := ChunkSetFromBytes(130, s.Bytes())
	assert.Equal(t, s.Missing(), restored.Missing())

	s.Clear(64)
	assert.False(t, s.Has(64))
	assert.False(t, s.Full())
}

func TestChunkSetFull(t *testing.T) {
	s := NewChunkSet(3)
	for i := 0; i < 3; i++ {
		s.Set(i)
	}
	assert.True(t, s.Full())
	assert.Empty(t, s.Missing())
}

func TestChunkSetFromShortBytes(t *testing.T) {
	s := ChunkSetFromBytes(20, []byte{0xFF})
	assert.Equal(t, 8, s.Count())
	assert.Equal(t, []Range{{Start: 8, End: 20}}, s.Missing())
}
