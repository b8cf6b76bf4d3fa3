package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_SizeClasses(t *testing.T) {
	p := NewBufferPool()

	tests := []struct {
		size    int
		wantCap int
	}{
		{0, MTUBufferSize},
		{1200, MTUBufferSize},
		{MTUBufferSize, MTUBufferSize},
		{MTUBufferSize + 1, JumboBufferSize},
		{JumboBufferSize + 1, MaxDatagramSize},
		{MaxDatagramSize + 1, MaxDatagramSize + 1},
	}
	for _, tt := range tests {
		buf := p.Get(tt.size)
		assert.Len(t, *buf, 0)
		assert.Equal(t, tt.wantCap, cap(*buf), "size %d", tt.size)
		p.Put(buf)
	}
}

func TestBufferPool_GetFull(t *testing.T) {
	p := NewBufferPool()
	buf := p.GetFull(100)
	assert.Len(t, *buf, MTUBufferSize)
	p.Put(buf)

	again := p.Get(10)
	assert.Len(t, *again, 0, "Put must reset length")
}

func TestBufferPool_PutNilAndForeign(t *testing.T) {
	p := NewBufferPool()
	p.Put(nil)
	odd := make([]byte, 0, 777)
	p.Put(&odd)
}

func TestGlobalPool(t *testing.T) {
	buf := GetReadBuffer()
	assert.Len(t, *buf, MaxDatagramSize)
	PutBuffer(buf)
	small := GetBuffer(64)
	assert.GreaterOrEqual(t, cap(*small), 64)
	PutBuffer(small)
}

func BenchmarkBufferPool_GetPut(b *testing.B) {
	p := NewBufferPool()
	for i := 0; i < b.N; i++ {
		buf := p.Get(1200)
		p.Put(buf)
	}
}
