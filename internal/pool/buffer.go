// Package pool recycles datagram buffers for the socket read loop and
// frame encoding, keeping per-packet allocations off the hot path.
package pool

import "sync"

const (
	// MTUBufferSize fits any datagram on a standard Ethernet path.
	MTUBufferSize = 1500

	// JumboBufferSize fits jumbo frames and relayed datagrams with their
	// relay envelope.
	JumboBufferSize = 9216

	// MaxDatagramSize is the largest UDP payload.
	MaxDatagramSize = 65535
)

// BufferPool hands out byte slices from three size classes.
// Buffers larger than MaxDatagramSize are never pooled.
type BufferPool struct {
	mtu   sync.Pool
	jumbo sync.Pool
	max   sync.Pool
}

func newClass(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, 0, size)
			return &buf
		},
	}
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		mtu:   newClass(MTUBufferSize),
		jumbo: newClass(JumboBufferSize),
		max:   newClass(MaxDatagramSize),
	}
}

// Get returns a zero-length buffer with at least size capacity.
func (p *BufferPool) Get(size int) *[]byte {
	var buf *[]byte
	switch {
	case size <= MTUBufferSize:
		buf = p.mtu.Get().(*[]byte)
	case size <= JumboBufferSize:
		buf = p.jumbo.Get().(*[]byte)
	case size <= MaxDatagramSize:
		buf = p.max.Get().(*[]byte)
	default:
		b := make([]byte, 0, size)
		return &b
	}
	*buf = (*buf)[:0]
	return buf
}

// GetFull returns a buffer whose length equals its size class, ready for
// a socket read.
func (p *BufferPool) GetFull(size int) *[]byte {
	buf := p.Get(size)
	*buf = (*buf)[:cap(*buf)]
	return buf
}

// Put returns buf to its size class. buf must not be used afterwards.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	*buf = (*buf)[:0]
	switch {
	case c == MTUBufferSize:
		p.mtu.Put(buf)
	case c == JumboBufferSize:
		p.jumbo.Put(buf)
	case c == MaxDatagramSize:
		p.max.Put(buf)
	}
}

var global = NewBufferPool()

// GetBuffer returns a buffer from the shared pool.
func GetBuffer(size int) *[]byte {
	return global.Get(size)
}

// GetReadBuffer returns a full-length MaxDatagramSize buffer from the shared pool.
func GetReadBuffer() *[]byte {
	return global.GetFull(MaxDatagramSize)
}

// PutBuffer returns a buffer to the shared pool.
func PutBuffer(buf *[]byte) {
	global.Put(buf)
}
