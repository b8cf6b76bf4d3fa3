// Package eventdispatch delivers node events to a buffered channel
// without ever blocking the emitter.
package eventdispatch

import (
	"sync"
	"sync/atomic"
)

// Dispatcher fans events of type T into a buffered channel. Sends are
// non-blocking so a slow consumer cannot stall the protocol goroutines
// that emit; events that do not fit are counted and dropped.
type Dispatcher[T any] struct {
	events  chan T
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	return &Dispatcher[T]{
		events: make(chan T, bufferSize),
	}
}

// Emit delivers event if there is room and reports whether it did.
func (d *Dispatcher[T]) Emit(event T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	select {
	case d.events <- event:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Events returns the channel to consume. It is closed by Close.
func (d *Dispatcher[T]) Events() <-chan T {
	return d.events
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (d *Dispatcher[T]) Dropped() uint64 {
	return d.dropped.Load()
}

// Close closes the events channel. It is safe to call Close multiple times.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.events)
	}
}

// IsClosed returns true if the dispatcher has been closed.
func (d *Dispatcher[T]) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
