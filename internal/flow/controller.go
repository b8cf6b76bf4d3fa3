// Package flow provides congestion-window flow control for bulk senders.
package flow

import (
	"context"
	"sync"
	"time"
)

// Default window values, in units (chunks).
const (
	DefaultInitialWindow = 16
	DefaultMinWindow     = 2
	DefaultMaxWindow     = 1024
)

// Controller is an AIMD congestion window. A sender acquires one unit per
// chunk in flight; acknowledgements grow the window (exponentially below
// the slow-start threshold, additively above it) and losses halve it.
// When the units in flight reach the window, Acquire blocks.
// All methods are safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	cwnd     float64
	ssthresh float64
	min      float64
	max      float64
	inflight int
	closed   bool

	lastLoss     time.Time
	lossCooldown time.Duration
	losses       uint64

	// unblockCh is closed whenever capacity may have become available.
	// A new channel is created after each broadcast.
	unblockCh chan struct{}

	onLoss func(window int)
}

// NewController creates a window starting at initial units, bounded to
// [min, max]. Non-positive values take the defaults.
func NewController(initial, min, max int) *Controller {
	if min <= 0 {
		min = DefaultMinWindow
	}
	if max <= 0 {
		max = DefaultMaxWindow
	}
	if max < min {
		max = min
	}
	if initial <= 0 {
		initial = DefaultInitialWindow
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &Controller{
		cwnd:         float64(initial),
		ssthresh:     float64(max),
		min:          float64(min),
		max:          float64(max),
		lossCooldown: 100 * time.Millisecond,
		unblockCh:    make(chan struct{}),
	}
}

// SetLossCallback sets a callback invoked with the new window after each
// multiplicative decrease. This is useful for metrics.
func (c *Controller) SetLossCallback(fn func(window int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLoss = fn
}

// SetLossCooldown sets how long after one decrease further losses are
// ignored, so a burst from the same round trip halves the window once.
func (c *Controller) SetLossCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossCooldown = d
}

// Acquire takes one unit of the window, blocking while the window is full.
// Returns context.Canceled if the controller is closed.
func (c *Controller) Acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return context.Canceled
		}
		if float64(c.inflight) < c.cwnd {
			c.inflight++
			c.mu.Unlock()
			return nil
		}
		waitCh := c.unblockCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCh:
		}
	}
}

// TryAcquire takes one unit if the window has room.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || float64(c.inflight) >= c.cwnd {
		return false
	}
	c.inflight++
	return true
}

// OnAck releases one unit and grows the window.
func (c *Controller) OnAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
	if c.cwnd < c.ssthresh {
		c.cwnd++
	} else {
		c.cwnd += 1 / c.cwnd
	}
	if c.cwnd > c.max {
		c.cwnd = c.max
	}
	c.broadcast()
}

// OnLoss records a lost unit. The unit stays in flight because the sender
// retransmits it; call Release if it is abandoned instead.
func (c *Controller) OnLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !c.lastLoss.IsZero() && now.Sub(c.lastLoss) < c.lossCooldown {
		return
	}
	c.lastLoss = now
	c.losses++
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < c.min {
		c.ssthresh = c.min
	}
	c.cwnd = c.ssthresh
	if c.onLoss != nil {
		c.onLoss(int(c.cwnd))
	}
}

// Release returns one unit without treating it as an acknowledgement.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
	c.broadcast()
}

func (c *Controller) release() {
	if c.inflight > 0 {
		c.inflight--
	}
}

func (c *Controller) broadcast() {
	if c.closed {
		return
	}
	close(c.unblockCh)
	c.unblockCh = make(chan struct{})
}

// Window returns the current window in whole units.
func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.cwnd)
}

// InFlight returns the number of acquired units.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Losses returns the number of multiplicative decreases.
func (c *Controller) Losses() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.losses
}

// Close unblocks every waiting Acquire.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.unblockCh)
}
