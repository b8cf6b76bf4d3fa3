package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestController_ConcurrentSenders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	c := NewController(8, 2, 32)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg       sync.WaitGroup
		maxSeen  atomic.Int64
		inflight atomic.Int64
		acked    atomic.Int64
	)
	const senders, perSender = 16, 200

	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := c.Acquire(ctx); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				n := inflight.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				inflight.Add(-1)
				if (s+i)%17 == 0 {
					c.OnLoss()
				}
				c.OnAck()
				acked.Add(1)
			}
		}(s)
	}
	wg.Wait()

	if acked.Load() != senders*perSender {
		t.Errorf("expected %d acks, got %d", senders*perSender, acked.Load())
	}
	if maxSeen.Load() > 32 {
		t.Errorf("in-flight exceeded max window: %d", maxSeen.Load())
	}
	if c.InFlight() != 0 {
		t.Errorf("expected nothing in flight, got %d", c.InFlight())
	}
}
