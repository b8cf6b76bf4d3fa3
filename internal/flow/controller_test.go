package flow

import (
	"context"
	"testing"
	"time"
)

func TestNewController_Defaults(t *testing.T) {
	c := NewController(0, 0, 0)

	if c.Window() != DefaultInitialWindow {
		t.Errorf("expected window %d, got %d", DefaultInitialWindow, c.Window())
	}
	if c.min != DefaultMinWindow || c.max != DefaultMaxWindow {
		t.Errorf("unexpected bounds [%v, %v]", c.min, c.max)
	}
}

func TestNewController_Clamps(t *testing.T) {
	c := NewController(100, 4, 8)
	if c.Window() != 8 {
		t.Errorf("expected initial clamped to 8, got %d", c.Window())
	}

	c = NewController(1, 4, 8)
	if c.Window() != 4 {
		t.Errorf("expected initial raised to 4, got %d", c.Window())
	}

	c = NewController(4, 10, 5)
	if c.max != 10 {
		t.Errorf("expected max raised to min, got %v", c.max)
	}
}

func TestController_BlocksWhenFull(t *testing.T) {
	c := NewController(2, 1, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	if c.TryAcquire() {
		t.Fatal("TryAcquire should fail when the window is full")
	}

	done := make(chan error, 1)
	go func() { done <- c.Acquire(ctx) }()

	select {
	case <-done:
		t.Fatal("Acquire should block")
	case <-time.After(20 * time.Millisecond):
	}

	c.OnAck()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire not unblocked by ack")
	}
}

func TestController_SlowStartThenAdditive(t *testing.T) {
	c := NewController(2, 1, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = c.Acquire(ctx)
		c.OnAck()
	}
	if c.Window() != 6 {
		t.Errorf("expected slow start to reach 6, got %d", c.Window())
	}

	c.OnLoss()
	if c.Window() != 3 {
		t.Errorf("expected halving to 3, got %d", c.Window())
	}

	// Above ssthresh growth is about one unit per window of acks.
	for i := 0; i < 3; i++ {
		_ = c.Acquire(ctx)
		c.OnAck()
	}
	if w := c.Window(); w != 3 && w != 4 {
		t.Errorf("expected additive growth to 3 or 4, got %d", w)
	}
}

func TestController_LossCooldown(t *testing.T) {
	c := NewController(64, 1, 128)
	c.SetLossCooldown(time.Hour)

	var windows []int
	c.SetLossCallback(func(w int) { windows = append(windows, w) })

	c.OnLoss()
	c.OnLoss()
	c.OnLoss()

	if c.Losses() != 1 {
		t.Errorf("expected one decrease, got %d", c.Losses())
	}
	if len(windows) != 1 || windows[0] != 32 {
		t.Errorf("unexpected callback windows %v", windows)
	}
}

func TestController_FloorAndCeiling(t *testing.T) {
	c := NewController(4, 2, 5)
	c.SetLossCooldown(0)
	for i := 0; i < 10; i++ {
		c.OnLoss()
	}
	if c.Window() != 2 {
		t.Errorf("expected floor 2, got %d", c.Window())
	}
	for i := 0; i < 50; i++ {
		c.OnAck()
	}
	if c.Window() != 5 {
		t.Errorf("expected ceiling 5, got %d", c.Window())
	}
}

func TestController_ContextCancel(t *testing.T) {
	c := NewController(1, 1, 1)
	_ = c.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestController_CloseUnblocks(t *testing.T) {
	c := NewController(1, 1, 1)
	_ = c.Acquire(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Acquire")
	}
	c.Close()
}

func TestController_ReleaseDoesNotGrow(t *testing.T) {
	c := NewController(4, 1, 10)
	_ = c.Acquire(context.Background())
	c.Release()
	if c.Window() != 4 || c.InFlight() != 0 {
		t.Errorf("window %d inflight %d", c.Window(), c.InFlight())
	}
	c.Release()
	if c.InFlight() != 0 {
		t.Error("inflight went negative")
	}
}
