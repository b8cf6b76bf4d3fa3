package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCalculator_NextDelay(t *testing.T) {
	c := New(1*time.Second, 1*time.Minute)

	tests := []struct {
		attempt  int
		minDelay time.Duration
		maxDelay time.Duration
	}{
		{0, 0, 2 * time.Second},
		{1, time.Second, 3 * time.Second},
		{2, 3 * time.Second, 5 * time.Second},
		{3, 7 * time.Second, 9 * time.Second},
		{10, 54 * time.Second, 66 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			delay := c.NextDelay(tt.attempt)
			if delay < tt.minDelay || delay > tt.maxDelay {
				t.Errorf("NextDelay(%d) = %v, want between %v and %v",
					tt.attempt, delay, tt.minDelay, tt.maxDelay)
			}
		})
	}
}

func TestCalculator_NextDelay_NegativeAttempt(t *testing.T) {
	c := New(1*time.Second, 1*time.Minute)

	delay := c.NextDelay(-1)
	if delay < 0 || delay > 2*time.Second {
		t.Errorf("NextDelay(-1) = %v, should treat as attempt 0", delay)
	}
}

func TestCalculator_ScheduleNext(t *testing.T) {
	c := New(1*time.Second, 1*time.Minute)
	var s State

	before := time.Now()
	c.ScheduleNext(&s)

	if s.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", s.Attempts)
	}
	if s.NextAttempt.Before(before) {
		t.Error("NextAttempt should be in the future")
	}

	c.ScheduleNext(&s)
	if s.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", s.Attempts)
	}

	s.Reset()
	if s.Attempts != 0 || !s.NextAttempt.IsZero() {
		t.Errorf("Reset left %+v", s)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		attempts, max int
		want          bool
	}{
		{0, 0, true},
		{100, 0, true},
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
	}
	for _, tt := range tests {
		if got := ShouldRetry(tt.attempts, tt.max); got != tt.want {
			t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tt.attempts, tt.max, got, tt.want)
		}
	}
}

func TestRetry(t *testing.T) {
	c := New(time.Millisecond, 4*time.Millisecond)

	calls := 0
	err := c.Retry(context.Background(), 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	c := New(time.Millisecond, 2*time.Millisecond)
	boom := errors.New("boom")

	calls := 0
	err := c.Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	c := New(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.Retry(ctx, 0, func(context.Context) error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
}

func TestRetry_Permanent(t *testing.T) {
	c := New(time.Millisecond, 2*time.Millisecond)
	denied := errors.New("denied")

	calls := 0
	err := c.Retry(context.Background(), 5, func(context.Context) error {
		calls++
		return Permanent(fmt.Errorf("attempt %d: %w", calls, denied))
	})
	if !errors.Is(err, denied) {
		t.Errorf("err = %v, want denied", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
