// Package backoff computes retry delays and runs retry loops for relay
// reconnection, DHT bootstrap and path establishment.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Calculator produces exponential backoff delays with ±10% jitter.
type Calculator struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// New creates a calculator.
func New(baseDelay, maxDelay time.Duration) *Calculator {
	return &Calculator{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
	}
}

// NextDelay returns the delay before the given attempt (0-based).
func (c *Calculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	// Jitter keeps peers that lost the same relay from retrying in step.
	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	delay += jitter
	if delay < 0 {
		delay = c.BaseDelay
	}
	return delay
}

// State tracks attempts for one retried operation.
type State struct {
	Attempts     int
	NextAttempt  time.Time
	CurrentDelay time.Duration
}

// ScheduleNext advances s to the next attempt.
func (c *Calculator) ScheduleNext(s *State) {
	s.CurrentDelay = c.NextDelay(s.Attempts)
	s.NextAttempt = time.Now().Add(s.CurrentDelay)
	s.Attempts++
}

// Reset clears the attempt count after a success.
func (s *State) Reset() {
	s.Attempts = 0
	s.CurrentDelay = 0
	s.NextAttempt = time.Time{}
}

// ShouldRetry reports whether another attempt is allowed. maxAttempts of 0
// means unlimited.
func ShouldRetry(attempts, maxAttempts int) bool {
	if maxAttempts == 0 {
		return true
	}
	return attempts < maxAttempts
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, maxAttempts is reached or ctx ends,
// sleeping between attempts. It returns the last error.
func (c *Calculator) Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var s State
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		c.ScheduleNext(&s)
		if !ShouldRetry(s.Attempts, maxAttempts) {
			return err
		}
		timer := time.NewTimer(s.CurrentDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
