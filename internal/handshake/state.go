// Package handshake tracks the progress of a single handshake attempt and
// bounds how many times each message may be retransmitted.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Step is the position of an attempt within the three-message exchange.
type Step int

const (
	// StepInit is the state before Message1 is sent.
	StepInit Step = iota

	// StepSentMessage1 means Message1 is out and Message2 is awaited.
	StepSentMessage1

	// StepReceivedMessage2 means Message2 verified and Message3 is being built.
	StepReceivedMessage2

	// StepSentMessage3 means Message3 is out; the initiator waits for the
	// first authenticated frame from the responder.
	StepSentMessage3

	// StepComplete means the session is confirmed by both sides.
	StepComplete

	// StepFailed is terminal; a new attempt needs a fresh ephemeral key.
	StepFailed
)

// String returns a human-readable name for the step.
func (s Step) String() string {
	switch s {
	case StepInit:
		return "Init"
	case StepSentMessage1:
		return "SentMessage1"
	case StepReceivedMessage2:
		return "ReceivedMessage2"
	case StepSentMessage3:
		return "SentMessage3"
	case StepComplete:
		return "Complete"
	case StepFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Step(%d)", s)
	}
}

var (
	// ErrInvalidTransition indicates an invalid step transition was attempted.
	ErrInvalidTransition = errors.New("invalid handshake step transition")

	// ErrRetransmitsExhausted indicates the message was resent too often.
	ErrRetransmitsExhausted = errors.New("handshake retransmits exhausted")
)

// Tracker follows one handshake attempt. Re-entering the current step
// counts as a retransmission.
//
// All methods are safe for concurrent use.
type Tracker struct {
	mu             sync.Mutex
	step           Step
	retransmits    int
	maxRetransmits int
	lastError      error
	started        time.Time
}

// NewTracker creates a tracker allowing maxRetransmits resends per step.
func NewTracker(maxRetransmits int) *Tracker {
	if maxRetransmits < 0 {
		maxRetransmits = 0
	}
	return &Tracker{
		step:           StepInit,
		maxRetransmits: maxRetransmits,
		started:        time.Now(),
	}
}

// Step returns the current step.
func (t *Tracker) Step() Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// Retransmits returns the retransmissions made in the current step.
func (t *Tracker) Retransmits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retransmits
}

// LastError returns the error recorded by Fail, if any.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Elapsed returns the time since the attempt began.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.started)
}

// Advance moves to the given step. Re-entering the current step is a
// retransmission and fails with ErrRetransmitsExhausted once the budget
// is spent, which also marks the attempt failed.
func (t *Tracker) Advance(to Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !validTransition(t.step, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, t.step, to)
	}
	if to == t.step {
		if t.retransmits >= t.maxRetransmits {
			t.step = StepFailed
			t.lastError = ErrRetransmitsExhausted
			return ErrRetransmitsExhausted
		}
		t.retransmits++
		return nil
	}
	t.step = to
	t.retransmits = 0
	return nil
}

// Fail marks the attempt as failed with err.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.step = StepFailed
	t.lastError = err
}

// IsTerminal returns true once the attempt has completed or failed.
func (t *Tracker) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step == StepComplete || t.step == StepFailed
}

// validTransition lists the allowed moves:
//
//	Init -> SentMessage1
//	SentMessage1 -> SentMessage1 (resend), ReceivedMessage2
//	ReceivedMessage2 -> SentMessage3
//	SentMessage3 -> SentMessage3 (resend), Complete
//
// Any non-terminal step may move to Failed.
func validTransition(from, to Step) bool {
	if to == StepFailed {
		return from != StepComplete && from != StepFailed
	}
	switch from {
	case StepInit:
		return to == StepSentMessage1
	case StepSentMessage1:
		return to == StepSentMessage1 || to == StepReceivedMessage2
	case StepReceivedMessage2:
		return to == StepSentMessage3
	case StepSentMessage3:
		return to == StepSentMessage3 || to == StepComplete
	default:
		return false
	}
}
