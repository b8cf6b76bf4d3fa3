package handshake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_HappyPath(t *testing.T) {
	tr := NewTracker(2)
	for _, s := range []Step{StepSentMessage1, StepReceivedMessage2, StepSentMessage3, StepComplete} {
		require.NoError(t, tr.Advance(s), "advance to %v", s)
	}
	assert.True(t, tr.IsTerminal())
	assert.Equal(t, StepComplete, tr.Step())
}

func TestTracker_RetransmitBudget(t *testing.T) {
	tr := NewTracker(2)
	require.NoError(t, tr.Advance(StepSentMessage1))
	require.NoError(t, tr.Advance(StepSentMessage1))
	require.NoError(t, tr.Advance(StepSentMessage1))
	assert.Equal(t, 2, tr.Retransmits())

	err := tr.Advance(StepSentMessage1)
	assert.ErrorIs(t, err, ErrRetransmitsExhausted)
	assert.Equal(t, StepFailed, tr.Step())
	assert.True(t, tr.IsTerminal())
}

func TestTracker_RetransmitsResetPerStep(t *testing.T) {
	tr := NewTracker(1)
	require.NoError(t, tr.Advance(StepSentMessage1))
	require.NoError(t, tr.Advance(StepSentMessage1))
	require.NoError(t, tr.Advance(StepReceivedMessage2))
	require.NoError(t, tr.Advance(StepSentMessage3))
	require.NoError(t, tr.Advance(StepSentMessage3), "budget applies per step")
}

func TestTracker_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Step
		bad  Step
	}{
		{"skip message1", nil, StepReceivedMessage2},
		{"complete early", []Step{StepSentMessage1}, StepComplete},
		{"resend message2 step", []Step{StepSentMessage1, StepReceivedMessage2}, StepReceivedMessage2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(3)
			for _, s := range tt.path {
				require.NoError(t, tr.Advance(s))
			}
			assert.ErrorIs(t, tr.Advance(tt.bad), ErrInvalidTransition)
		})
	}
}

func TestTracker_Fail(t *testing.T) {
	tr := NewTracker(0)
	boom := errors.New("boom")
	tr.Fail(boom)
	assert.Equal(t, boom, tr.LastError())
	assert.ErrorIs(t, tr.Advance(StepSentMessage1), ErrInvalidTransition)
	assert.Equal(t, "Failed", tr.Step().String())
}
