package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateHandshaking, "Handshaking"},
		{StateEstablished, "Established"},
		{StateRekeying, "Rekeying"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		valid    bool
	}{
		{StateHandshaking, StateEstablished, true},
		{StateHandshaking, StateRekeying, false},
		{StateEstablished, StateRekeying, true},
		{StateRekeying, StateEstablished, true},
		{StateEstablished, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateEstablished, false},
		{StateClosed, StateEstablished, false},
		{StateClosed, StateHandshaking, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.from.CanTransitionTo(tt.to))
			if tt.valid {
				assert.NoError(t, tt.from.ValidateTransition(tt.to))
			} else {
				assert.Error(t, tt.from.ValidateTransition(tt.to))
			}
		})
	}
}

func TestState_IsOpen(t *testing.T) {
	assert.False(t, StateHandshaking.IsOpen())
	assert.True(t, StateEstablished.IsOpen())
	assert.True(t, StateRekeying.IsOpen())
	assert.False(t, StateClosing.IsOpen())
	assert.False(t, StateClosed.IsOpen())
}
