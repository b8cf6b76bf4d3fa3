package session

import "fmt"

// State is the lifecycle state of a session.
type State int

const (
	// StateHandshaking means keys are derived but the initiator has not yet
	// seen an authenticated frame from the responder.
	StateHandshaking State = iota

	// StateEstablished means frames flow in both directions.
	StateEstablished

	// StateRekeying means a key ratchet is in progress. Traffic continues
	// under the current epoch.
	StateRekeying

	// StateClosing means a Close has been sent and the session waits for
	// CloseAck or its timeout.
	StateClosing

	// StateClosed is terminal. Keys have been wiped.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsOpen reports whether application data may be sent in this state.
func (s State) IsOpen() bool {
	return s == StateEstablished || s == StateRekeying
}

var validTransitions = map[State][]State{
	StateHandshaking: {StateEstablished, StateClosing, StateClosed},
	StateEstablished: {StateRekeying, StateClosing, StateClosed},
	StateRekeying:    {StateEstablished, StateClosing, StateClosed},
	StateClosing:     {StateClosed},
	StateClosed:      {},
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s State) ValidateTransition(target State) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("invalid session state transition: %s -> %s", s, target)
	}
	return nil
}
