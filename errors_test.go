package wraith

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/addressbook"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/dht"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/nat"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "HandshakeAuthFailed", ErrCodeHandshakeAuthFailed.String())
	assert.Equal(t, "TraversalUnreachable", ErrCodeTraversalUnreachable.String())
	assert.Equal(t, "ErrorCode(999)", ErrorCode(999).String())
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorWithCause(ErrCodeTransferAborted, "transfer aborted", cause)
	assert.Equal(t, "wraith: transfer aborted: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	plain := NewError(ErrCodeNodeNotStarted, "node not started")
	assert.Equal(t, "wraith: node not started", plain.Error())
	assert.Nil(t, plain.Unwrap())
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := NewPeerError(ErrCodePeerBlacklisted, "peer is blacklisted", peer.ID("x"))
	assert.True(t, errors.Is(err, &Error{Code: ErrCodePeerBlacklisted}))
	assert.False(t, errors.Is(err, &Error{Code: ErrCodeSessionClosed}))

	wrapped := fmt.Errorf("context: %w", err)
	var wErr *Error
	require.True(t, errors.As(wrapped, &wErr))
	assert.Equal(t, peer.ID("x"), wErr.PeerID)
}

func TestClassify(t *testing.T) {
	p := peer.ID("peer")
	tests := []struct {
		err       error
		code      ErrorCode
		retriable bool
	}{
		{handshake.ErrAuthenticationFailed, ErrCodeHandshakeAuthFailed, false},
		{handshake.ErrPeerMismatch, ErrCodeHandshakeAuthFailed, false},
		{handshake.ErrMalformed, ErrCodeHandshakeMalformed, false},
		{handshake.ErrTimeout, ErrCodeHandshakeTimeout, true},
		{session.ErrStaleEpoch, ErrCodeSessionStaleEpoch, false},
		{session.ErrTooManyAuthFailures, ErrCodeSessionAuthFailed, false},
		{session.ErrIdleTimeout, ErrCodeSessionClosed, true},
		{transfer.ErrIntegrityFailure, ErrCodeTransferIntegrity, false},
		{transfer.ErrCancelled, ErrCodeTransferCancelled, false},
		{dht.ErrNotFound, ErrCodeDiscoveryNotFound, true},
		{dht.ErrTimeout, ErrCodeDiscoveryTimeout, true},
		{nat.ErrUnreachable, ErrCodeTraversalUnreachable, true},
		{ErrNodeNotStarted, ErrCodeNodeNotStarted, false},
		{context.Canceled, ErrCodeContextCanceled, false},
		{context.DeadlineExceeded, ErrCodeContextCanceled, true},
		{errors.New("other"), ErrCodeUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := classify(fmt.Errorf("wrapped: %w", tt.err), p)
			var wErr *Error
			require.True(t, errors.As(err, &wErr))
			assert.Equal(t, tt.code, wErr.Code)
			assert.Equal(t, tt.retriable, wErr.Retriable)
			assert.Equal(t, tt.retriable, IsRetriable(err))
			assert.Equal(t, p, wErr.PeerID)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyBlacklistBeforeRejection(t *testing.T) {
	// The session manager wraps the gate's error in ErrRejected.
	err := classify(fmt.Errorf("%w: %w", session.ErrRejected, addressbook.ErrBlacklisted), "")
	var wErr *Error
	require.True(t, errors.As(err, &wErr))
	assert.Equal(t, ErrCodePeerBlacklisted, wErr.Code)
	assert.True(t, IsPermanent(err))
}

func TestClassifyPassesThrough(t *testing.T) {
	assert.Nil(t, classify(nil, ""))

	orig := NewError(ErrCodeVersionMismatch, "bad version")
	assert.Same(t, orig, classify(orig, "p"))
}

func TestIsPermanentAndCryptographic(t *testing.T) {
	auth := classify(session.ErrAuthenticationFailed, "")
	assert.True(t, IsPermanent(auth))
	assert.True(t, IsCryptographic(auth))

	timeout := classify(handshake.ErrTimeout, "")
	assert.False(t, IsPermanent(timeout))
	assert.False(t, IsCryptographic(timeout))

	assert.False(t, IsPermanent(errors.New("plain")))
	assert.False(t, IsRetriable(nil))
}
