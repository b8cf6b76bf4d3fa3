package wraith

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/addressbook"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/dht"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/nat"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unknown or unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeHandshakeMalformed indicates a handshake message failed
	// structural validation.
	ErrCodeHandshakeMalformed

	// ErrCodeHandshakeAuthFailed indicates a handshake MAC or AEAD check
	// failed, or the peer was not the one expected.
	ErrCodeHandshakeAuthFailed

	// ErrCodeHandshakeTimeout indicates the handshake did not complete in time.
	ErrCodeHandshakeTimeout

	// ErrCodeSessionStaleEpoch indicates a frame used an expired key epoch.
	ErrCodeSessionStaleEpoch

	// ErrCodeSessionAuthFailed indicates a session frame failed authentication.
	ErrCodeSessionAuthFailed

	// ErrCodeSessionClosed indicates the session is closed.
	ErrCodeSessionClosed

	// ErrCodeTransferIntegrity indicates received content did not match
	// its hash tree.
	ErrCodeTransferIntegrity

	// ErrCodeTransferAborted indicates a transfer stopped before
	// completion and may be resumed.
	ErrCodeTransferAborted

	// ErrCodeTransferCancelled indicates a transfer was cancelled.
	ErrCodeTransferCancelled

	// ErrCodeDiscoveryNotFound indicates a DHT lookup found nothing.
	ErrCodeDiscoveryNotFound

	// ErrCodeDiscoveryTimeout indicates a DHT query timed out.
	ErrCodeDiscoveryTimeout

	// ErrCodeTraversalUnreachable indicates no direct, punched or relayed
	// path reached the peer.
	ErrCodeTraversalUnreachable

	// ErrCodePeerBlacklisted indicates the peer is blacklisted.
	ErrCodePeerBlacklisted

	// ErrCodeContextCanceled indicates the operation was cancelled via context.
	ErrCodeContextCanceled

	// ErrCodeInvalidConfig indicates the configuration is invalid.
	ErrCodeInvalidConfig

	// ErrCodeNodeNotStarted indicates the node has not been started.
	ErrCodeNodeNotStarted

	// ErrCodeNodeAlreadyStarted indicates the node is already running.
	ErrCodeNodeAlreadyStarted

	// ErrCodeVersionMismatch indicates incompatible protocol versions.
	ErrCodeVersionMismatch
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeHandshakeMalformed:
		return "HandshakeMalformed"
	case ErrCodeHandshakeAuthFailed:
		return "HandshakeAuthFailed"
	case ErrCodeHandshakeTimeout:
		return "HandshakeTimeout"
	case ErrCodeSessionStaleEpoch:
		return "SessionStaleEpoch"
	case ErrCodeSessionAuthFailed:
		return "SessionAuthFailed"
	case ErrCodeSessionClosed:
		return "SessionClosed"
	case ErrCodeTransferIntegrity:
		return "TransferIntegrity"
	case ErrCodeTransferAborted:
		return "TransferAborted"
	case ErrCodeTransferCancelled:
		return "TransferCancelled"
	case ErrCodeDiscoveryNotFound:
		return "DiscoveryNotFound"
	case ErrCodeDiscoveryTimeout:
		return "DiscoveryTimeout"
	case ErrCodeTraversalUnreachable:
		return "TraversalUnreachable"
	case ErrCodePeerBlacklisted:
		return "PeerBlacklisted"
	case ErrCodeContextCanceled:
		return "ContextCanceled"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeNodeNotStarted:
		return "NodeNotStarted"
	case ErrCodeNodeAlreadyStarted:
		return "NodeAlreadyStarted"
	case ErrCodeVersionMismatch:
		return "VersionMismatch"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error represents a WRAITH error with rich context.
// It provides structured information for programmatic error handling.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// PeerID is the peer associated with the error, if any.
	PeerID peer.ID

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether the operation can be retried.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wraith: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("wraith: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two WRAITH errors are considered equal if they have the same error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetriable returns true if the error indicates a retriable operation.
// This checks if the error is a WRAITH Error with Retriable set to true.
func IsRetriable(err error) bool {
	var wErr *Error
	if errors.As(err, &wErr) {
		return wErr.Retriable
	}
	return false
}

// IsPermanent returns true if the error indicates a permanent failure.
// Permanent failures should not be retried.
func IsPermanent(err error) bool {
	var wErr *Error
	if errors.As(err, &wErr) {
		switch wErr.Code {
		case ErrCodeHandshakeAuthFailed, ErrCodeSessionAuthFailed,
			ErrCodeTransferIntegrity, ErrCodeTransferCancelled,
			ErrCodePeerBlacklisted, ErrCodeInvalidConfig:
			return true
		}
	}
	return false
}

// IsCryptographic reports whether err is an authentication or integrity
// failure. Such errors never carry payload bytes.
func IsCryptographic(err error) bool {
	var wErr *Error
	if errors.As(err, &wErr) {
		switch wErr.Code {
		case ErrCodeHandshakeAuthFailed, ErrCodeSessionAuthFailed,
			ErrCodeSessionStaleEpoch, ErrCodeTransferIntegrity:
			return true
		}
	}
	return false
}

// NewError creates a new WRAITH Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new WRAITH Error with the given code, message, and cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewPeerError creates a new WRAITH Error associated with a specific peer.
func NewPeerError(code ErrorCode, message string, peerID peer.ID) *Error {
	return &Error{
		Code:    code,
		Message: message,
		PeerID:  peerID,
	}
}

type classification struct {
	target    error
	code      ErrorCode
	message   string
	retriable bool
}

// classifications maps subsystem sentinels to error codes. Order matters:
// the first match wins.
var classifications = []classification{
	{addressbook.ErrBlacklisted, ErrCodePeerBlacklisted, "peer is blacklisted", false},
	{ErrPeerBlacklisted, ErrCodePeerBlacklisted, "peer is blacklisted", false},
	{handshake.ErrMalformed, ErrCodeHandshakeMalformed, "malformed handshake message", false},
	{handshake.ErrAuthenticationFailed, ErrCodeHandshakeAuthFailed, "handshake authentication failed", false},
	{handshake.ErrPeerMismatch, ErrCodeHandshakeAuthFailed, "unexpected peer identity", false},
	{handshake.ErrTimeout, ErrCodeHandshakeTimeout, "handshake timed out", true},
	{session.ErrStaleEpoch, ErrCodeSessionStaleEpoch, "stale key epoch", false},
	{session.ErrAuthenticationFailed, ErrCodeSessionAuthFailed, "frame authentication failed", false},
	{session.ErrTooManyAuthFailures, ErrCodeSessionAuthFailed, "too many authentication failures", false},
	{session.ErrRejected, ErrCodeHandshakeAuthFailed, "session rejected by peer", false},
	{session.ErrClosed, ErrCodeSessionClosed, "session closed", false},
	{session.ErrClosedByPeer, ErrCodeSessionClosed, "session closed by peer", false},
	{session.ErrIdleTimeout, ErrCodeSessionClosed, "session idle", true},
	{session.ErrPeerUnresponsive, ErrCodeSessionClosed, "peer unresponsive", true},
	{session.ErrNotEstablished, ErrCodeSessionClosed, "session not established", true},
	{session.ErrReplaced, ErrCodeSessionClosed, "session replaced", false},
	{session.ErrManagerClosed, ErrCodeSessionClosed, "node shutting down", false},
	{transfer.ErrIntegrityFailure, ErrCodeTransferIntegrity, "content integrity check failed", false},
	{transfer.ErrAborted, ErrCodeTransferAborted, "transfer aborted", true},
	{transfer.ErrCancelled, ErrCodeTransferCancelled, "transfer cancelled", false},
	{transfer.ErrRejected, ErrCodeTransferCancelled, "transfer rejected", false},
	{dht.ErrNotFound, ErrCodeDiscoveryNotFound, "not found", true},
	{dht.ErrNoPeers, ErrCodeDiscoveryNotFound, "no DHT peers", true},
	{dht.ErrTimeout, ErrCodeDiscoveryTimeout, "DHT query timed out", true},
	{nat.ErrUnreachable, ErrCodeTraversalUnreachable, "peer unreachable", true},
	{nat.ErrNoReflector, ErrCodeTraversalUnreachable, "no reflector answered", true},
	{ErrInvalidConfig, ErrCodeInvalidConfig, "invalid configuration", false},
	{ErrNodeNotStarted, ErrCodeNodeNotStarted, "node not started", false},
	{ErrNodeAlreadyStarted, ErrCodeNodeAlreadyStarted, "node already started", false},
	{context.Canceled, ErrCodeContextCanceled, "operation cancelled", false},
	{context.DeadlineExceeded, ErrCodeContextCanceled, "deadline exceeded", true},
}

// classify wraps err in an *Error carrying the matching code. The chain
// to the original sentinel is preserved for errors.Is. Errors that are
// already classified, and nil, pass through.
func classify(err error, p peer.ID) error {
	if err == nil {
		return nil
	}
	var wErr *Error
	if errors.As(err, &wErr) {
		return err
	}
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			return &Error{Code: c.code, Message: c.message, PeerID: p, Cause: err, Retriable: c.retriable}
		}
	}
	return &Error{Code: ErrCodeUnknown, Message: "operation failed", PeerID: p, Cause: err}
}

// Sentinel errors for peer operations.
var (
	// ErrPeerBlacklisted indicates the peer is blacklisted.
	ErrPeerBlacklisted = errors.New("peer is blacklisted")

	// ErrNoAddresses indicates no address is known for the peer.
	ErrNoAddresses = errors.New("no known address for peer")
)

// Sentinel errors for configuration.
var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingPrivateKey indicates no private key was provided.
	ErrMissingPrivateKey = errors.New("private key is required")

	// ErrInvalidPrivateKey indicates the provided private key is invalid.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrMissingListenAddr indicates no listen address was provided.
	ErrMissingListenAddr = errors.New("listen address is required")

	// ErrInvalidAddress indicates a multiaddr the node cannot use.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidPath indicates a file path that cannot be sent.
	ErrInvalidPath = errors.New("invalid file path")
)

// Sentinel errors for protocol versioning.
var (
	// ErrVersionMismatch indicates incompatible protocol versions.
	ErrVersionMismatch = errors.New("incompatible protocol version")
)

// Sentinel errors for node operations.
var (
	// ErrNodeNotStarted indicates the node has not been started.
	ErrNodeNotStarted = errors.New("node not started")

	// ErrNodeAlreadyStarted indicates the node is already running.
	ErrNodeAlreadyStarted = errors.New("node already started")

	// ErrNodeStopped indicates the node has been stopped.
	ErrNodeStopped = errors.New("node stopped")
)
