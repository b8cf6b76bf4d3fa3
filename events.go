package wraith

import (
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventSessionEstablished indicates a session reached Established.
	EventSessionEstablished EventKind = iota

	// EventSessionClosed indicates a session terminated. Error carries
	// the cause when the close was not orderly.
	EventSessionClosed

	// EventRekeyed indicates a session switched to a new key epoch.
	EventRekeyed

	// EventTransferStarted indicates a transfer began.
	EventTransferStarted

	// EventTransferCompleted indicates a transfer finished and verified.
	EventTransferCompleted

	// EventTransferFailed indicates a transfer stopped with an error.
	EventTransferFailed

	// EventNATDetected indicates NAT detection produced a result.
	EventNATDetected

	// EventPathEstablished indicates a path to a peer was found.
	EventPathEstablished

	// EventPeerBlacklisted indicates a peer was blacklisted.
	EventPeerBlacklisted
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSessionEstablished:
		return "SessionEstablished"
	case EventSessionClosed:
		return "SessionClosed"
	case EventRekeyed:
		return "Rekeyed"
	case EventTransferStarted:
		return "TransferStarted"
	case EventTransferCompleted:
		return "TransferCompleted"
	case EventTransferFailed:
		return "TransferFailed"
	case EventNATDetected:
		return "NATDetected"
	case EventPathEstablished:
		return "PathEstablished"
	case EventPeerBlacklisted:
		return "PeerBlacklisted"
	default:
		return "Unknown"
	}
}

// Event is a node lifecycle notification. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// PeerID is the peer this event relates to, if any.
	PeerID peer.ID

	// Transfer and CID identify the transfer for transfer events.
	Transfer uuid.UUID
	CID      cid.Cid

	// Epoch is the new key epoch for EventRekeyed.
	Epoch uint16

	// Detail carries the NAT type for EventNATDetected and the path kind
	// for EventPathEstablished.
	Detail string

	// Error contains error information if this event represents a failure.
	Error error

	// Timestamp is when this event occurred.
	Timestamp time.Time
}

// IsError returns true if this event represents an error condition.
func (e Event) IsError() bool {
	return e.Error != nil
}
