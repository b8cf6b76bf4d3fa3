package wraith

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
)

// PeerStats contains statistics for a peer.
// All fields are safe to read without synchronization once returned
// from the API, as they are snapshot copies.
type PeerStats struct {
	// PeerID is the peer identifier.
	PeerID peer.ID

	// Connected indicates whether an open session exists.
	Connected bool

	// IsOutbound indicates whether we initiated the current session.
	IsOutbound bool

	// Path is how the current session reaches the peer
	// (direct, punched, relayed), empty if unknown.
	Path string

	// Session is the live counter snapshot of the current session.
	// Nil if not connected.
	Session *session.Stats

	// ConnectedAt is when the current session was established.
	// Zero value if not connected.
	ConnectedAt time.Time

	// TotalConnectTime is the cumulative duration of all sessions.
	TotalConnectTime time.Duration

	// SessionCount is the total number of sessions (including re-establishment).
	SessionCount int

	// FailureCount is the number of failed establishment attempts.
	FailureCount int

	// TransfersSent and TransfersReceived count completed transfers.
	TransfersSent     int
	TransfersReceived int

	// TransferBytesSent and TransferBytesReceived total the content
	// bytes of completed transfers.
	TransferBytesSent     uint64
	TransferBytesReceived uint64

	// LastActivity is when a session or transfer last changed state.
	LastActivity time.Time
}

// PeerStatsTracker is the internal mutable stats tracker, one per peer.
type PeerStatsTracker struct {
	mu sync.RWMutex

	connectedAt      time.Time
	totalConnectTime time.Duration
	outbound         bool
	path             string

	sessionCount int
	failureCount int

	transfersSent         int
	transfersReceived     int
	transferBytesSent     uint64
	transferBytesReceived uint64

	lastActivity time.Time
}

// NewPeerStatsTracker creates a new stats tracker for a peer.
func NewPeerStatsTracker() *PeerStatsTracker {
	return &PeerStatsTracker{}
}

// RecordSessionStart records that a session reached Established.
func (s *PeerStatsTracker) RecordSessionStart(outbound bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.connectedAt = now
	s.lastActivity = now
	s.outbound = outbound
	s.sessionCount++
}

// RecordSessionEnd records that a session terminated.
func (s *PeerStatsTracker) RecordSessionEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.connectedAt.IsZero() {
		s.totalConnectTime += now.Sub(s.connectedAt)
		s.connectedAt = time.Time{}
	}
	s.lastActivity = now
}

// RecordPath records how the peer was reached.
func (s *PeerStatsTracker) RecordPath(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = kind
}

// RecordFailure records an establishment failure.
func (s *PeerStatsTracker) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
}

// RecordTransfer records a completed transfer of size bytes.
func (s *PeerStatsTracker) RecordTransfer(outgoing bool, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outgoing {
		s.transfersSent++
		s.transferBytesSent += size
	} else {
		s.transfersReceived++
		s.transferBytesReceived += size
	}
	s.lastActivity = time.Now()
}

// Snapshot returns a copy of the stats for external consumption. live is
// the current session, if any.
func (s *PeerStatsTracker) Snapshot(peerID peer.ID, live *session.Session) *PeerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &PeerStats{
		PeerID:                peerID,
		IsOutbound:            s.outbound,
		Path:                  s.path,
		ConnectedAt:           s.connectedAt,
		TotalConnectTime:      s.totalConnectTime,
		SessionCount:          s.sessionCount,
		FailureCount:          s.failureCount,
		TransfersSent:         s.transfersSent,
		TransfersReceived:     s.transfersReceived,
		TransferBytesSent:     s.transferBytesSent,
		TransferBytesReceived: s.transferBytesReceived,
		LastActivity:          s.lastActivity,
	}

	if live != nil && live.State().IsOpen() {
		ss := live.Stats()
		stats.Connected = true
		stats.Session = &ss
		if !s.connectedAt.IsZero() {
			stats.TotalConnectTime += time.Since(s.connectedAt)
		}
		if ss.LastActivity.After(stats.LastActivity) {
			stats.LastActivity = ss.LastActivity
		}
	}
	return stats
}
