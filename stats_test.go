package wraith

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerStatsTracker(t *testing.T) {
	s := NewPeerStatsTracker()
	s.RecordSessionStart(true)
	s.RecordPath("relayed")
	s.RecordTransfer(true, 1000)
	s.RecordTransfer(false, 250)
	s.RecordTransfer(false, 50)
	s.RecordFailure()

	snap := s.Snapshot("p", nil)
	assert.Equal(t, "p", string(snap.PeerID))
	assert.False(t, snap.Connected)
	assert.Nil(t, snap.Session)
	assert.True(t, snap.IsOutbound)
	assert.Equal(t, "relayed", snap.Path)
	assert.Equal(t, 1, snap.SessionCount)
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, 1, snap.TransfersSent)
	assert.Equal(t, 2, snap.TransfersReceived)
	assert.EqualValues(t, 1000, snap.TransferBytesSent)
	assert.EqualValues(t, 300, snap.TransferBytesReceived)
	assert.False(t, snap.ConnectedAt.IsZero())
}

func TestPeerStatsTrackerAccumulatesConnectTime(t *testing.T) {
	s := NewPeerStatsTracker()
	s.RecordSessionStart(false)
	time.Sleep(10 * time.Millisecond)
	s.RecordSessionEnd()

	snap := s.Snapshot("p", nil)
	assert.True(t, snap.ConnectedAt.IsZero())
	assert.GreaterOrEqual(t, snap.TotalConnectTime, 10*time.Millisecond)

	// A second end without a start changes nothing.
	s.RecordSessionEnd()
	assert.Equal(t, snap.TotalConnectTime, s.Snapshot("p", nil).TotalConnectTime)

	s.RecordSessionStart(true)
	assert.Equal(t, 2, s.Snapshot("p", nil).SessionCount)
}
