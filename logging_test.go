package wraith

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/testutil"
)

func TestNopLoggerImplementsLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Debug("message")
	l.Info("message", "key", 123)
	l.Warn("message", "key", struct{}{})
	l.Error("message", "key", nil)
}

func TestNopMetricsImplementsMetrics(t *testing.T) {
	var m Metrics = NopMetrics{}
	m.HandshakeResult("success")
	m.SessionOpened("inbound")
	m.TransferFinished("send", "completed")
	m.ChunkSent(1024, true)
	m.DHTQuery("ping", "sent")
	m.NATType("symmetric")
	m.EventDropped()
}

func TestNodeLogsLifecycle(t *testing.T) {
	logger := testutil.NewLogger()
	n := startNode(t, newLoopbackConn(t), WithLogger(logger))

	started := logger.Find("Node started")
	require.Len(t, started, 1)
	peerVal, ok := started[0].Value("peer")
	require.True(t, ok)
	assert.Equal(t, n.PeerID(), peerVal)
	assert.Equal(t, "INFO", started[0].Level)

	require.NoError(t, n.Shutdown(context.Background()))
	assert.Len(t, logger.Find("Node stopped"), 1)
}
