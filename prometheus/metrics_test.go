package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
)

// TestMetricsImplementsInterface verifies that Metrics implements wraith.Metrics.
func TestMetricsImplementsInterface(t *testing.T) {
	var _ wraith.Metrics = (*Metrics)(nil)
}

func gatheredNames(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

// TestNewMetrics_DefaultNamespace verifies default namespace is used when empty.
func TestNewMetrics_DefaultNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("", registry)
	m.SessionOpened("inbound")

	if !gatheredNames(t, registry)["wraith_sessions_opened_total"] {
		t.Error("expected metric with default namespace 'wraith'")
	}
}

// TestNewMetrics_CustomNamespace verifies custom namespace is used.
func TestNewMetrics_CustomNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("myapp", registry)
	m.SessionOpened("outbound")

	if !gatheredNames(t, registry)["myapp_sessions_opened_total"] {
		t.Error("expected metric with custom namespace 'myapp'")
	}
}

// TestNewMetrics_NilRegisterer verifies metrics work unregistered.
func TestNewMetrics_NilRegisterer(t *testing.T) {
	m := NewMetricsWithRegisterer("test", nil)
	m.AuthFailure()
	if count := testutil.ToFloat64(m.authFailures); count != 1 {
		t.Errorf("auth failures = %v, want 1", count)
	}
}

// TestSessionMetrics tests handshake and session metrics.
func TestSessionMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.HandshakeResult("success")
	m.HandshakeResult("success")
	m.HandshakeResult("timeout")
	m.HandshakeDuration(0.2)
	m.SessionOpened("outbound")
	m.SessionClosed("idle")
	m.RekeyCompleted()
	m.RekeyCompleted()
	m.AuthFailure()

	if count := testutil.ToFloat64(m.handshakeResults.WithLabelValues("success")); count != 2 {
		t.Errorf("handshake success = %v, want 2", count)
	}
	if count := testutil.ToFloat64(m.handshakeResults.WithLabelValues("timeout")); count != 1 {
		t.Errorf("handshake timeout = %v, want 1", count)
	}
	if count := testutil.CollectAndCount(m.handshakeDuration); count != 1 {
		t.Errorf("handshake duration series = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.sessionsOpened.WithLabelValues("outbound")); count != 1 {
		t.Errorf("sessions opened = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.sessionsClosed.WithLabelValues("idle")); count != 1 {
		t.Errorf("sessions closed = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.rekeys); count != 2 {
		t.Errorf("rekeys = %v, want 2", count)
	}
}

// TestTransferMetrics tests transfer and chunk metrics.
func TestTransferMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.TransferStarted("outgoing")
	m.TransferFinished("outgoing", "completed")
	m.ChunkSent(1000, false)
	m.ChunkSent(500, true)
	m.ChunkVerified(1000)
	m.ChunkRejected()

	if count := testutil.ToFloat64(m.transfersStarted.WithLabelValues("outgoing")); count != 1 {
		t.Errorf("transfers started = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.transfersFinished.WithLabelValues("outgoing", "completed")); count != 1 {
		t.Errorf("transfers completed = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.chunksSent.WithLabelValues("true")); count != 1 {
		t.Errorf("retransmitted chunks = %v, want 1", count)
	}
	if bytes := testutil.ToFloat64(m.chunkBytesSent); bytes != 1500 {
		t.Errorf("chunk bytes sent = %v, want 1500", bytes)
	}
	if bytes := testutil.ToFloat64(m.chunkBytesVerified); bytes != 1000 {
		t.Errorf("chunk bytes verified = %v, want 1000", bytes)
	}
	if count := testutil.ToFloat64(m.chunksRejected); count != 1 {
		t.Errorf("chunks rejected = %v, want 1", count)
	}
}

// TestDHTAndNATMetrics tests discovery and traversal metrics.
func TestDHTAndNATMetrics(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	m.DHTQuery("FIND_NODE", "ok")
	m.DHTQuery("FIND_NODE", "timeout")
	m.LookupCompleted(3, true)
	m.RoutingTableSize(12)
	m.RoutingTableSize(9)
	m.DHTRequestDropped()
	m.NATType("symmetric")
	m.PathEstablished("relayed")
	m.EventDropped()

	if count := testutil.ToFloat64(m.dhtQueries.WithLabelValues("FIND_NODE", "timeout")); count != 1 {
		t.Errorf("dht timeouts = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.lookups.WithLabelValues("true")); count != 1 {
		t.Errorf("lookups = %v, want 1", count)
	}
	if size := testutil.ToFloat64(m.routingTableSize); size != 9 {
		t.Errorf("routing table size = %v, want 9", size)
	}
	if count := testutil.ToFloat64(m.natDetections.WithLabelValues("symmetric")); count != 1 {
		t.Errorf("nat detections = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.pathsEstablished.WithLabelValues("relayed")); count != 1 {
		t.Errorf("relayed paths = %v, want 1", count)
	}
	if count := testutil.ToFloat64(m.eventsDropped); count != 1 {
		t.Errorf("events dropped = %v, want 1", count)
	}
}

// TestConcurrentMetricUpdates tests that metrics are safe for concurrent use.
func TestConcurrentMetricUpdates(t *testing.T) {
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				m.SessionOpened("inbound")
				m.ChunkSent(100, false)
				m.DHTQuery("PING", "ok")
				m.RoutingTableSize(j)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if count := testutil.ToFloat64(m.sessionsOpened.WithLabelValues("inbound")); count != 1000 {
		t.Errorf("concurrent sessions opened = %v, want 1000", count)
	}
	if bytes := testutil.ToFloat64(m.chunkBytesSent); bytes != 100000 {
		t.Errorf("concurrent chunk bytes = %v, want 100000", bytes)
	}
}
