// Package prometheus provides a Prometheus implementation of the wraith.Metrics interface.
//
// All metrics are registered with the given registerer (the default
// Prometheus registry for NewMetrics) and follow Prometheus naming
// conventions.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "wraith").
//
// # Counters
//
//	wraith_handshake_results_total{result="success|timeout|auth_failed|malformed|rejected|failure"}
//	wraith_sessions_opened_total{direction="inbound|outbound"}
//	wraith_sessions_closed_total{reason="<reason>"}
//	wraith_rekeys_total
//	wraith_auth_failures_total
//	wraith_transfers_started_total{direction="outgoing|incoming"}
//	wraith_transfers_finished_total{direction="...",result="completed|cancelled|failed"}
//	wraith_chunks_sent_total{retransmit="true|false"}
//	wraith_chunk_bytes_sent_total
//	wraith_chunks_verified_total
//	wraith_chunk_bytes_verified_total
//	wraith_chunks_rejected_total
//	wraith_dht_queries_total{type="PING|STORE|FIND_NODE|FIND_VALUE",result="<result>"}
//	wraith_dht_lookups_total{found="true|false"}
//	wraith_dht_requests_dropped_total
//	wraith_nat_detections_total{type="<nat type>"}
//	wraith_paths_established_total{kind="direct|punched|relayed"}
//	wraith_events_dropped_total
//
// # Histograms
//
//	wraith_handshake_duration_seconds
//	wraith_dht_lookup_rounds
//
// # Gauges
//
//	wraith_dht_routing_table_size
//
// # Example Usage
//
//	import (
//	    wraith "github.com/doublegate/WRAITH-Protocol-sub010"
//	    prommetrics "github.com/doublegate/WRAITH-Protocol-sub010/prometheus"
//	    "github.com/prometheus/client_golang/prometheus/promhttp"
//	)
//
//	func main() {
//	    metrics := prommetrics.NewMetrics("myapp")
//
//	    cfg := wraith.NewConfig(key, listenAddr,
//	        wraith.WithMetrics(metrics),
//	    )
//
//	    node, err := wraith.Start(ctx, cfg)
//	    // ...
//
//	    // Expose metrics endpoint
//	    http.Handle("/metrics", promhttp.Handler())
//	    http.ListenAndServe(":9090", nil)
//	}
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	wraith "github.com/doublegate/WRAITH-Protocol-sub010"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "wraith"

// Metrics implements the wraith.Metrics interface using Prometheus metrics.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Handshake and session metrics
	handshakeResults  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	sessionsOpened    *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	rekeys            prometheus.Counter
	authFailures      prometheus.Counter

	// Transfer metrics
	transfersStarted   *prometheus.CounterVec
	transfersFinished  *prometheus.CounterVec
	chunksSent         *prometheus.CounterVec
	chunkBytesSent     prometheus.Counter
	chunksVerified     prometheus.Counter
	chunkBytesVerified prometheus.Counter
	chunksRejected     prometheus.Counter

	// DHT metrics
	dhtQueries       *prometheus.CounterVec
	lookups          *prometheus.CounterVec
	lookupRounds     prometheus.Histogram
	routingTableSize prometheus.Gauge
	requestsDropped  prometheus.Counter

	// NAT metrics
	natDetections    *prometheus.CounterVec
	pathsEstablished *prometheus.CounterVec

	eventsDropped prometheus.Counter
}

// Ensure Metrics implements wraith.Metrics.
var _ wraith.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics collector with the given namespace.
// If namespace is empty, DefaultNamespace ("wraith") is used.
//
// All metrics are registered with the default Prometheus registry.
// If registration fails (e.g., metrics already registered), this function will panic.
// To avoid panics, use NewMetricsWithRegisterer with a custom registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Prometheus metrics collector with the given
// namespace and registerer. This allows using a custom registry for testing or
// to avoid conflicts with other metrics.
//
// If namespace is empty, DefaultNamespace ("wraith") is used.
// If registerer is nil, metrics will not be registered automatically.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &Metrics{
		handshakeResults: counterVec("handshake_results_total", "Total number of handshakes by outcome", "result"),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Histogram of successful handshake durations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		sessionsOpened: counterVec("sessions_opened_total", "Total number of sessions established", "direction"),
		sessionsClosed: counterVec("sessions_closed_total", "Total number of sessions closed by reason", "reason"),
		rekeys:         counter("rekeys_total", "Total number of completed rekeys"),
		authFailures:   counter("auth_failures_total", "Total number of frames that failed authentication"),

		transfersStarted:   counterVec("transfers_started_total", "Total number of transfers started", "direction"),
		transfersFinished:  counterVec("transfers_finished_total", "Total number of transfers finished by result", "direction", "result"),
		chunksSent:         counterVec("chunks_sent_total", "Total number of chunks transmitted", "retransmit"),
		chunkBytesSent:     counter("chunk_bytes_sent_total", "Total chunk bytes transmitted"),
		chunksVerified:     counter("chunks_verified_total", "Total number of received chunks that verified"),
		chunkBytesVerified: counter("chunk_bytes_verified_total", "Total bytes of verified chunks"),
		chunksRejected:     counter("chunks_rejected_total", "Total number of received chunks that failed verification"),

		dhtQueries: counterVec("dht_queries_total", "Total number of DHT queries by type and result", "type", "result"),
		lookups:    counterVec("dht_lookups_total", "Total number of iterative lookups", "found"),
		lookupRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dht_lookup_rounds",
			Help:      "Histogram of rounds per iterative lookup",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		routingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dht_routing_table_size",
			Help:      "Number of contacts in the routing table",
		}),
		requestsDropped: counter("dht_requests_dropped_total", "Total number of DHT requests dropped by rate limiting"),

		natDetections:    counterVec("nat_detections_total", "Total number of NAT detections by result type", "type"),
		pathsEstablished: counterVec("paths_established_total", "Total number of paths established by kind", "kind"),

		eventsDropped: counter("events_dropped_total", "Total number of events dropped due to buffer full"),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.handshakeResults,
			m.handshakeDuration,
			m.sessionsOpened,
			m.sessionsClosed,
			m.rekeys,
			m.authFailures,
			m.transfersStarted,
			m.transfersFinished,
			m.chunksSent,
			m.chunkBytesSent,
			m.chunksVerified,
			m.chunkBytesVerified,
			m.chunksRejected,
			m.dhtQueries,
			m.lookups,
			m.lookupRounds,
			m.routingTableSize,
			m.requestsDropped,
			m.natDetections,
			m.pathsEstablished,
			m.eventsDropped,
		)
	}

	return m
}

// HandshakeResult implements wraith.Metrics.
func (m *Metrics) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

// HandshakeDuration implements wraith.Metrics.
func (m *Metrics) HandshakeDuration(seconds float64) {
	m.handshakeDuration.Observe(seconds)
}

// SessionOpened implements wraith.Metrics.
func (m *Metrics) SessionOpened(direction string) {
	m.sessionsOpened.WithLabelValues(direction).Inc()
}

// SessionClosed implements wraith.Metrics.
func (m *Metrics) SessionClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RekeyCompleted implements wraith.Metrics.
func (m *Metrics) RekeyCompleted() {
	m.rekeys.Inc()
}

// AuthFailure implements wraith.Metrics.
func (m *Metrics) AuthFailure() {
	m.authFailures.Inc()
}

// TransferStarted implements wraith.Metrics.
func (m *Metrics) TransferStarted(direction string) {
	m.transfersStarted.WithLabelValues(direction).Inc()
}

// TransferFinished implements wraith.Metrics.
func (m *Metrics) TransferFinished(direction, result string) {
	m.transfersFinished.WithLabelValues(direction, result).Inc()
}

// ChunkSent implements wraith.Metrics.
func (m *Metrics) ChunkSent(bytes int, retransmit bool) {
	m.chunksSent.WithLabelValues(strconv.FormatBool(retransmit)).Inc()
	m.chunkBytesSent.Add(float64(bytes))
}

// ChunkVerified implements wraith.Metrics.
func (m *Metrics) ChunkVerified(bytes int) {
	m.chunksVerified.Inc()
	m.chunkBytesVerified.Add(float64(bytes))
}

// ChunkRejected implements wraith.Metrics.
func (m *Metrics) ChunkRejected() {
	m.chunksRejected.Inc()
}

// DHTQuery implements wraith.Metrics.
func (m *Metrics) DHTQuery(msgType, result string) {
	m.dhtQueries.WithLabelValues(msgType, result).Inc()
}

// LookupCompleted implements wraith.Metrics.
func (m *Metrics) LookupCompleted(rounds int, found bool) {
	m.lookups.WithLabelValues(strconv.FormatBool(found)).Inc()
	m.lookupRounds.Observe(float64(rounds))
}

// RoutingTableSize implements wraith.Metrics.
func (m *Metrics) RoutingTableSize(n int) {
	m.routingTableSize.Set(float64(n))
}

// DHTRequestDropped implements wraith.Metrics.
func (m *Metrics) DHTRequestDropped() {
	m.requestsDropped.Inc()
}

// NATType implements wraith.Metrics.
func (m *Metrics) NATType(natType string) {
	m.natDetections.WithLabelValues(natType).Inc()
}

// PathEstablished implements wraith.Metrics.
func (m *Metrics) PathEstablished(kind string) {
	m.pathsEstablished.WithLabelValues(kind).Inc()
}

// EventDropped implements wraith.Metrics.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
