package wraith

// Metrics defines the metrics collection interface for WRAITH nodes.
// It is designed to be compatible with Prometheus and other metrics systems;
// see the prometheus package for an implementation.
//
// Implementations must be safe for concurrent use.
//
// Metric naming convention:
//   - Counters: <name>_total (e.g., sessions_total)
//   - Histograms: <name>_seconds or <name>_bytes (e.g., handshake_duration_seconds)
//   - Gauges: current_<name> (e.g., current_sessions)
type Metrics interface {
	// Handshake and session metrics

	// HandshakeResult records the result of a handshake attempt.
	// Labels: result (success, failure, timeout)
	HandshakeResult(result string)

	// HandshakeDuration records the duration of a successful handshake.
	HandshakeDuration(seconds float64)

	// SessionOpened increments when a session is established.
	// Labels: direction (inbound, outbound)
	SessionOpened(direction string)

	// SessionClosed increments when a session is closed.
	// Labels: reason (closed, idle, unresponsive, auth, other)
	SessionClosed(reason string)

	// RekeyCompleted records a completed key ratchet.
	RekeyCompleted()

	// AuthFailure records a frame that failed authentication.
	AuthFailure()

	// Transfer metrics

	// TransferStarted increments when a transfer begins.
	// Labels: direction (send, receive)
	TransferStarted(direction string)

	// TransferFinished records how a transfer ended.
	// Labels: direction (send, receive), result (completed, failed, cancelled)
	TransferFinished(direction, result string)

	// ChunkSent records chunk bytes put on the wire.
	ChunkSent(bytes int, retransmit bool)

	// ChunkVerified records a received chunk that matched its leaf hash.
	ChunkVerified(bytes int)

	// ChunkRejected records a received chunk that failed verification.
	ChunkRejected()

	// Discovery metrics

	// DHTQuery records an outbound DHT request.
	// Labels: type (ping, find_node, ...), result (sent, failed)
	DHTQuery(msgType, result string)

	// LookupCompleted records the rounds an iterative lookup took.
	LookupCompleted(rounds int, found bool)

	// RoutingTableSize sets the number of contacts in the routing table.
	RoutingTableSize(n int)

	// DHTRequestDropped records an inbound request dropped by the rate limiter.
	DHTRequestDropped()

	// Traversal metrics

	// NATType records the detected NAT type.
	NATType(natType string)

	// PathEstablished records how a peer was reached.
	// Labels: kind (direct, punched, relayed)
	PathEstablished(kind string)

	// Event metrics

	// EventDropped records an event being dropped due to buffer full.
	EventDropped()
}

// NopMetrics is a no-op metrics implementation that discards all metrics.
// It is the default when no metrics collector is configured.
type NopMetrics struct{}

// Ensure NopMetrics implements Metrics.
var _ Metrics = NopMetrics{}

func (NopMetrics) HandshakeResult(string)          {}
func (NopMetrics) HandshakeDuration(float64)       {}
func (NopMetrics) SessionOpened(string)            {}
func (NopMetrics) SessionClosed(string)            {}
func (NopMetrics) RekeyCompleted()                 {}
func (NopMetrics) AuthFailure()                    {}
func (NopMetrics) TransferStarted(string)          {}
func (NopMetrics) TransferFinished(string, string) {}
func (NopMetrics) ChunkSent(int, bool)             {}
func (NopMetrics) ChunkVerified(int)               {}
func (NopMetrics) ChunkRejected()                  {}
func (NopMetrics) DHTQuery(string, string)         {}
func (NopMetrics) LookupCompleted(int, bool)       {}
func (NopMetrics) RoutingTableSize(int)            {}
func (NopMetrics) DHTRequestDropped()              {}
func (NopMetrics) NATType(string)                  {}
func (NopMetrics) PathEstablished(string)          {}
func (NopMetrics) EventDropped()                   {}
