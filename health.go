package wraith

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	// Name is the name of the check.
	Name string `json:"name"`

	// Healthy indicates whether the check passed.
	Healthy bool `json:"healthy"`

	// Message provides additional context about the check result.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// HealthStatus represents the overall health status of the node.
type HealthStatus struct {
	// Healthy indicates whether all checks passed.
	Healthy bool `json:"healthy"`

	// Checks contains the results of individual checks.
	Checks []CheckResult `json:"checks"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the node is started and its socket is open.
// This is a quick check suitable for liveness probes.
func (n *Node) IsHealthy() bool {
	return n.running() && n.mux != nil
}

// HealthCheck performs detailed health checks and returns the results.
// This is suitable for readiness probes and debugging.
//
// Checks performed:
//   - node_started: Whether the node has been started
//   - socket: Whether the socket is bound
//   - address_book: Whether the address book is accessible
//   - nat: Whether NAT detection has produced a result (informational)
//   - dht: Whether the routing table has contacts (informational)
//   - sessions: Number of open sessions (informational)
func (n *Node) HealthCheck() HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		Checks:    make([]CheckResult, 0, 6),
		Timestamp: time.Now(),
	}
	check := func(name string, required bool, fn func() (bool, string)) {
		start := time.Now()
		ok, msg := fn()
		status.Checks = append(status.Checks, CheckResult{
			Name:     name,
			Healthy:  ok || !required,
			Message:  msg,
			Duration: time.Since(start),
		})
		if required && !ok {
			status.Healthy = false
		}
	}

	started := n.running()
	check("node_started", true, func() (bool, string) {
		return started, boolToMessage(started, "node is running", "node is not started")
	})
	check("socket", true, func() (bool, string) {
		if !started || n.mux == nil {
			return false, "socket is not bound"
		}
		return true, fmt.Sprintf("listening on %s", n.mux.LocalAddr())
	})
	check("address_book", true, func() (bool, string) {
		if n.book == nil {
			return false, "address book is not available"
		}
		return true, fmt.Sprintf("%d known peers", n.book.Count())
	})
	check("nat", false, func() (bool, string) {
		if n.detector == nil {
			return false, "NAT type unknown"
		}
		res := n.detector.Last()
		if res.Detected.IsZero() {
			return false, "NAT type not detected"
		}
		return true, "NAT type " + res.Type.String()
	})
	check("dht", false, func() (bool, string) {
		if n.dht == nil {
			return false, "routing table unavailable"
		}
		size := n.dht.Table().Len()
		return size > 0, fmt.Sprintf("%d contacts", size)
	})
	check("sessions", false, func() (bool, string) {
		if n.sessions == nil {
			return true, "no open sessions"
		}
		return true, fmt.Sprintf("%d open sessions", n.sessions.Count())
	})

	return status
}

// boolToMessage returns trueMsg if b is true, otherwise falseMsg.
func boolToMessage(b bool, trueMsg, falseMsg string) string {
	if b {
		return trueMsg
	}
	return falseMsg
}

// HealthHandler returns an http.Handler that serves health check responses.
// The handler responds with:
//   - 200 OK if the node is healthy
//   - 503 Service Unavailable if the node is unhealthy
//
// The response body contains a JSON representation of HealthStatus.
//
// Example usage:
//
//	http.Handle("/health", wraith.HealthHandler(node))
func HealthHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := node.HealthCheck()

		w.Header().Set("Content-Type", "application/json")
		if status.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(status)
	})
}

// LivenessHandler returns an http.Handler that serves liveness check responses.
// This is a quick check that returns:
//   - 200 OK if the node is alive
//   - 503 Service Unavailable if the node is not alive
//
// Unlike HealthHandler, this does not perform detailed checks.
func LivenessHandler(node *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if node.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"healthy":true}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"healthy":false}`))
		}
	})
}
