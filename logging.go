package wraith

// Logger defines the logging interface for WRAITH nodes.
// It is designed to be compatible with standard logging libraries
// such as slog, zap, and zerolog; see the golog package for an adapter
// over ipfs/go-log.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	// Used for per-packet diagnostics such as dropped frames.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	// Used for significant events like session establishment.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	// Used for recoverable issues like failed handshakes or lost relays.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	// Used for failures that stop a subsystem.
	Error(msg string, keysAndValues ...any)
}

// NopLogger discards everything. It is used when no logger is configured.
type NopLogger struct{}

var _ Logger = NopLogger{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
