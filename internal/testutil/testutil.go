// Package testutil provides helpers shared by the package tests: a
// recording logger, key generation and file fixtures.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// Entry is one recorded log line.
type Entry struct {
	Level         string
	Msg           string
	KeysAndValues []any
	Time          time.Time
}

// Value returns the value logged under key, if any.
func (e Entry) Value(key string) (any, bool) {
	for i := 0; i+1 < len(e.KeysAndValues); i += 2 {
		if k, ok := e.KeysAndValues[i].(string); ok && k == key {
			return e.KeysAndValues[i+1], true
		}
	}
	return nil, false
}

func (e Entry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Level)
	sb.WriteString(" ")
	sb.WriteString(e.Msg)
	for i := 0; i+1 < len(e.KeysAndValues); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", e.KeysAndValues[i], e.KeysAndValues[i+1])
	}
	return sb.String()
}

// Logger records every call. It satisfies wraith.Logger and
// logging.Logger.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLogger returns an empty recording logger.
func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string, kv ...any) { l.record("DEBUG", msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.record("INFO", msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.record("WARN", msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.record("ERROR", msg, kv) }

func (l *Logger) record(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Level:         level,
		Msg:           msg,
		KeysAndValues: append([]any(nil), kv...),
		Time:          time.Now(),
	})
}

// Entries returns a copy of the recorded lines.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Find returns the recorded lines with the given message.
func (l *Logger) Find(msg string) []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any recorded line, rendered with its fields,
// contains s.
func (l *Logger) Contains(s string) bool {
	for _, e := range l.Entries() {
		if strings.Contains(e.String(), s) {
			return true
		}
	}
	return false
}

// Reset discards the recorded lines.
func (l *Logger) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// PrivateKey generates a fresh Ed25519 private key.
func PrivateKey(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

// RandomFile writes size random bytes to a file named name under a test
// temp directory and returns its path and BLAKE3 digest.
func RandomFile(t testing.TB, name string, size int) (string, [32]byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, blake3.Sum256(data)
}

// FileDigest returns the BLAKE3 digest of the file at path.
func FileDigest(t testing.TB, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return blake3.Sum256(data)
}
