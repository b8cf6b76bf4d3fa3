package wraith

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMultiaddr(t *testing.T) {
	valid := []string{
		"/ip4/127.0.0.1/udp/7420",
		"/ip6/::1/udp/7420",
		"/ip4/10.0.0.1/tcp/7420",
		"/ip4/198.51.100.1/udp/7420/p2p-circuit/p2p/12D3KooWGzh8SqxTSvWMBqwSZbKe8ovGADrnLEB4P7VBe5vqTDbZ",
	}
	for _, s := range valid {
		assert.NoError(t, ValidateMultiaddr(mustMultiaddr(t, s)), s)
	}

	invalid := []string{
		"/dns4/example.com/udp/7420",
		"/ip4/127.0.0.1",
	}
	for _, s := range invalid {
		assert.ErrorIs(t, ValidateMultiaddr(mustMultiaddr(t, s)), ErrInvalidAddress, s)
	}
	assert.ErrorIs(t, ValidateMultiaddr(nil), ErrInvalidAddress)
}

func TestParseMultiaddrs(t *testing.T) {
	addrs, err := ParseMultiaddrs([]string{"/ip4/127.0.0.1/udp/1", "/ip4/127.0.0.2/udp/2"})
	require.NoError(t, err)
	assert.Len(t, addrs, 2)

	_, err = ParseMultiaddrs([]string{"/ip4/127.0.0.1/udp/1", "garbage"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	addrs, err = ParseMultiaddrs(nil)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestValidateSendPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	assert.NoError(t, ValidateSendPath(file))
	assert.ErrorIs(t, ValidateSendPath(""), ErrInvalidPath)
	assert.ErrorIs(t, ValidateSendPath(dir), ErrInvalidPath)
	assert.ErrorIs(t, ValidateSendPath(filepath.Join(dir, "missing")), ErrInvalidPath)
}
