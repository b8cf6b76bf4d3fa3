package wraith

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
)

func TestCurrentVersion(t *testing.T) {
	v := CurrentVersion()
	assert.Equal(t, uint8(handshake.Version), v.Major)
	assert.Equal(t, v, mustParseVersion(t, v.String()))
}

func TestVersionCompatible(t *testing.T) {
	v := ProtocolVersion{Major: 1, Minor: 2, Patch: 0}
	tests := []struct {
		other ProtocolVersion
		want  bool
	}{
		{ProtocolVersion{1, 2, 5}, true},
		{ProtocolVersion{1, 1, 0}, true},
		{ProtocolVersion{1, 3, 0}, false},
		{ProtocolVersion{2, 0, 0}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, v.Compatible(tt.other), tt.other.String())
	}
}

func TestVersionIsNewer(t *testing.T) {
	assert.True(t, ProtocolVersion{2, 0, 0}.IsNewer(ProtocolVersion{1, 9, 9}))
	assert.True(t, ProtocolVersion{1, 1, 0}.IsNewer(ProtocolVersion{1, 0, 9}))
	assert.True(t, ProtocolVersion{1, 0, 1}.IsNewer(ProtocolVersion{1, 0, 0}))
	assert.False(t, ProtocolVersion{1, 0, 0}.IsNewer(ProtocolVersion{1, 0, 0}))
}

func TestParseVersion(t *testing.T) {
	v := mustParseVersion(t, "1.2.3")
	assert.Equal(t, ProtocolVersion{1, 2, 3}, v)

	for _, s := range []string{"", "1.2", "a.b.c"} {
		_, err := ParseVersion(s)
		assert.ErrorIs(t, err, ErrVersionMismatch, s)
	}
}

func mustParseVersion(t *testing.T, s string) ProtocolVersion {
	t.Helper()
	v, err := ParseVersion(s)
	require.NoError(t, err)
	return v
}
