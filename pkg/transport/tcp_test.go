package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPPacketConn_RoundTrip(t *testing.T) {
	a, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.WriteTo([]byte("first"), b.LocalAddr())
	require.NoError(t, err)
	_, err = a.WriteTo([]byte("second"), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))
	n, _, err = b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]), "datagram boundaries must be preserved")

	// Reply over the accepted connection.
	_, err = b.WriteTo([]byte("reply"), from)
	require.NoError(t, err)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = a.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestTCPPacketConn_ReadDeadline(t *testing.T) {
	c, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err = c.ReadFrom(make([]byte, 8))
	assert.Error(t, err)
}

func TestTCPPacketConn_Close(t *testing.T) {
	c, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	_, err = c.WriteTo([]byte("x"), c.LocalAddr())
	assert.Error(t, err)
}
