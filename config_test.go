package wraith

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/testutil"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
)

func mustMultiaddr(t testing.TB, s string) multiaddr.Multiaddr {
	t.Helper()
	ma, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return ma
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig(testutil.PrivateKey(t), mustMultiaddr(t, "/ip4/127.0.0.1/udp/0"))

	assert.Equal(t, DefaultEstablishAttempts, cfg.EstablishAttempts)
	assert.Equal(t, DefaultEstablishBaseDelay, cfg.EstablishBaseDelay)
	assert.Equal(t, DefaultEstablishMaxDelay, cfg.EstablishMaxDelay)
	assert.Equal(t, DefaultEventBufferSize, cfg.EventBufferSize)
	assert.Equal(t, DefaultWarmupTimeout, cfg.WarmupTimeout)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
	assert.NotNil(t, cfg.Tracer)
	require.NoError(t, cfg.Validate())
}

func TestConfigOptions(t *testing.T) {
	logger := testutil.NewLogger()
	relay := mustMultiaddr(t, "/ip4/198.51.100.1/udp/7420")
	cfg := NewConfig(testutil.PrivateKey(t), mustMultiaddr(t, "/ip4/127.0.0.1/udp/0"),
		WithAddressBook("/tmp/peers.cbor"),
		WithDownloadDir("/tmp/downloads"),
		WithRelays(relay),
		WithRelayServer(true),
		WithEstablishRetry(5, time.Second, 10*time.Second),
		WithEventBufferSize(7),
		WithLogger(logger),
	)

	assert.Equal(t, "/tmp/peers.cbor", cfg.AddressBookPath)
	assert.Equal(t, "/tmp/downloads", cfg.DownloadDir)
	assert.Equal(t, []multiaddr.Multiaddr{relay}, cfg.Relays)
	assert.True(t, cfg.RelayServer)
	assert.Equal(t, 5, cfg.EstablishAttempts)
	assert.Equal(t, time.Second, cfg.EstablishBaseDelay)
	assert.Equal(t, 7, cfg.EventBufferSize)
	assert.Same(t, logger, cfg.Logger)
}

func TestConfigValidate(t *testing.T) {
	listen := mustMultiaddr(t, "/ip4/127.0.0.1/udp/0")

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing key", func(c *Config) { c.PrivateKey = nil }, ErrMissingPrivateKey},
		{"short key", func(c *Config) { c.PrivateKey = c.PrivateKey[:10] }, ErrInvalidPrivateKey},
		{"no listen address", func(c *Config) { c.ListenAddr = nil }, ErrMissingListenAddr},
		{"negative attempts", func(c *Config) { c.EstablishAttempts = -1 }, ErrInvalidConfig},
		{"max below base", func(c *Config) {
			c.EstablishBaseDelay = time.Second
			c.EstablishMaxDelay = time.Millisecond
		}, ErrInvalidConfig},
		{"negative buffer", func(c *Config) { c.EventBufferSize = -1 }, ErrInvalidConfig},
		{"bad bootstrap", func(c *Config) {
			c.BootstrapPeers = []multiaddr.Multiaddr{mustMultiaddr(t, "/dns4/example.com")}
		}, ErrInvalidConfig},
		{"bad session", func(c *Config) { c.Session = session.Config{MaxFramePayload: 1 << 20} }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig(testutil.PrivateKey(t), listen)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfigPacketConnReplacesListenAddr(t *testing.T) {
	cfg := NewConfig(testutil.PrivateKey(t), nil, WithPacketConn(newLoopbackConn(t)))
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wraith.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "/ip4/0.0.0.0/udp/7420"
identity = "`+filepath.Join(dir, "identity.key")+`"
address_book = "`+filepath.Join(dir, "peers.cbor")+`"
bootstrap = ["/ip4/203.0.113.7/udp/7420"]
relays = ["/ip4/203.0.113.8/udp/7420"]
relay_server = true

[session]
rekey_interval = "90s"
idle_timeout = "2m"
padding = true
timing = "uniform"
timing_max = "3ms"

[transfer]
chunk_size = 32768
compression = true

[dht]
k = 10
`), 0o600))

	fc, err := LoadConfigFile(path)
	require.NoError(t, err)

	listen, err := fc.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, "/ip4/0.0.0.0/udp/7420", listen.String())
	assert.Equal(t, 90*time.Second, fc.Session.RekeyInterval)
	assert.Equal(t, 2*time.Minute, fc.Session.IdleTimeout)

	opts, err := fc.Options()
	require.NoError(t, err)
	cfg := NewConfig(testutil.PrivateKey(t), listen, opts...)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(dir, "peers.cbor"), cfg.AddressBookPath)
	require.Len(t, cfg.BootstrapPeers, 1)
	require.Len(t, cfg.Relays, 1)
	assert.True(t, cfg.RelayServer)
	assert.Equal(t, session.PaddingBuckets, cfg.Session.Padding)
	assert.Equal(t, session.Timing{Mode: session.TimingUniform, Max: 3 * time.Millisecond}, cfg.Session.Timing)
	assert.Equal(t, 90*time.Second, cfg.Session.RekeyInterval)
	assert.Equal(t, 32768, cfg.Transfer.ChunkSize)
	assert.True(t, cfg.Transfer.Compression)
	assert.Equal(t, 10, cfg.DHT.K)
}

func TestLoadConfigFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wraith.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = \"/ip4/0.0.0.0/udp/1\"\nlisten_port = 7\n"), 0o600))

	_, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "listen_port")
}

func TestFileConfigRejectsBadAddresses(t *testing.T) {
	fc := &FileConfig{Listen: "/ip4/0.0.0.0/udp/1", Relays: []string{"not-a-multiaddr"}}
	_, err := fc.Options()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = (&FileConfig{}).ListenAddr()
	assert.ErrorIs(t, err, ErrMissingListenAddr)
}
