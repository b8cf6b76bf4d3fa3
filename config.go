package wraith

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/otel"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/dht"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/nat"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
)

// Default configuration values.
const (
	DefaultEstablishAttempts  = 3
	DefaultEstablishBaseDelay = 500 * time.Millisecond
	DefaultEstablishMaxDelay  = 5 * time.Second
	DefaultEventBufferSize    = 100
	DefaultWarmupTimeout      = 30 * time.Second
)

// Config holds the configuration for a WRAITH node.
type Config struct {
	// PrivateKey is the Ed25519 private key for this node's identity.
	// This is required and must be provided by the application.
	PrivateKey ed25519.PrivateKey

	// ListenAddr is the multiaddress of the node socket, for example
	// /ip4/0.0.0.0/udp/7420. A /tcp address selects the TCP fallback.
	ListenAddr multiaddr.Multiaddr

	// AddressBookPath is the file path for persisting the address book.
	// Empty keeps the book in memory.
	AddressBookPath string

	// ResumeStorePath is the bbolt database holding partial transfer
	// state. Empty keeps it in memory.
	ResumeStorePath string

	// DownloadDir is where received files land when Receive is given no
	// destination path.
	DownloadDir string

	// BootstrapPeers seed the DHT routing table on start.
	BootstrapPeers []multiaddr.Multiaddr

	// Relays are relay servers the node registers with on start. Their
	// circuit addresses are advertised in the DHT.
	Relays []multiaddr.Multiaddr

	// Reflectors are STUN servers used for NAT detection. Classification
	// beyond open/unknown needs two at different IPs.
	Reflectors []multiaddr.Multiaddr

	// RelayServer makes this node forward packets for registered clients.
	RelayServer bool

	// Subsystem tuning. Zero fields take each package's defaults.
	Session   session.Config
	Handshake handshake.Options
	Transfer  transfer.Config
	DHT       dht.Config
	NAT       nat.Config

	// EstablishAttempts bounds handshake retries in EstablishSession.
	// Retries back off from EstablishBaseDelay up to EstablishMaxDelay.
	EstablishAttempts  int
	EstablishBaseDelay time.Duration
	EstablishMaxDelay  time.Duration

	// WarmupTimeout bounds the relay, NAT detection and bootstrap work
	// Start runs in the background.
	WarmupTimeout time.Duration

	// EventBufferSize is the buffer size for the events channel.
	EventBufferSize int

	// Logger is the logger for the node. If nil, a NopLogger is used.
	// The logger must be safe for concurrent use.
	Logger Logger

	// Metrics is the metrics collector for the node. If nil, a NopMetrics is used.
	// The metrics collector must be safe for concurrent use.
	Metrics Metrics

	// Tracer records spans for session establishment, transfers and
	// lookups. If nil, nothing is traced.
	Tracer *otel.Tracer

	// PacketConn replaces the socket opened from ListenAddr. The node
	// takes ownership and closes it on Shutdown.
	PacketConn net.PacketConn
}

// Validate checks that the configuration is valid and returns an error
// describing any problems found. Subsystem settings are checked when the
// node is created.
func (c *Config) Validate() error {
	if c.PrivateKey == nil {
		return ErrMissingPrivateKey
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(c.PrivateKey))
	}
	if c.ListenAddr == nil && c.PacketConn == nil {
		return ErrMissingListenAddr
	}
	if c.EstablishAttempts < 0 {
		return fmt.Errorf("%w: establish attempts cannot be negative", ErrInvalidConfig)
	}
	if c.EstablishBaseDelay < 0 || c.EstablishMaxDelay < 0 {
		return fmt.Errorf("%w: establish delays cannot be negative", ErrInvalidConfig)
	}
	if c.EstablishMaxDelay > 0 && c.EstablishMaxDelay < c.EstablishBaseDelay {
		return fmt.Errorf("%w: establish max delay cannot be less than base delay", ErrInvalidConfig)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: event buffer size cannot be negative", ErrInvalidConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: session: %w", ErrInvalidConfig, err)
	}
	for _, list := range [][]multiaddr.Multiaddr{c.BootstrapPeers, c.Relays, c.Reflectors} {
		if err := ValidateMultiaddrs(list); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if c.EstablishAttempts == 0 {
		c.EstablishAttempts = DefaultEstablishAttempts
	}
	if c.EstablishBaseDelay == 0 {
		c.EstablishBaseDelay = DefaultEstablishBaseDelay
	}
	if c.EstablishMaxDelay == 0 {
		c.EstablishMaxDelay = DefaultEstablishMaxDelay
	}
	if c.WarmupTimeout == 0 {
		c.WarmupTimeout = DefaultWarmupTimeout
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.Handshake.Timeout == 0 {
		c.Handshake.Timeout = c.Session.HandshakeTimeout
	}
	if c.Handshake.RetransmitInterval == 0 {
		c.Handshake.RetransmitInterval = c.Session.HandshakeRetransmit
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = otel.NewTracer(nil)
	}
}

// ConfigOption is a functional option for configuring a Node.
type ConfigOption func(*Config)

// WithAddressBook persists the address book at path.
func WithAddressBook(path string) ConfigOption {
	return func(c *Config) {
		c.AddressBookPath = path
	}
}

// WithResumeStore persists partial transfer state in a bbolt database at path.
func WithResumeStore(path string) ConfigOption {
	return func(c *Config) {
		c.ResumeStorePath = path
	}
}

// WithDownloadDir sets the default directory for received files.
func WithDownloadDir(dir string) ConfigOption {
	return func(c *Config) {
		c.DownloadDir = dir
	}
}

// WithBootstrapPeers sets the DHT seed addresses.
func WithBootstrapPeers(addrs ...multiaddr.Multiaddr) ConfigOption {
	return func(c *Config) {
		c.BootstrapPeers = append(c.BootstrapPeers, addrs...)
	}
}

// WithRelays sets the relay servers to register with.
func WithRelays(addrs ...multiaddr.Multiaddr) ConfigOption {
	return func(c *Config) {
		c.Relays = append(c.Relays, addrs...)
	}
}

// WithReflectors sets the STUN servers used for NAT detection.
func WithReflectors(addrs ...multiaddr.Multiaddr) ConfigOption {
	return func(c *Config) {
		c.Reflectors = append(c.Reflectors, addrs...)
	}
}

// WithRelayServer enables forwarding for relay clients.
func WithRelayServer(enabled bool) ConfigOption {
	return func(c *Config) {
		c.RelayServer = enabled
	}
}

// WithSessionConfig sets session tuning.
func WithSessionConfig(sc session.Config) ConfigOption {
	return func(c *Config) {
		c.Session = sc
	}
}

// WithHandshakeOptions sets handshake timing.
func WithHandshakeOptions(o handshake.Options) ConfigOption {
	return func(c *Config) {
		c.Handshake = o
	}
}

// WithTransferConfig sets transfer tuning.
func WithTransferConfig(tc transfer.Config) ConfigOption {
	return func(c *Config) {
		c.Transfer = tc
	}
}

// WithDHTConfig sets DHT tuning.
func WithDHTConfig(dc dht.Config) ConfigOption {
	return func(c *Config) {
		c.DHT = dc
	}
}

// WithNATConfig sets traversal tuning.
func WithNATConfig(nc nat.Config) ConfigOption {
	return func(c *Config) {
		c.NAT = nc
	}
}

// WithEstablishRetry sets the handshake retry policy of EstablishSession.
func WithEstablishRetry(attempts int, base, max time.Duration) ConfigOption {
	return func(c *Config) {
		c.EstablishAttempts = attempts
		c.EstablishBaseDelay = base
		c.EstablishMaxDelay = max
	}
}

// WithEventBufferSize sets the buffer size for the events channel.
func WithEventBufferSize(size int) ConfigOption {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithLogger sets the logger for the node.
// The logger must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector for the node.
// The metrics collector must be safe for concurrent use.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the span recorder for the node.
func WithTracer(t *otel.Tracer) ConfigOption {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithPacketConn runs the node on conn instead of opening ListenAddr.
func WithPacketConn(conn net.PacketConn) ConfigOption {
	return func(c *Config) {
		c.PacketConn = conn
	}
}

// NewConfig creates a new Config with the required fields and applies
// any provided options. It applies defaults for unset optional fields
// but does not validate the configuration.
func NewConfig(
	privateKey ed25519.PrivateKey,
	listenAddr multiaddr.Multiaddr,
	opts ...ConfigOption,
) *Config {
	c := &Config{
		PrivateKey: privateKey,
		ListenAddr: listenAddr,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}

// FileConfig is the TOML form of a node configuration.
//
//	listen = "/ip4/0.0.0.0/udp/7420"
//	identity = "~/.wraith/identity.key"
//	address_book = "~/.wraith/peers.cbor"
//	bootstrap = ["/ip4/203.0.113.7/udp/7420"]
//
//	[session]
//	rekey_interval = "2m"
//	padding = true
//	timing = "uniform"
//	timing_min = "0s"
//	timing_max = "5ms"
type FileConfig struct {
	Listen      string   `toml:"listen"`
	Identity    string   `toml:"identity"`
	AddressBook string   `toml:"address_book"`
	ResumeStore string   `toml:"resume_store"`
	DownloadDir string   `toml:"download_dir"`
	Bootstrap   []string `toml:"bootstrap"`
	Relays      []string `toml:"relays"`
	Reflectors  []string `toml:"reflectors"`
	RelayServer bool     `toml:"relay_server"`

	Session struct {
		RekeyAfterPackets uint64        `toml:"rekey_after_packets"`
		RekeyAfterBytes   uint64        `toml:"rekey_after_bytes"`
		RekeyInterval     time.Duration `toml:"rekey_interval"`
		IdleTimeout       time.Duration `toml:"idle_timeout"`
		KeepaliveInterval time.Duration `toml:"keepalive_interval"`
		MaxAuthFailures   int           `toml:"max_auth_failures"`
		Padding           bool          `toml:"padding"`
		Timing            string        `toml:"timing"`
		TimingMin         time.Duration `toml:"timing_min"`
		TimingMax         time.Duration `toml:"timing_max"`
		TimingMean        time.Duration `toml:"timing_mean"`
		TimingStdDev      time.Duration `toml:"timing_stddev"`
	} `toml:"session"`

	Transfer struct {
		ChunkSize   int  `toml:"chunk_size"`
		MaxWindow   int  `toml:"max_window"`
		Compression bool `toml:"compression"`
	} `toml:"transfer"`

	DHT struct {
		K           int           `toml:"k"`
		Alpha       int           `toml:"alpha"`
		ProviderTTL time.Duration `toml:"provider_ttl"`
	} `toml:"dht"`
}

// LoadConfigFile reads a TOML configuration file.
func LoadConfigFile(path string) (*FileConfig, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalidConfig, path, undecoded[0].String())
	}
	return &fc, nil
}

// ListenAddr parses the listen address.
func (fc *FileConfig) ListenAddr() (multiaddr.Multiaddr, error) {
	if fc.Listen == "" {
		return nil, ErrMissingListenAddr
	}
	ma, err := multiaddr.NewMultiaddr(fc.Listen)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %w", ErrInvalidConfig, err)
	}
	return ma, nil
}

// Options converts the file settings to configuration options. Paths
// starting with ~ are expanded.
func (fc *FileConfig) Options() ([]ConfigOption, error) {
	var opts []ConfigOption

	for _, p := range []struct {
		value string
		opt   func(string) ConfigOption
	}{
		{fc.AddressBook, WithAddressBook},
		{fc.ResumeStore, WithResumeStore},
		{fc.DownloadDir, WithDownloadDir},
	} {
		if p.value == "" {
			continue
		}
		expanded, err := homedir.Expand(p.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, p.opt(expanded))
	}

	for _, l := range []struct {
		name   string
		values []string
		opt    func(...multiaddr.Multiaddr) ConfigOption
	}{
		{"bootstrap", fc.Bootstrap, WithBootstrapPeers},
		{"relays", fc.Relays, WithRelays},
		{"reflectors", fc.Reflectors, WithReflectors},
	} {
		addrs, err := ParseMultiaddrs(l.values)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, l.name, err)
		}
		if len(addrs) > 0 {
			opts = append(opts, l.opt(addrs...))
		}
	}
	if fc.RelayServer {
		opts = append(opts, WithRelayServer(true))
	}

	sc := session.Config{
		RekeyAfterPackets: fc.Session.RekeyAfterPackets,
		RekeyAfterBytes:   fc.Session.RekeyAfterBytes,
		RekeyInterval:     fc.Session.RekeyInterval,
		IdleTimeout:       fc.Session.IdleTimeout,
		KeepaliveInterval: fc.Session.KeepaliveInterval,
		MaxAuthFailures:   fc.Session.MaxAuthFailures,
	}
	if fc.Session.Padding {
		sc.Padding = session.PaddingBuckets
	}
	if fc.Session.Timing != "" {
		mode, err := session.ParseTimingMode(fc.Session.Timing)
		if err != nil {
			return nil, fmt.Errorf("%w: session.timing: %w", ErrInvalidConfig, err)
		}
		sc.Timing = session.Timing{
			Mode:   mode,
			Min:    fc.Session.TimingMin,
			Max:    fc.Session.TimingMax,
			Mean:   fc.Session.TimingMean,
			StdDev: fc.Session.TimingStdDev,
		}
	}
	opts = append(opts, WithSessionConfig(sc))

	opts = append(opts, WithTransferConfig(transfer.Config{
		ChunkSize:   fc.Transfer.ChunkSize,
		MaxWindow:   fc.Transfer.MaxWindow,
		Compression: fc.Transfer.Compression,
	}))
	opts = append(opts, WithDHTConfig(dht.Config{
		K:           fc.DHT.K,
		Alpha:       fc.DHT.Alpha,
		ProviderTTL: fc.DHT.ProviderTTL,
	}))
	return opts, nil
}
