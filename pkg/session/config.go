package session

import (
	"fmt"
	"time"
)

// Defaults for Config.
const (
	DefaultRekeyAfterPackets     = 1 << 20
	DefaultRekeyAfterBytes       = 1 << 30
	DefaultRekeyInterval         = 2 * time.Minute
	DefaultRekeyTimeout          = 5 * time.Second
	DefaultPreviousEpochGrace    = 10 * time.Second
	DefaultMaxAuthFailures       = 64
	DefaultKeepaliveInterval     = 15 * time.Second
	DefaultIdleTimeout           = 60 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultHandshakeRetransmit   = 500 * time.Millisecond
	DefaultCloseTimeout          = 2 * time.Second
	DefaultControlRTO            = 300 * time.Millisecond
	DefaultMaxControlRTO         = 5 * time.Second
	DefaultMaxControlRetransmits = 10
	DefaultMaxInflightControl    = 256
	DefaultMaxFramePayload       = 1200
	DefaultDataBuffer            = 1024
	DefaultMessageBuffer         = 256
	DefaultTickInterval          = 50 * time.Millisecond
)

// Config tunes a session. Zero fields take their defaults.
type Config struct {
	// RekeyAfterPackets, RekeyAfterBytes and RekeyInterval trigger a key
	// ratchet when any of them is reached under the current send epoch.
	RekeyAfterPackets uint64
	RekeyAfterBytes   uint64
	RekeyInterval     time.Duration

	// RekeyTimeout abandons a ratchet step the peer never answered.
	RekeyTimeout time.Duration

	// PreviousEpochGrace keeps the old receive key after a switch.
	PreviousEpochGrace time.Duration

	// MaxAuthFailures closes the session after this many consecutive
	// frames fail authentication.
	MaxAuthFailures int

	KeepaliveInterval   time.Duration
	IdleTimeout         time.Duration
	HandshakeTimeout    time.Duration
	HandshakeRetransmit time.Duration
	CloseTimeout        time.Duration

	// ControlRTO is the initial retransmission timeout of the reliable
	// channel before an RTT sample exists.
	ControlRTO            time.Duration
	MaxControlRTO         time.Duration
	MaxControlRetransmits int
	MaxInflightControl    int

	// MaxFramePayload bounds the payload of a single frame.
	MaxFramePayload int
	Padding         PaddingMode
	// Timing delays outgoing data frames. The zero value sends at once.
	Timing Timing

	DataBuffer    int
	MessageBuffer int

	// TickInterval is the granularity of timers.
	TickInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.RekeyAfterPackets == 0 {
		c.RekeyAfterPackets = DefaultRekeyAfterPackets
	}
	if c.RekeyAfterBytes == 0 {
		c.RekeyAfterBytes = DefaultRekeyAfterBytes
	}
	if c.RekeyInterval <= 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.RekeyTimeout <= 0 {
		c.RekeyTimeout = DefaultRekeyTimeout
	}
	if c.PreviousEpochGrace <= 0 {
		c.PreviousEpochGrace = DefaultPreviousEpochGrace
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HandshakeRetransmit <= 0 {
		c.HandshakeRetransmit = DefaultHandshakeRetransmit
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.ControlRTO <= 0 {
		c.ControlRTO = DefaultControlRTO
	}
	if c.MaxControlRTO <= 0 {
		c.MaxControlRTO = DefaultMaxControlRTO
	}
	if c.MaxControlRetransmits <= 0 {
		c.MaxControlRetransmits = DefaultMaxControlRetransmits
	}
	if c.MaxInflightControl <= 0 {
		c.MaxInflightControl = DefaultMaxInflightControl
	}
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = DefaultMaxFramePayload
	}
	if c.DataBuffer <= 0 {
		c.DataBuffer = DefaultDataBuffer
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = DefaultMessageBuffer
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.MaxFramePayload > 0 && c.MaxFramePayload < controlSeqSize+16 {
		return fmt.Errorf("MaxFramePayload must be at least %d, got %d", controlSeqSize+16, c.MaxFramePayload)
	}
	if c.MaxFramePayload > 65000 {
		return fmt.Errorf("MaxFramePayload must be at most 65000, got %d", c.MaxFramePayload)
	}
	if c.IdleTimeout > 0 && c.KeepaliveInterval > 0 && c.KeepaliveInterval >= c.IdleTimeout {
		return fmt.Errorf("KeepaliveInterval (%v) must be less than IdleTimeout (%v)", c.KeepaliveInterval, c.IdleTimeout)
	}
	if err := c.Timing.validate(); err != nil {
		return err
	}
	return nil
}

// MaxMessageSize is the largest payload SendMessage accepts.
func (c Config) MaxMessageSize() int {
	n := c.MaxFramePayload
	if n <= 0 {
		n = DefaultMaxFramePayload
	}
	return n - controlSeqSize
}
