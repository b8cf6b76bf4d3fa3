package nat

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Defaults.
const (
	DefaultProbeTimeout      = 500 * time.Millisecond
	DefaultProbeRetries      = 3
	DefaultDirectTimeout     = time.Second
	DefaultPunchTimeout      = 3 * time.Second
	DefaultPunchInterval     = 20 * time.Millisecond
	DefaultPunchDelay        = 100 * time.Millisecond
	DefaultRelayTimeout      = 2 * time.Second
	DefaultAttempts          = 2
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultReconnectBase     = 200 * time.Millisecond
	DefaultReconnectMax      = 10 * time.Second

	DefaultMaxClients    = 256
	DefaultClientRate    = rate.Limit(2000)
	DefaultClientBurst   = 4000
	DefaultClientTimeout = 30 * time.Second
	DefaultRegisterSkew  = 30 * time.Second
)

// Config holds traversal settings.
type Config struct {
	// ProbeTimeout bounds each STUN probe; ProbeRetries resends it.
	ProbeTimeout time.Duration
	ProbeRetries int

	// DirectTimeout bounds each direct candidate.
	DirectTimeout time.Duration
	// PunchTimeout bounds one hole-punch attempt; probes go out every
	// PunchInterval after PunchDelay.
	PunchTimeout  time.Duration
	PunchInterval time.Duration
	PunchDelay    time.Duration
	// RelayTimeout bounds each relay candidate.
	RelayTimeout time.Duration
	// Attempts is how many times the direct, punch and relay sequence runs.
	Attempts int

	// KeepaliveInterval paces relay keepalives. A relay that misses three
	// is reconnected with backoff between ReconnectBase and ReconnectMax.
	KeepaliveInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	// Relay server limits.
	MaxClients    int
	ClientRate    rate.Limit
	ClientBurst   int
	ClientTimeout time.Duration
	RegisterSkew  time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeRetries == 0 {
		c.ProbeRetries = DefaultProbeRetries
	}
	if c.DirectTimeout == 0 {
		c.DirectTimeout = DefaultDirectTimeout
	}
	if c.PunchTimeout == 0 {
		c.PunchTimeout = DefaultPunchTimeout
	}
	if c.PunchInterval == 0 {
		c.PunchInterval = DefaultPunchInterval
	}
	if c.PunchDelay == 0 {
		c.PunchDelay = DefaultPunchDelay
	}
	if c.RelayTimeout == 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.ClientRate == 0 {
		c.ClientRate = DefaultClientRate
	}
	if c.ClientBurst == 0 {
		c.ClientBurst = DefaultClientBurst
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.RegisterSkew == 0 {
		c.RegisterSkew = DefaultRegisterSkew
	}
}

// Validate reports invalid fields.
func (c *Config) Validate() error {
	var errs []error
	if c.ProbeRetries < 1 {
		errs = append(errs, fmt.Errorf("probe retries must be at least 1, got %d", c.ProbeRetries))
	}
	if c.Attempts < 1 {
		errs = append(errs, fmt.Errorf("attempts must be at least 1, got %d", c.Attempts))
	}
	if c.PunchInterval >= c.PunchTimeout {
		errs = append(errs, errors.New("punch interval must be shorter than the punch timeout"))
	}
	if c.ReconnectBase > c.ReconnectMax {
		errs = append(errs, errors.New("reconnect base delay exceeds the maximum"))
	}
	if c.ClientTimeout <= c.KeepaliveInterval {
		errs = append(errs, errors.New("relay client timeout must exceed the keepalive interval"))
	}
	return errors.Join(errs...)
}
