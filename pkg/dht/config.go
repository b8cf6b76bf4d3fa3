package dht

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for Config.
const (
	DefaultK                  = 20
	DefaultAlpha              = 3
	DefaultMaxRounds          = 16
	DefaultQueryTimeout       = 2 * time.Second
	DefaultProviderTTL        = 24 * time.Hour
	DefaultReannounceInterval = 12 * time.Hour
	DefaultRefreshInterval    = 15 * time.Minute
	DefaultMaxFailures        = 3
	DefaultMaxProvidersPerKey = 64
	DefaultRequestRate        = rate.Limit(50)
	DefaultRequestBurst       = 100
)

// Config tunes the DHT.
type Config struct {
	// K is the bucket size and the number of closest peers a lookup
	// returns.
	K int
	// Alpha is the number of parallel queries per lookup round.
	Alpha int
	// MaxRounds bounds a lookup.
	MaxRounds int
	// QueryTimeout bounds each RPC.
	QueryTimeout time.Duration

	ProviderTTL        time.Duration
	ReannounceInterval time.Duration
	RefreshInterval    time.Duration

	// MaxFailures is the number of consecutive unanswered queries after
	// which a contact is evicted.
	MaxFailures        int
	MaxProvidersPerKey int

	// RequestRate and RequestBurst limit inbound requests per source IP.
	RequestRate  rate.Limit
	RequestBurst int

	Now func() time.Time
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.K == 0 {
		c.K = DefaultK
	}
	if c.Alpha == 0 {
		c.Alpha = DefaultAlpha
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ProviderTTL == 0 {
		c.ProviderTTL = DefaultProviderTTL
	}
	if c.ReannounceInterval == 0 {
		c.ReannounceInterval = DefaultReannounceInterval
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.MaxProvidersPerKey == 0 {
		c.MaxProvidersPerKey = DefaultMaxProvidersPerKey
	}
	if c.RequestRate == 0 {
		c.RequestRate = DefaultRequestRate
	}
	if c.RequestBurst == 0 {
		c.RequestBurst = DefaultRequestBurst
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate reports invalid fields.
func (c *Config) Validate() error {
	var errs []error
	if c.K <= 0 {
		errs = append(errs, fmt.Errorf("k must be positive, got %d", c.K))
	}
	if c.Alpha <= 0 || c.Alpha > c.K {
		errs = append(errs, fmt.Errorf("alpha must be in [1, k], got %d", c.Alpha))
	}
	if c.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("max rounds must be positive, got %d", c.MaxRounds))
	}
	if c.ReannounceInterval >= c.ProviderTTL {
		errs = append(errs, errors.New("reannounce interval must be shorter than the provider TTL"))
	}
	return errors.Join(errs...)
}
