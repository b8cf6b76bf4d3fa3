package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/flow"
)

// Defaults for Config.
const (
	DefaultChunkSize       = 16 * 1024
	DefaultFragmentSize    = 1024
	DefaultInitialWindow   = 8
	DefaultMinWindow       = flow.DefaultMinWindow
	DefaultMaxWindow       = 256
	DefaultChunkRTO        = 500 * time.Millisecond
	DefaultMaxChunkRTO     = 8 * time.Second
	DefaultMaxChunkRetries = 8
	DefaultOfferTimeout    = 60 * time.Second
	DefaultCompleteTimeout = 30 * time.Second
	DefaultStallTimeout    = 60 * time.Second
	DefaultAckInterval     = 20 * time.Millisecond
	DefaultMaxQueuedOffers = 16
	DefaultDataQueue       = 2048
	DefaultTickInterval    = 25 * time.Millisecond

	DefaultMaxOfferSize        = 1 << 40
	DefaultMaxChunkCount       = 1 << 22
	DefaultMaxEarlyMessages    = 64
	DefaultMaxEarlyBytes       = 256 * 1024
	DefaultHashRequestInterval = time.Second
)

// MaxFragmentSize bounds the fragment size a sender may announce.
const MaxFragmentSize = 64 * 1024

// Config tunes the transfer engine.
type Config struct {
	// ChunkSize is the unit of hashing, acknowledgement and flow control.
	ChunkSize int
	// FragmentSize bounds the chunk bytes carried by one data frame.
	FragmentSize int

	// Window bounds, in chunks.
	InitialWindow int
	MinWindow     int
	MaxWindow     int

	// ChunkRTO is the initial retransmission timeout for a chunk. It adapts
	// to measured acknowledgement times, capped at MaxChunkRTO.
	ChunkRTO    time.Duration
	MaxChunkRTO time.Duration
	// MaxChunkRetries bounds retransmissions of one chunk, whether for
	// timeouts or integrity failures.
	MaxChunkRetries int

	// OfferTimeout bounds the wait for the receiver to accept an offer.
	// Queued offers expire after the same duration.
	OfferTimeout time.Duration
	// CompleteTimeout bounds the wait for the receiver's final verdict
	// once every chunk is acknowledged.
	CompleteTimeout time.Duration
	// StallTimeout fails a receiver that sees no progress for this long.
	StallTimeout time.Duration

	AckInterval     time.Duration
	MaxQueuedOffers int
	DataQueue       int
	TickInterval    time.Duration

	// Compression enables zstd for outgoing chunks that shrink.
	Compression bool
	// HashWorkers bounds parallel chunk hashing. Zero uses GOMAXPROCS.
	HashWorkers int

	// Limits on incoming offers. A receiver allocates per-chunk state on
	// acceptance, so offers above either bound are rejected on arrival.
	MaxOfferSize  uint64
	MaxChunkCount int

	// MaxEarlyMessages and MaxEarlyBytes bound what is buffered for one
	// offer before it is accepted. Hash lists dropped here are fetched
	// again with HashRequest every HashRequestInterval.
	MaxEarlyMessages    int
	MaxEarlyBytes       int
	HashRequestInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setInt := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v == 0 {
			*v = d
		}
	}
	setInt(&c.ChunkSize, DefaultChunkSize)
	setInt(&c.FragmentSize, DefaultFragmentSize)
	setInt(&c.InitialWindow, DefaultInitialWindow)
	setInt(&c.MinWindow, DefaultMinWindow)
	setInt(&c.MaxWindow, DefaultMaxWindow)
	setDur(&c.ChunkRTO, DefaultChunkRTO)
	setDur(&c.MaxChunkRTO, DefaultMaxChunkRTO)
	setInt(&c.MaxChunkRetries, DefaultMaxChunkRetries)
	setDur(&c.OfferTimeout, DefaultOfferTimeout)
	setDur(&c.CompleteTimeout, DefaultCompleteTimeout)
	setDur(&c.StallTimeout, DefaultStallTimeout)
	setDur(&c.AckInterval, DefaultAckInterval)
	setInt(&c.MaxQueuedOffers, DefaultMaxQueuedOffers)
	setInt(&c.DataQueue, DefaultDataQueue)
	setDur(&c.TickInterval, DefaultTickInterval)
	if c.MaxOfferSize == 0 {
		c.MaxOfferSize = DefaultMaxOfferSize
	}
	setInt(&c.MaxChunkCount, DefaultMaxChunkCount)
	setInt(&c.MaxEarlyMessages, DefaultMaxEarlyMessages)
	setInt(&c.MaxEarlyBytes, DefaultMaxEarlyBytes)
	setDur(&c.HashRequestInterval, DefaultHashRequestInterval)
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.FragmentSize <= 0 {
		errs = append(errs, fmt.Errorf("fragment size must be positive, got %d", c.FragmentSize))
	} else if c.FragmentSize > MaxFragmentSize {
		errs = append(errs, fmt.Errorf("fragment size %d exceeds %d", c.FragmentSize, MaxFragmentSize))
	} else if n := fragmentCount(maxEncodedChunk(c.ChunkSize), c.FragmentSize); n > 0xFFFF {
		errs = append(errs, fmt.Errorf("chunk size %d needs %d fragments", c.ChunkSize, n))
	}
	if c.MinWindow <= 0 || c.MaxWindow < c.MinWindow {
		errs = append(errs, fmt.Errorf("invalid window bounds [%d, %d]", c.MinWindow, c.MaxWindow))
	}
	if c.MaxChunkRetries < 0 {
		errs = append(errs, errors.New("max chunk retries must not be negative"))
	}
	if c.ChunkRTO <= 0 || c.MaxChunkRTO < c.ChunkRTO {
		errs = append(errs, fmt.Errorf("invalid chunk RTO bounds [%s, %s]", c.ChunkRTO, c.MaxChunkRTO))
	}
	if c.MaxChunkCount < 0 || c.MaxEarlyMessages < 0 || c.MaxEarlyBytes < 0 {
		errs = append(errs, errors.New("receive limits must not be negative"))
	}
	return errors.Join(errs...)
}

// maxEncodedChunk is the largest encoded form of a chunk: the encoding
// byte plus the raw bytes. Compressed chunks are only sent when smaller.
func maxEncodedChunk(chunkSize int) int { return chunkSize + 1 }

func fragmentCount(encoded, fragmentSize int) int {
	if encoded == 0 {
		return 1
	}
	return (encoded + fragmentSize - 1) / fragmentSize
}
