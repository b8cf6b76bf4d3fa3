package session

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// TimingMode selects how outgoing data frames are delayed to blur
// inter-packet timing.
type TimingMode int

const (
	// TimingNone sends every frame immediately.
	TimingNone TimingMode = iota
	// TimingFixed delays every data frame by Mean.
	TimingFixed
	// TimingUniform draws delays uniformly from [Min, Max].
	TimingUniform
	// TimingNormal draws delays from a normal distribution around Mean,
	// clipped at zero.
	TimingNormal
	// TimingExponential draws delays from an exponential distribution
	// with mean Mean.
	TimingExponential
)

func (m TimingMode) String() string {
	switch m {
	case TimingNone:
		return "none"
	case TimingFixed:
		return "fixed"
	case TimingUniform:
		return "uniform"
	case TimingNormal:
		return "normal"
	case TimingExponential:
		return "exponential"
	default:
		return fmt.Sprintf("TimingMode(%d)", int(m))
	}
}

// ParseTimingMode maps a mode name as returned by String back to a mode.
func ParseTimingMode(s string) (TimingMode, error) {
	for m := TimingNone; m <= TimingExponential; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return TimingNone, fmt.Errorf("unknown timing mode %q", s)
}

// maxDelayFactor caps normal and exponential delays at this multiple of
// Mean.
const maxDelayFactor = 8

// Timing configures send delays for data frames. Reliable and liveness
// frames are never delayed; their timing feeds the RTT estimate.
type Timing struct {
	Mode   TimingMode
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
}

func (t Timing) validate() error {
	if t.Min < 0 || t.Max < 0 || t.Mean < 0 || t.StdDev < 0 {
		return fmt.Errorf("timing durations must not be negative")
	}
	switch t.Mode {
	case TimingNone, TimingFixed, TimingNormal, TimingExponential:
	case TimingUniform:
		if t.Max < t.Min {
			return fmt.Errorf("timing Max (%v) is below Min (%v)", t.Max, t.Min)
		}
	default:
		return fmt.Errorf("unknown timing mode %d", int(t.Mode))
	}
	return nil
}

// delay draws the wait before the next data frame.
func (t Timing) delay() time.Duration {
	var d time.Duration
	switch t.Mode {
	case TimingFixed:
		return t.Mean
	case TimingUniform:
		if t.Max <= t.Min {
			return t.Min
		}
		return t.Min + rand.N(t.Max-t.Min+1)
	case TimingNormal:
		d = t.Mean + time.Duration(rand.NormFloat64()*float64(t.StdDev))
	case TimingExponential:
		d = time.Duration(rand.ExpFloat64() * float64(t.Mean))
	default:
		return 0
	}
	return min(max(d, 0), maxDelayFactor*t.Mean)
}
