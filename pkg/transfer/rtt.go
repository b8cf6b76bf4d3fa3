package transfer

import "time"

const minChunkRTO = 100 * time.Millisecond

// rttEstimator tracks chunk acknowledgement times (RFC 6298).
type rttEstimator struct {
	initial time.Duration
	max     time.Duration
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool
}

func (r *rttEstimator) observe(sample time.Duration) {
	if !r.sampled {
		r.srtt = sample
		r.rttvar = sample / 2
		r.sampled = true
		return
	}
	diff := r.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
	r.srtt = (7*r.srtt + sample) / 8
}

// timeout returns the retransmission timeout after attempts sends,
// doubling per attempt.
func (r *rttEstimator) timeout(attempts int) time.Duration {
	rto := r.initial
	if r.sampled {
		rto = r.srtt + 4*r.rttvar
	}
	if rto < minChunkRTO {
		rto = minChunkRTO
	}
	for i := 1; i < attempts && rto < r.max; i++ {
		rto *= 2
	}
	if rto > r.max {
		rto = r.max
	}
	return rto
}
