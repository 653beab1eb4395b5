// Package transport implements the reliable-delivery layer laid over the
// secure datagram transport: RTT estimation, AIMD congestion control, a
// sender-side sliding window and a receiver-side reorder buffer, wired
// together by ReliableChannel.
package transport

import "math"

const (
	rttAlpha  = 0.125
	rttBeta   = 0.25
	rtoMinMs  = 200
	rtoMaxMs  = 10_000
	rtoInitMs = 1000
)

// RTTEstimator tracks smoothed RTT and RTTVAR per RFC 6298 (Karn-safe EWMA)
// and derives a clamped retransmission timeout.
type RTTEstimator struct {
	srtt      float64
	rttvar    float64
	rtoMs     float64
	hasSample bool
}

// NewRTTEstimator returns an estimator with the initial RTO and no samples.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{rtoMs: rtoInitMs}
}

// AddSample records an RTT sample in milliseconds from a packet that was
// NOT retransmitted. Passing a sample taken from a retransmitted packet
// violates Karn's rule and the caller, not this type, is responsible for
// filtering that out.
func (r *RTTEstimator) AddSample(sampleMs float64) {
	if !r.hasSample {
		r.srtt = sampleMs
		r.rttvar = sampleMs / 2
		r.hasSample = true
	} else {
		r.rttvar = (1-rttBeta)*r.rttvar + rttBeta*math.Abs(sampleMs-r.srtt)
		r.srtt = (1-rttAlpha)*r.srtt + rttAlpha*sampleMs
	}
	rto := math.Round(r.srtt + 4*r.rttvar)
	r.rtoMs = math.Max(rtoMinMs, math.Min(rtoMaxMs, rto))
}

// Backoff doubles the current RTO on a retransmission timeout, clamped to
// the maximum. It does not touch SRTT/RTTVAR.
func (r *RTTEstimator) Backoff() {
	r.rtoMs = math.Min(r.rtoMs*2, rtoMaxMs)
}

// RTOMillis returns the current retransmission timeout in milliseconds.
func (r *RTTEstimator) RTOMillis() int64 {
	return int64(r.rtoMs)
}

// SRTT returns the current smoothed RTT in milliseconds, or 0 if no sample
// has been recorded yet.
func (r *RTTEstimator) SRTT() float64 {
	return r.srtt
}

// HasSamples reports whether at least one RTT sample has been recorded.
func (r *RTTEstimator) HasSamples() bool {
	return r.hasSample
}
