package transport

import "math"

const (
	initialCwnd            = 32.0
	initialSsthresh        = 2048
	minSsthresh            = 2
	fastRetransmitThresh   = 3
)

// CongestionControl implements AIMD with slow start, congestion avoidance
// and fast retransmit. It holds no knowledge of sequence numbers; callers
// report ack/duplicate-ack/loss events and read back window sizes.
type CongestionControl struct {
	cwnd        float64
	ssthresh    int
	dupAckCount int
}

// NewCongestionControl returns congestion state at its initial slow-start
// values.
func NewCongestionControl() *CongestionControl {
	return &CongestionControl{cwnd: initialCwnd, ssthresh: initialSsthresh}
}

// OnAck advances the window on a fresh (non-duplicate) acknowledgment:
// +1 segment per ACK during slow start, +1/cwnd during congestion
// avoidance.
func (c *CongestionControl) OnAck() {
	c.dupAckCount = 0
	if c.cwnd < float64(c.ssthresh) {
		c.cwnd++
	} else {
		c.cwnd += 1 / c.cwnd
	}
}

// OnDuplicateAck counts a duplicate ACK and reports whether this call
// reached the fast-retransmit threshold (exactly once per loss episode:
// the counter is reset by OnLoss).
func (c *CongestionControl) OnDuplicateAck() (fastRetransmit bool) {
	c.dupAckCount++
	if c.dupAckCount >= fastRetransmitThresh {
		c.OnLoss()
		return true
	}
	return false
}

// OnLoss halves the window (floor MIN_SSTHRESH) and resets to that
// ssthresh, per standard AIMD multiplicative decrease.
func (c *CongestionControl) OnLoss() {
	c.ssthresh = int(math.Max(math.Floor(c.cwnd/2), minSsthresh))
	c.cwnd = float64(c.ssthresh)
	c.dupAckCount = 0
}

// Cwnd returns the current congestion window, floored to an integer
// segment count.
func (c *CongestionControl) Cwnd() int {
	return int(c.cwnd)
}

// Ssthresh returns the current slow-start threshold.
func (c *CongestionControl) Ssthresh() int {
	return c.ssthresh
}

// EffectiveWindow returns the smaller of the congestion window and the
// receiver-advertised window — the cap on in-flight, un-acked packets.
func (c *CongestionControl) EffectiveWindow(receiverWindow int) int {
	cwnd := c.Cwnd()
	if receiverWindow < cwnd {
		return receiverWindow
	}
	return cwnd
}
