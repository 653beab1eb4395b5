package transport

import "testing"

func TestSlowStartDoubling(t *testing.T) {
	c := NewCongestionControl()
	for i := 0; i < 32; i++ {
		c.OnAck()
	}
	if c.Cwnd() != 64 {
		t.Errorf("cwnd after 32 acks in slow start = %d, want 64", c.Cwnd())
	}
}

func TestCongestionAvoidanceLinearGrowth(t *testing.T) {
	c := NewCongestionControl()
	// Drive cwnd up to ssthresh to enter congestion avoidance.
	for c.Cwnd() < c.Ssthresh() {
		c.OnAck()
	}
	before := c.cwnd
	rounds := int(before)
	for i := 0; i < rounds; i++ {
		c.OnAck()
	}
	growth := c.cwnd - before
	if growth < 0.9 || growth > 1.1 {
		t.Errorf("congestion avoidance growth over one RTT's ACKs = %v, want ~1.0", growth)
	}
}

func TestOnLossHalvesWindow(t *testing.T) {
	c := NewCongestionControl()
	for i := 0; i < 100; i++ {
		c.OnAck()
	}
	cwndBefore := c.cwnd
	c.OnLoss()
	wantSsthresh := int(cwndBefore / 2)
	if wantSsthresh < minSsthresh {
		wantSsthresh = minSsthresh
	}
	if c.Ssthresh() != wantSsthresh {
		t.Errorf("ssthresh after loss = %d, want %d", c.Ssthresh(), wantSsthresh)
	}
	if c.Cwnd() != c.Ssthresh() {
		t.Errorf("cwnd after loss = %d, want == ssthresh %d", c.Cwnd(), c.Ssthresh())
	}
}

func TestThreeDuplicateAcksTriggerLossOnce(t *testing.T) {
	c := NewCongestionControl()
	for i := 0; i < 10; i++ {
		c.OnAck()
	}
	cwndAtTen := c.Cwnd()

	if c.OnDuplicateAck() {
		t.Fatal("first duplicate ack should not trigger fast retransmit")
	}
	if c.OnDuplicateAck() {
		t.Fatal("second duplicate ack should not trigger fast retransmit")
	}
	if !c.OnDuplicateAck() {
		t.Fatal("third duplicate ack should trigger fast retransmit")
	}
	if c.Cwnd() >= cwndAtTen {
		t.Errorf("cwnd should have dropped after fast retransmit loss: before=%d after=%d", cwndAtTen, c.Cwnd())
	}

	// A fourth duplicate, without an intervening OnAck/OnLoss reset,
	// should not re-trigger since the counter was reset by OnLoss.
	if c.OnDuplicateAck() {
		t.Error("duplicate ack right after a loss episode should not immediately retrigger")
	}
}

func TestEffectiveWindow(t *testing.T) {
	c := NewCongestionControl()
	if got := c.EffectiveWindow(10); got != 10 {
		t.Errorf("effective window = %d, want min(cwnd=32, recv=10) = 10", got)
	}
	if got := c.EffectiveWindow(1000); got != c.Cwnd() {
		t.Errorf("effective window = %d, want cwnd %d", got, c.Cwnd())
	}
}
