package transport

import (
	"reflect"
	"testing"
	"time"
)

func TestReceiveBufferOutOfOrderThenDrain(t *testing.T) {
	b := NewReceiveBuffer(0)

	if d := b.Deliver(2, []byte("2")); d != nil {
		t.Errorf("seq 2 arriving first should buffer, not deliver: got %v", d)
	}
	if d := b.Deliver(1, []byte("1")); d != nil {
		t.Errorf("seq 1 arriving second should still buffer: got %v", d)
	}

	got := b.Deliver(0, []byte("0"))
	want := []DeliveredPacket{
		{Sequence: 0, Payload: []byte("0")},
		{Sequence: 1, Payload: []byte("1")},
		{Sequence: 2, Payload: []byte("2")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delivered batch = %v, want %v", got, want)
	}

	if d := b.Deliver(1, []byte("dup")); d != nil {
		t.Errorf("re-delivering seq 1 should be empty (duplicate), got %v", d)
	}
}

func TestReceiveBufferSackAfterPartialDelivery(t *testing.T) {
	b := NewReceiveBuffer(0)
	b.Deliver(2, []byte("2"))
	b.Deliver(3, []byte("3"))
	b.Deliver(0, []byte("0"))

	sack := b.GenerateSack()
	if sack.CumulativeAck != 0 {
		t.Errorf("cumulative ack = %d, want 0", sack.CumulativeAck)
	}
	if len(sack.Ranges) != 1 || sack.Ranges[0] != (SackRange{StartSeq: 2, EndSeq: 3}) {
		t.Errorf("ranges = %v, want [[2-3]]", sack.Ranges)
	}
}

func TestReceiveBufferWindowGrowsAfterConsecutiveInOrder(t *testing.T) {
	b := NewReceiveBuffer(0)
	start := b.MaxWindow()
	for i := uint32(0); i < growThreshold; i++ {
		b.Deliver(i, []byte{byte(i)})
	}
	if b.MaxWindow() != min(start+growIncrement, maxWindowSize) {
		t.Errorf("max window after %d consecutive in-order deliveries = %d, want %d",
			growThreshold, b.MaxWindow(), min(start+growIncrement, maxWindowSize))
	}
}

func TestReceiveBufferWindowShrinksUnderGapPressure(t *testing.T) {
	b := NewReceiveBuffer(0)
	start := b.MaxWindow()
	threshold := int(float64(start)*shrinkPressure) + 1
	for i := 0; i < threshold; i++ {
		b.Deliver(uint32(i+10), []byte{byte(i)})
	}
	if b.MaxWindow() >= start {
		t.Errorf("max window did not shrink under gap pressure: start=%d now=%d", start, b.MaxWindow())
	}
	if b.MaxWindow() < minWindowSize {
		t.Errorf("max window shrank below the floor: %d < %d", b.MaxWindow(), minWindowSize)
	}
}

func TestShouldSendAck(t *testing.T) {
	b := NewReceiveBuffer(0)
	now := time.Now()
	if b.ShouldSendAck(now) {
		t.Error("nothing received yet, should not ack")
	}
	b.Deliver(1, []byte("x")) // out of order -> gapDetected
	if !b.ShouldSendAck(now) {
		t.Error("gap detected should trigger an immediate ack")
	}
	b.AckSent(now)
	if b.ShouldSendAck(now) {
		t.Error("right after AckSent, should not need another ack immediately")
	}
}
