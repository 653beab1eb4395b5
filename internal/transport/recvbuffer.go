package transport

import (
	"time"

	"github.com/kelindar/bitmap"
)

const (
	initialWindow      = 256
	maxWindowSize      = 512
	minWindowSize      = 32
	delayedAckThresh   = 2
	ackTimer           = 10 * time.Millisecond
	growThreshold      = 128
	growIncrement      = 32
	shrinkPressure     = 0.5
)

// ReceiveBuffer is the receiver-side reorder buffer: it accepts packets in
// arbitrary order, delivers contiguous runs as they become available,
// generates SACK descriptions of what it's holding, and adapts its
// advertised window to recent loss/reorder pressure.
type ReceiveBuffer struct {
	expectedSeq uint32
	gaps        map[uint32][]byte

	acksSinceLast int
	lastAckTime   time.Time
	gapDetected   bool

	maxWindow           int
	consecutiveInOrder  int
}

// NewReceiveBuffer returns a buffer that expects firstSeq next. The first
// DATA packet received establishes firstSeq, so both sides agree on the
// starting sequence without extra negotiation.
func NewReceiveBuffer(firstSeq uint32) *ReceiveBuffer {
	return &ReceiveBuffer{
		expectedSeq: firstSeq,
		gaps:        make(map[uint32][]byte),
		maxWindow:   initialWindow,
	}
}

// Deliver accepts one received packet and returns the batch of packets
// (itself included, if in order) newly available for delivery in sequence
// order. Duplicates/old packets yield nil.
func (b *ReceiveBuffer) Deliver(seq uint32, payload []byte) []DeliveredPacket {
	switch {
	case seqBefore(seq, b.expectedSeq):
		return nil

	case seq == b.expectedSeq:
		batch := []DeliveredPacket{{Sequence: seq, Payload: payload}}
		b.expectedSeq++
		for {
			data, ok := b.gaps[b.expectedSeq]
			if !ok {
				break
			}
			batch = append(batch, DeliveredPacket{Sequence: b.expectedSeq, Payload: data})
			delete(b.gaps, b.expectedSeq)
			b.expectedSeq++
		}
		if len(b.gaps) == 0 {
			b.consecutiveInOrder += len(batch)
			if b.consecutiveInOrder >= growThreshold {
				b.maxWindow = min(b.maxWindow+growIncrement, maxWindowSize)
				b.consecutiveInOrder = 0
			}
		} else {
			b.consecutiveInOrder = 0
		}
		b.acksSinceLast += len(batch)
		return batch

	default: // seq is after expectedSeq: out-of-order
		if _, exists := b.gaps[seq]; !exists {
			b.gaps[seq] = payload
			b.gapDetected = true
		}
		b.consecutiveInOrder = 0
		if float64(len(b.gaps)) > float64(b.maxWindow)*shrinkPressure && b.maxWindow > minWindowSize {
			b.maxWindow = max(b.maxWindow/2, minWindowSize)
		}
		b.acksSinceLast++
		return nil
	}
}

// DeliveredPacket is one in-order packet released by Deliver.
type DeliveredPacket struct {
	Sequence uint32
	Payload  []byte
}

// AdvertisedWindow returns the receiver's current advertised window:
// capacity minus what's already buffered out of order.
func (b *ReceiveBuffer) AdvertisedWindow() int {
	return b.maxWindow - len(b.gaps)
}

// GenerateSack builds a SackInfo describing the current cumulative edge
// and coalesced ranges of buffered out-of-order sequences.
//
// Gap sequences are bounded within maxWindow (never more than
// maxWindowSize) of expectedSeq, so they're projected onto a small bitmap
// of offsets and walked back out in increasing order via Range — the same
// Set-then-Range idiom the receive-side bitmap accounting in Uftp's client
// uses, here replacing a sort over the (small) set of gap keys.
func (b *ReceiveBuffer) GenerateSack() SackInfo {
	var seen bitmap.Bitmap
	offsetOf := make(map[uint32]uint32, len(b.gaps))
	for k := range b.gaps {
		off := k - b.expectedSeq
		offsetOf[off] = k
		seen.Set(off)
	}

	var ranges []SackRange
	seen.Range(func(off uint32) {
		k := offsetOf[off]
		if n := len(ranges); n > 0 && ranges[n-1].EndSeq+1 == k {
			ranges[n-1].EndSeq = k
		} else {
			ranges = append(ranges, SackRange{StartSeq: k, EndSeq: k})
		}
	})

	return SackInfo{
		CumulativeAck:  b.expectedSeq - 1,
		ReceiverWindow: uint32(b.AdvertisedWindow()),
		Ranges:         ranges,
	}
}

// ShouldSendAck reports whether an ACK (SACK) is due now: there's something
// to acknowledge, and either a gap was seen, the delayed-ack threshold was
// reached, or the ack timer has elapsed.
func (b *ReceiveBuffer) ShouldSendAck(now time.Time) bool {
	if b.acksSinceLast == 0 {
		return false
	}
	return b.gapDetected ||
		b.acksSinceLast >= delayedAckThresh ||
		now.Sub(b.lastAckTime) >= ackTimer
}

// AckSent resets the delayed-ack bookkeeping after a SACK has been emitted.
func (b *ReceiveBuffer) AckSent(now time.Time) {
	b.acksSinceLast = 0
	b.gapDetected = false
	b.lastAckTime = now
}

// MaxWindow exposes the current adaptive window size (test/debug use).
func (b *ReceiveBuffer) MaxWindow() int { return b.maxWindow }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
