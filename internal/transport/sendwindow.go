package transport

import (
	"container/list"
	"time"
)

// SentPacket is the sender-side record of one in-flight (or recently acked)
// packet: the sequence it was assigned, its fully encoded bytes for
// retransmission, and timing/retransmit bookkeeping.
type SentPacket struct {
	Sequence        uint32
	Data            []byte
	FirstSent       time.Time
	LastSent        time.Time
	Acked           bool
	Retransmitted   bool
	RetransmitCount int
}

// SendWindow is the sender-side sliding window: it assigns sequence
// numbers, tracks in-flight packets in send order, and turns incoming SACKs
// into ack/loss decisions. Callers must synchronize access externally —
// ReliableChannel holds a single lock around it along with the other
// transport components it owns.
type SendWindow struct {
	baseSeq uint32
	nextSeq uint32

	order   *list.List               // of *SentPacket, insertion (send) order
	byIndex map[uint32]*list.Element // sequence -> node in order
}

// NewSendWindow returns a window whose first assigned sequence is
// initialSeq (normally a cryptographically random value).
func NewSendWindow(initialSeq uint32) *SendWindow {
	return &SendWindow{
		baseSeq: initialSeq,
		nextSeq: initialSeq,
		order:   list.New(),
		byIndex: make(map[uint32]*list.Element),
	}
}

// Track assigns the next sequence number, records encodedPacket for
// possible retransmission, and returns the assigned sequence.
func (w *SendWindow) Track(encodedPacket []byte, now time.Time) uint32 {
	seq := w.nextSeq
	w.nextSeq++
	rec := &SentPacket{Sequence: seq, Data: encodedPacket, FirstSent: now, LastSent: now}
	w.byIndex[seq] = w.order.PushBack(rec)
	return seq
}

// TrackBuilt assigns the next sequence number, invokes build with it to
// produce the final encoded frame (so the frame's own sequence field can be
// stamped before encoding), and records the result for retransmission.
func (w *SendWindow) TrackBuilt(now time.Time, build func(seq uint32) []byte) uint32 {
	seq := w.nextSeq
	w.nextSeq++
	encoded := build(seq)
	rec := &SentPacket{Sequence: seq, Data: encoded, FirstSent: now, LastSent: now}
	w.byIndex[seq] = w.order.PushBack(rec)
	return seq
}

// recordAt returns the tracked record for seq, if any is still in flight.
func (w *SendWindow) recordAt(seq uint32) (*SentPacket, bool) {
	e, ok := w.byIndex[seq]
	if !ok {
		return nil, false
	}
	return e.Value.(*SentPacket), true
}

// ProcessSack folds a SACK into window state: it advances the base past
// the cumulative ack, marks selectively-acked ranges, and returns the
// sequences of packets judged lost (unacked and strictly before the first
// SACK range). It also returns the tracked record for the cumulative-ack
// sequence itself, captured before it's dropped from the window, so the
// caller can sample RTT (Karn's rule) for exactly the packet the ack
// edge advanced past — by the time ProcessSack returns, that record has
// already been deleted from byIndex and SendTime/WasRetransmitted can no
// longer see it.
func (w *SendWindow) ProcessSack(sack SackInfo) (lost []uint32, cumAckRecord SentPacket, hadCumAckRecord bool) {
	cumAck := sack.CumulativeAck

	// 1. Advance base: drop everything <= cumAck, in send order, stopping
	// at the first record that isn't covered yet (insertion order means
	// everything after it is also not yet covered).
	for e := w.order.Front(); e != nil; {
		rec := e.Value.(*SentPacket)
		if !seqLessOrEqual(rec.Sequence, cumAck) {
			break
		}
		if rec.Sequence == cumAck {
			cumAckRecord = *rec
			hadCumAckRecord = true
		}
		next := e.Next()
		rec.Acked = true
		w.order.Remove(e)
		delete(w.byIndex, rec.Sequence)
		e = next
	}
	w.baseSeq = cumAck + 1

	// 2. Mark selectively-acked ranges.
	for _, r := range sack.Ranges {
		for e := w.order.Front(); e != nil; e = e.Next() {
			rec := e.Value.(*SentPacket)
			if seqInRange(rec.Sequence, r.StartSeq, r.EndSeq) {
				rec.Acked = true
			}
		}
	}

	// 3. Detect gaps: un-acked records strictly before the first SACK
	// range's start are lost.
	if len(sack.Ranges) > 0 {
		firstStart := sack.Ranges[0].StartSeq
		for e := w.order.Front(); e != nil; e = e.Next() {
			rec := e.Value.(*SentPacket)
			if !rec.Acked && seqBefore(rec.Sequence, firstStart) {
				lost = append(lost, rec.Sequence)
			}
		}
	}

	return lost, cumAckRecord, hadCumAckRecord
}

// Retransmittable returns every un-acked record whose RTO has expired.
func (w *SendWindow) Retransmittable(now time.Time, rto time.Duration) []*SentPacket {
	var out []*SentPacket
	for e := w.order.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*SentPacket)
		if !rec.Acked && now.Sub(rec.LastSent) >= rto {
			out = append(out, rec)
		}
	}
	return out
}

// MarkRetransmitted flags a record as retransmitted and refreshes its
// last-sent time, so RTT sampling skips it (Karn's rule) and its RTO clock
// restarts.
func (w *SendWindow) MarkRetransmitted(seq uint32, now time.Time) {
	e, ok := w.byIndex[seq]
	if !ok {
		return
	}
	rec := e.Value.(*SentPacket)
	rec.Retransmitted = true
	rec.RetransmitCount++
	rec.LastSent = now
}

// WasRetransmitted reports whether seq was ever retransmitted.
func (w *SendWindow) WasRetransmitted(seq uint32) bool {
	e, ok := w.byIndex[seq]
	return ok && e.Value.(*SentPacket).Retransmitted
}

// SendTime returns the first-sent time of seq, for RTT sampling. The
// second return value is false if seq is not currently tracked.
func (w *SendWindow) SendTime(seq uint32) (time.Time, bool) {
	e, ok := w.byIndex[seq]
	if !ok {
		return time.Time{}, false
	}
	return e.Value.(*SentPacket).FirstSent, true
}

// InflightCount returns the number of un-acked tracked packets.
func (w *SendWindow) InflightCount() int {
	count := 0
	for e := w.order.Front(); e != nil; e = e.Next() {
		if !e.Value.(*SentPacket).Acked {
			count++
		}
	}
	return count
}

// CanSend reports whether another packet may be sent given the effective
// window size.
func (w *SendWindow) CanSend(effectiveWindow int) bool {
	return w.InflightCount() < effectiveWindow
}

// BaseSeq returns the oldest sequence not yet fully acknowledged.
func (w *SendWindow) BaseSeq() uint32 { return w.baseSeq }

// NextSeq returns the next sequence that will be assigned by Track.
func (w *SendWindow) NextSeq() uint32 { return w.nextSeq }
