package transport

import (
	"testing"
	"time"
)

func TestSendWindowTrackAndProcessSack(t *testing.T) {
	w := NewSendWindow(100)
	now := time.Now()

	var seqs []uint32
	for i := 0; i < 5; i++ {
		seqs = append(seqs, w.Track([]byte{byte(i)}, now))
	}
	if w.InflightCount() != 5 {
		t.Fatalf("inflight = %d, want 5", w.InflightCount())
	}

	// Cumulative ack through seq 101, with 103 selectively acked, leaves
	// 102 lost (unacked, strictly before the first and only range, which
	// here covers only 103).
	lost, cumAckRecord, hadCumAckRecord := w.ProcessSack(SackInfo{
		CumulativeAck: 101,
		Ranges:        []SackRange{{StartSeq: 103, EndSeq: 103}},
	})
	if len(lost) != 1 || lost[0] != 102 {
		t.Errorf("lost = %v, want [102]", lost)
	}
	if w.BaseSeq() != 102 {
		t.Errorf("baseSeq = %d, want 102", w.BaseSeq())
	}
	if w.InflightCount() != 2 { // 102 (lost, still tracked) and 104
		t.Errorf("inflight after sack = %d, want 2", w.InflightCount())
	}
	if !hadCumAckRecord || cumAckRecord.Sequence != 101 {
		t.Errorf("cumAckRecord = %+v, hadCumAckRecord = %v, want seq 101 present", cumAckRecord, hadCumAckRecord)
	}
	if _, ok := w.SendTime(101); ok {
		t.Error("seq 101 should no longer be tracked after being covered by the cumulative ack")
	}
}

func TestSendWindowRetransmittable(t *testing.T) {
	w := NewSendWindow(0)
	t0 := time.Now()
	seq := w.Track([]byte("x"), t0)

	none := w.Retransmittable(t0.Add(50*time.Millisecond), 100*time.Millisecond)
	if len(none) != 0 {
		t.Errorf("expected nothing retransmittable before rto elapses, got %v", none)
	}

	due := w.Retransmittable(t0.Add(150*time.Millisecond), 100*time.Millisecond)
	if len(due) != 1 || due[0].Sequence != seq {
		t.Errorf("expected seq %d retransmittable after rto elapses, got %v", seq, due)
	}

	w.MarkRetransmitted(seq, t0.Add(150*time.Millisecond))
	if !w.WasRetransmitted(seq) {
		t.Error("expected WasRetransmitted true after MarkRetransmitted")
	}
}

func TestSendWindowCanSend(t *testing.T) {
	w := NewSendWindow(0)
	now := time.Now()
	if !w.CanSend(1) {
		t.Fatal("empty window should allow sending")
	}
	w.Track([]byte("x"), now)
	if w.CanSend(1) {
		t.Error("window with one in-flight packet should not allow sending at effective window 1")
	}
}
