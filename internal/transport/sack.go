package transport

import (
	"encoding/binary"
	"fmt"
)

// SackRange is an inclusive range of selectively-acknowledged sequence
// numbers.
type SackRange struct {
	StartSeq uint32
	EndSeq   uint32
}

func (r SackRange) String() string {
	return fmt.Sprintf("[%d-%d]", r.StartSeq, r.EndSeq)
}

// SackInfo is the decoded SACK payload: the cumulative ack edge, the
// receiver's currently advertised window, and zero or more ranges of
// non-contiguous received sequences above that edge.
type SackInfo struct {
	CumulativeAck  uint32
	ReceiverWindow uint32
	Ranges         []SackRange
}

const sackHeaderSize = 8
const sackRangeSize = 8

// EncodeSack serializes a SackInfo as 4-byte cumulative_ack + 4-byte
// receiver_window followed by 8 bytes (4+4) per range.
func EncodeSack(s SackInfo) []byte {
	buf := make([]byte, sackHeaderSize+len(s.Ranges)*sackRangeSize)
	binary.BigEndian.PutUint32(buf[0:4], s.CumulativeAck)
	binary.BigEndian.PutUint32(buf[4:8], s.ReceiverWindow)
	off := sackHeaderSize
	for _, r := range s.Ranges {
		binary.BigEndian.PutUint32(buf[off:off+4], r.StartSeq)
		binary.BigEndian.PutUint32(buf[off+4:off+8], r.EndSeq)
		off += sackRangeSize
	}
	return buf
}

// DecodeSack parses a SACK payload produced by EncodeSack.
func DecodeSack(buf []byte) (SackInfo, error) {
	if len(buf) < sackHeaderSize {
		return SackInfo{}, fmt.Errorf("sack payload too short: %d bytes", len(buf))
	}
	remaining := len(buf) - sackHeaderSize
	if remaining%sackRangeSize != 0 {
		return SackInfo{}, fmt.Errorf("sack payload has a partial range: %d trailing bytes", remaining)
	}

	s := SackInfo{
		CumulativeAck:  binary.BigEndian.Uint32(buf[0:4]),
		ReceiverWindow: binary.BigEndian.Uint32(buf[4:8]),
	}
	off := sackHeaderSize
	for off < len(buf) {
		s.Ranges = append(s.Ranges, SackRange{
			StartSeq: binary.BigEndian.Uint32(buf[off : off+4]),
			EndSeq:   binary.BigEndian.Uint32(buf[off+4 : off+8]),
		})
		off += sackRangeSize
	}
	return s, nil
}

// --- Modular (wraparound-safe) sequence comparison. This is the only
// admissible ordering for 32-bit wrapping sequence numbers. ---

// seqAfter reports whether a is "after" b in modular arithmetic.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqBefore reports whether a is "before" b.
func seqBefore(a, b uint32) bool {
	return int32(b-a) > 0
}

// seqLessOrEqual reports a <= b (modular).
func seqLessOrEqual(a, b uint32) bool {
	return a == b || seqBefore(a, b)
}

// seqInRange reports whether seq falls within the inclusive range
// [start, end], handling wraparound.
func seqInRange(seq, start, end uint32) bool {
	if start == end {
		return seq == start
	}
	return (seq - start) <= (end - start)
}
