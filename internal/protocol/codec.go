package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// MalformedPacket is returned by Decode for any framing violation: short
// buffer, bad magic/version, oversized or mismatched payload length, or a
// failed CRC. Reason carries a short machine-stable tag for logging.
type MalformedPacket struct {
	Reason string
}

func (e *MalformedPacket) Error() string {
	return fmt.Sprintf("malformed packet: %s", e.Reason)
}

func malformed(reason string) error {
	return &MalformedPacket{Reason: reason}
}

// Encode lays out the 20-byte header in big-endian order, computes the
// CRC-32 (IEEE polynomial) over the first 16 header bytes, and appends the
// payload. The result is never larger than MaxDatagram.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, malformed("payload too large")
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = magic0
	buf[1] = magic1
	buf[2] = version1
	buf[3] = byte(p.Type)
	buf[4] = byte(p.Flags)
	binary.BigEndian.PutUint32(buf[5:9], p.ConnectionID)
	binary.BigEndian.PutUint32(buf[9:13], p.Sequence)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(p.Payload)))
	buf[15] = 0 // reserved

	crc := crc32.ChecksumIEEE(buf[0:16])
	binary.BigEndian.PutUint32(buf[16:20], crc)

	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Decode validates and parses a framed datagram. Decoding is strict: the
// buffer length must equal exactly HeaderSize plus the declared payload
// length — trailing bytes beyond what payload_length declares are rejected
// rather than silently ignored, and an unknown type is always an error.
// There are no partial results on failure.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, malformed("too short")
	}
	if buf[0] != magic0 || buf[1] != magic1 {
		return Packet{}, malformed("bad magic")
	}
	if buf[2] != version1 {
		return Packet{}, malformed("bad version")
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[13:15]))
	if payloadLen > MaxPayload {
		return Packet{}, malformed("payload length exceeds maximum")
	}
	if len(buf) != HeaderSize+payloadLen {
		return Packet{}, malformed("payload length does not match datagram size")
	}

	wantCRC := binary.BigEndian.Uint32(buf[16:20])
	gotCRC := crc32.ChecksumIEEE(buf[0:16])
	if wantCRC != gotCRC {
		return Packet{}, malformed("crc mismatch")
	}

	t := Type(buf[3])
	if !t.Valid() {
		return Packet{}, malformed("unknown type")
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, buf[HeaderSize:])
	}

	return Packet{
		Type:         t,
		Flags:        Flag(buf[4]),
		ConnectionID: binary.BigEndian.Uint32(buf[5:9]),
		Sequence:     binary.BigEndian.Uint32(buf[9:13]),
		Payload:      payload,
	}, nil
}

// LooksLikeOurProtocol is a cheap magic-only check that distinguishes our
// frames from stale or unrelated stray datagrams without paying for a full
// decode. It inspects only the first two bytes.
func LooksLikeOurProtocol(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == magic0 && buf[1] == magic1
}
