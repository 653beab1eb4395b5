package netio

import (
	"encoding/binary"
	"fmt"
	"net"
)

// encodeEndpoint renders an address as 1-byte length + IP bytes + 2-byte
// port, so a COORD_OK/COORD_PEER_INFO payload works for both IPv4 and IPv6
// peers without a format tag.
func encodeEndpoint(addr *net.UDPAddr) []byte {
	ipBytes := addr.IP.To4()
	if ipBytes == nil {
		ipBytes = addr.IP.To16()
	}
	out := make([]byte, 1+len(ipBytes)+2)
	out[0] = byte(len(ipBytes))
	copy(out[1:], ipBytes)
	binary.BigEndian.PutUint16(out[1+len(ipBytes):], uint16(addr.Port))
	return out
}

// decodeEndpoint parses the encoding produced by encodeEndpoint.
func decodeEndpoint(data []byte) (*net.UDPAddr, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("netio: endpoint payload too short")
	}
	addrLen := int(data[0])
	if len(data) < 1+addrLen+2 {
		return nil, fmt.Errorf("netio: endpoint payload truncated")
	}
	ip := net.IP(append([]byte(nil), data[1:1+addrLen]...))
	port := binary.BigEndian.Uint16(data[1+addrLen : 1+addrLen+2])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
