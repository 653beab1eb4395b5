package netio

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
)

const (
	coordRecvTimeout    = 5 * time.Second
	coordMaxRetries     = 3
	peerWaitTimeout     = 120 * time.Second
)

// CoordError reports a failure of the coordination handshake, either a
// local I/O problem or a COORD_ERROR from the server.
type CoordError struct {
	Message string
	Cause   error
}

func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("netio: coordination: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("netio: coordination: %s", e.Message)
}

func (e *CoordError) Unwrap() error { return e.Cause }

// CoordClient drives the client side of the rendezvous protocol: register,
// authenticate via HMAC-SHA256 challenge/response, then wait for the
// server to pair this session with its other peer.
type CoordClient struct {
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	sessionID  string
	psk        string

	onWaitingForPeer func()

	myPublicEndpoint *net.UDPAddr
	remoteEndpoint   *net.UDPAddr
}

// NewCoordClient returns a client that will speak the coordination
// protocol to serverAddr over conn.
func NewCoordClient(conn *net.UDPConn, serverAddr *net.UDPAddr, sessionID, psk string) *CoordClient {
	return &CoordClient{conn: conn, serverAddr: serverAddr, sessionID: sessionID, psk: psk}
}

// OnWaitingForPeer registers a callback fired once this peer has
// authenticated and is waiting on the other peer to join.
func (c *CoordClient) OnWaitingForPeer(fn func()) { c.onWaitingForPeer = fn }

// MyPublicEndpoint returns this peer's server-observed public endpoint,
// valid after Coordinate returns successfully.
func (c *CoordClient) MyPublicEndpoint() *net.UDPAddr { return c.myPublicEndpoint }

// Coordinate runs register -> authenticate -> wait-for-peer to completion
// and returns the remote peer's public endpoint.
func (c *CoordClient) Coordinate() (*net.UDPAddr, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, &CoordError{Message: "clearing read deadline", Cause: err}
	}

	nonce, err := c.register()
	if err != nil {
		return nil, err
	}
	if err := c.authenticate(nonce); err != nil {
		return nil, err
	}
	if err := c.waitForPeerInfo(); err != nil {
		return nil, err
	}
	return c.remoteEndpoint, nil
}

func (c *CoordClient) register() ([]byte, error) {
	idBytes := []byte(c.sessionID)
	payload := make([]byte, 2+len(idBytes))
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(idBytes)))
	copy(payload[2:], idBytes)
	pkt := protocol.WithPayload(protocol.TypeCoordRegister, payload)

	var nonce []byte
	op := func() error {
		if err := c.send(pkt); err != nil {
			return backoff.Permanent(err)
		}
		log.WithField("session", c.sessionID).Info("netio: sent coord register")

		resp, err := c.receive()
		if err != nil {
			return err // retryable: timeout
		}
		switch resp.Type {
		case protocol.TypeCoordChallenge:
			nonce = resp.Payload
			log.WithField("nonceBytes", len(nonce)).Info("netio: received coord challenge")
			return nil
		case protocol.TypeCoordError:
			return backoff.Permanent(&CoordError{Message: "server rejected register: " + decodeCoordError(resp)})
		default:
			log.WithField("type", resp.Type.String()).Warn("netio: unexpected response to register")
			return fmt.Errorf("unexpected response type %s", resp.Type)
		}
	}

	if err := backoff.Retry(op, fixedRetryPolicy()); err != nil {
		if ce, ok := err.(*CoordError); ok {
			return nil, ce
		}
		return nil, &CoordError{Message: fmt.Sprintf("register failed after %d attempts", coordMaxRetries), Cause: err}
	}
	return nonce, nil
}

func (c *CoordClient) authenticate(nonce []byte) error {
	hmacVal := computeHmac(c.psk, nonce, c.sessionID)
	idBytes := []byte(c.sessionID)
	payload := make([]byte, 2+len(idBytes)+32)
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(idBytes)))
	copy(payload[2:], idBytes)
	copy(payload[2+len(idBytes):], hmacVal)
	pkt := protocol.WithPayload(protocol.TypeCoordAuth, payload)

	op := func() error {
		if err := c.send(pkt); err != nil {
			return backoff.Permanent(err)
		}
		log.WithField("session", c.sessionID).Info("netio: sent coord auth")

		resp, err := c.receive()
		if err != nil {
			return err
		}
		switch resp.Type {
		case protocol.TypeCoordOK:
			endpoint, err := decodeEndpoint(resp.Payload)
			if err != nil {
				return backoff.Permanent(&CoordError{Message: "malformed OK endpoint", Cause: err})
			}
			c.myPublicEndpoint = endpoint
			log.WithField("endpoint", endpoint.String()).Info("netio: coordination authenticated")
			return nil
		case protocol.TypeCoordError:
			return backoff.Permanent(&CoordError{Message: "authentication failed: " + decodeCoordError(resp)})
		case protocol.TypeCoordPeerInfo:
			// Both peers authenticated almost simultaneously and the server's
			// PEER_INFO overtook our OK; handle it here instead of discarding it.
			c.handlePeerInfo(resp)
			return nil
		default:
			log.WithField("type", resp.Type.String()).Warn("netio: unexpected response to auth")
			return fmt.Errorf("unexpected response type %s", resp.Type)
		}
	}

	if err := backoff.Retry(op, fixedRetryPolicy()); err != nil {
		if ce, ok := err.(*CoordError); ok {
			return ce
		}
		return &CoordError{Message: fmt.Sprintf("auth failed after %d attempts", coordMaxRetries), Cause: err}
	}
	return nil
}

func (c *CoordClient) waitForPeerInfo() error {
	if c.remoteEndpoint != nil {
		return nil
	}

	log.WithField("session", c.sessionID).Info("netio: waiting for peer to join session")
	if c.onWaitingForPeer != nil {
		c.onWaitingForPeer()
	}

	deadline := time.Now().Add(peerWaitTimeout)
	for time.Now().Before(deadline) {
		resp, err := c.receive()
		if err != nil {
			continue // timeout: keep waiting
		}
		switch resp.Type {
		case protocol.TypeCoordPeerInfo:
			c.handlePeerInfo(resp)
			return nil
		case protocol.TypeCoordError:
			return &CoordError{Message: "server error while waiting: " + decodeCoordError(resp)}
		default:
			log.WithField("type", resp.Type.String()).Debug("netio: ignoring packet while waiting for peer info")
		}
	}
	return &CoordError{Message: "timed out waiting for peer (120s)"}
}

func (c *CoordClient) handlePeerInfo(pkt protocol.Packet) {
	endpoint, err := decodeEndpoint(pkt.Payload)
	if err != nil {
		log.WithError(err).Warn("netio: malformed peer info payload")
		return
	}
	c.remoteEndpoint = endpoint
	log.WithField("remote", endpoint.String()).Info("netio: received peer info")
}

func (c *CoordClient) send(pkt protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return &CoordError{Message: "encode failed", Cause: err}
	}
	if _, err := c.conn.WriteToUDP(data, c.serverAddr); err != nil {
		return &CoordError{Message: "send failed", Cause: err}
	}
	return nil
}

func (c *CoordClient) receive() (protocol.Packet, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(coordRecvTimeout)); err != nil {
		return protocol.Packet{}, &CoordError{Message: "set deadline failed", Cause: err}
	}
	buf := make([]byte, protocol.MaxDatagram)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return protocol.Packet{}, err
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		return protocol.Packet{}, &CoordError{Message: "decode failed", Cause: err}
	}
	return pkt, nil
}

func decodeCoordError(pkt protocol.Packet) string {
	if len(pkt.Payload) < 2 {
		return "(empty error)"
	}
	code := binary.BigEndian.Uint16(pkt.Payload[0:2])
	msg := string(pkt.Payload[2:])
	return fmt.Sprintf("0x%04X: %s", code, msg)
}

// fixedRetryPolicy makes up to coordMaxRetries attempts with no backoff
// delay between attempts — each attempt already waits out a full receive
// timeout, so added delay would only slow failure detection further.
func fixedRetryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, coordMaxRetries-1)
}
