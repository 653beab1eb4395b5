package netio

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"

	log "github.com/sirupsen/logrus"
)

const (
	handshakeTimeout = 30 * time.Second
	dtlsReceiveLimit = 1200
	dtlsSendLimit    = 1200
)

// DtlsSession is the PSK-secured DTLS 1.2 transport established over an
// already hole-punched UDP socket. The PSK identity is the session ID; the
// key is the user-supplied PSK string's bytes, used as given. Role (client vs
// server) is decided by PeerConnection from the public endpoint comparison,
// not here.
type DtlsSession struct {
	conn *dtls.Conn
}

// DialDTLS performs the DTLS handshake as the client side over conn, which
// must already be connected to the peer (post hole punch, via net.DialUDP).
func DialDTLS(ctx context.Context, conn net.Conn, sessionID string, psk []byte) (*DtlsSession, error) {
	cfg := buildConfig(sessionID, psk)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	dconn, err := dtls.ClientWithContext(hsCtx, newContentTypeFilterConn(conn), cfg)
	if err != nil {
		return nil, fmt.Errorf("netio: dtls client handshake: %w", err)
	}
	log.WithField("remote", conn.RemoteAddr().String()).Info("netio: dtls handshake complete (client)")
	return &DtlsSession{conn: dconn}, nil
}

// AcceptDTLS performs the DTLS handshake as the server side over conn,
// which must already be connected to the peer (post hole punch).
func AcceptDTLS(ctx context.Context, conn net.Conn, sessionID string, psk []byte) (*DtlsSession, error) {
	cfg := buildConfig(sessionID, psk)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	dconn, err := dtls.ServerWithContext(hsCtx, newContentTypeFilterConn(conn), cfg)
	if err != nil {
		return nil, fmt.Errorf("netio: dtls server handshake: %w", err)
	}
	log.WithField("remote", conn.RemoteAddr().String()).Info("netio: dtls handshake complete (server)")
	return &DtlsSession{conn: dconn}, nil
}

// contentTypeFilterConn discards any datagram whose first byte falls
// outside the DTLS content-type range 0x14..0x17 before it ever reaches
// the handshake. sendNatKeepalive writes single zero-byte pings on this
// same connected socket immediately before every handshake attempt, and
// a stale PUNCH/PUNCH_ACK can still be in flight too; both would otherwise
// land in pion/dtls's handshake reader as a corrupt record.
type contentTypeFilterConn struct {
	net.Conn
}

func newContentTypeFilterConn(conn net.Conn) *contentTypeFilterConn {
	return &contentTypeFilterConn{Conn: conn}
}

func (c *contentTypeFilterConn) Read(b []byte) (int, error) {
	for {
		n, err := c.Conn.Read(b)
		if err != nil {
			return n, err
		}
		if n > 0 && (b[0] < 0x14 || b[0] > 0x17) {
			continue
		}
		return n, nil
	}
}

func buildConfig(sessionID string, psk []byte) *dtls.Config {
	identity := []byte(sessionID)
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: identity,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		},
	}
}

// Send writes one already-encoded frame to the peer.
func (s *DtlsSession) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

// Receive blocks for up to timeout for one datagram, returning (nil, nil)
// on timeout rather than an error, matching the Router's expectations.
func (s *DtlsSession) Receive(timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, dtlsReceiveLimit)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// SendLimit returns the largest single datagram DTLS will carry without
// fragmentation risk.
func (s *DtlsSession) SendLimit() int { return dtlsSendLimit }

// Close tears down the DTLS session.
func (s *DtlsSession) Close() error { return s.conn.Close() }
