package netio

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/transport"
)

const (
	dtlsMaxRetries = 3
	dtlsRetryStep  = 500 * time.Millisecond
)

// PeerConnection is the top-level orchestrator for one peer's connection
// lifecycle: coordinate with the rendezvous server, punch a hole through
// both NATs, establish a DTLS-PSK session over the punched socket, then
// hand the result to a PacketRouter carrying a ReliableChannel.
type PeerConnection struct {
	serverAddr *net.UDPAddr
	sessionID  string
	psk        string

	mu               sync.Mutex
	state            PeerState
	unconnectedConn  *net.UDPConn
	connectedConn    *net.UDPConn
	myPublicEndpoint *net.UDPAddr
	remoteEndpoint   *net.UDPAddr
	dtlsSession      *DtlsSession
	router           *PacketRouter
	channel          *transport.ReliableChannel

	onStateChange func(PeerState)
}

// NewPeerConnection returns a connection that will coordinate sessionID
// against serverAddr, authenticating with psk.
func NewPeerConnection(serverAddr *net.UDPAddr, sessionID, psk string) *PeerConnection {
	return &PeerConnection{serverAddr: serverAddr, sessionID: sessionID, psk: psk, state: StateInit}
}

// OnStateChange registers a callback fired every time the connection's
// lifecycle state advances.
func (p *PeerConnection) OnStateChange(fn func(PeerState)) { p.onStateChange = fn }

// State returns the current lifecycle state.
func (p *PeerConnection) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Channel returns the reliable channel established over this connection,
// valid once Connect has returned successfully.
func (p *PeerConnection) Channel() *transport.ReliableChannel { return p.channel }

// Router returns the packet router established over this connection,
// valid once Connect has returned successfully. Callers outside this
// package use it to register handlers for control packet types the
// reliable channel itself doesn't carry (FILE_OFFER and friends).
func (p *PeerConnection) Router() transport.Router { return p.router }

// RemoteEndpoint returns the peer's confirmed address, valid after the
// hole punch phase completes.
func (p *PeerConnection) RemoteEndpoint() *net.UDPAddr { return p.remoteEndpoint }

func (p *PeerConnection) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.onStateChange != nil {
		p.onStateChange(s)
	}
}

// Connect runs the full flow: coordination, hole punch, DTLS handshake,
// then starts the packet router and reliable channel. It blocks until
// connected or an unrecoverable error occurs. ctx bounds only the DTLS
// handshake phase; coordination and hole punching run to their own
// timeouts regardless of ctx.
func (p *PeerConnection) Connect(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		p.setState(StateError)
		return fmt.Errorf("netio: bind local socket: %w", err)
	}
	p.unconnectedConn = conn
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	log.WithField("localPort", localAddr.Port).Info("netio: local socket bound")

	p.setState(StateRegistering)
	coord := NewCoordClient(conn, p.serverAddr, p.sessionID, p.psk)
	coord.OnWaitingForPeer(func() { p.setState(StateWaitingPeer) })

	p.setState(StateAuthenticating)
	remote, err := coord.Coordinate()
	if err != nil {
		p.setState(StateError)
		return err
	}
	p.remoteEndpoint = remote
	p.myPublicEndpoint = coord.MyPublicEndpoint()
	log.WithField("remote", remote.String()).Info("netio: coordination complete")

	p.setState(StatePunching)
	connID := randomConnID()
	puncher := NewHolePuncher(conn, remote, connID)
	result := puncher.Punch()
	if !result.Success {
		p.setState(StateError)
		return fmt.Errorf("netio: hole punch failed after %s", result.Elapsed)
	}
	p.remoteEndpoint = result.ConfirmedAddress
	log.WithField("elapsed", result.Elapsed).Info("netio: hole punch succeeded")

	p.setState(StateHandshake)
	// Role: the peer whose public endpoint compares lower (address bytes,
	// then port) acts as the DTLS client. Unlike comparing local port
	// numbers (ambiguous once a symmetric NAT has remapped the port), both
	// endpoints are taken from coordination, which both peers agree on, so
	// this produces a consistent choice on both sides without extra
	// signaling.
	isClient := false
	if my := p.myPublicEndpoint; my != nil {
		ipOrder := bytes.Compare(my.IP.To16(), remote.IP.To16())
		isClient = ipOrder < 0 || (ipOrder == 0 && my.Port < remote.Port)
	}
	log.WithFields(log.Fields{
		"role": dtlsRoleName(isClient), "local": p.myPublicEndpoint.String(), "remote": p.remoteEndpoint.String(),
	}).Info("netio: dtls role decided")

	session, err := p.handshakeWithRetry(ctx, localAddr, isClient)
	if err != nil {
		p.setState(StateError)
		return err
	}
	p.dtlsSession = session

	p.setState(StateConnected)
	log.Info("netio: encrypted p2p link established")

	p.router = NewPacketRouter(session, log.WithField("session", p.sessionID))
	p.channel = transport.NewReliableChannel(p.router, connID, session.SendLimit())
	p.router.Start()

	return nil
}

// handshakeWithRetry closes the unconnected socket used for coordination
// and hole punching, redials a connected UDP socket on the same local port
// (the NAT mapping is keyed on that port, not the socket handle), then
// attempts the DTLS handshake up to dtlsMaxRetries times through a local
// linearBackOff policy run by cenkalti/backoff (the same retry-envelope library
// CoordClient uses for register/auth), re-sending NAT keepalive pings
// before each attempt.
func (p *PeerConnection) handshakeWithRetry(ctx context.Context, localAddr *net.UDPAddr, isClient bool) (*DtlsSession, error) {
	p.unconnectedConn.Close()

	conn, err := net.DialUDP("udp", localAddr, p.remoteEndpoint)
	if err != nil {
		return nil, fmt.Errorf("netio: rebinding connected socket: %w", err)
	}
	p.connectedConn = conn

	attempt := 0
	var session *DtlsSession
	op := func() error {
		attempt++
		sendNatKeepalive(conn)

		var err error
		if isClient {
			session, err = DialDTLS(ctx, conn, p.sessionID, []byte(p.psk))
		} else {
			session, err = AcceptDTLS(ctx, conn, p.sessionID, []byte(p.psk))
		}
		if err != nil {
			log.WithError(err).Warnf("netio: dtls handshake attempt %d/%d failed, retrying", attempt, dtlsMaxRetries)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: dtlsRetryStep}, dtlsMaxRetries-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("netio: dtls handshake failed after %d attempts: %w", dtlsMaxRetries, err)
	}
	return session, nil
}

// linearBackOff grows the retry delay by a fixed step each attempt (step,
// 2*step, 3*step, ...), matching the original's Thread.sleep(500L*attempt)
// handshake retry envelope rather than cenkalti/backoff's built-in
// exponential curve.
type linearBackOff struct {
	step    time.Duration
	attempt int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func dtlsRoleName(isClient bool) string {
	if isClient {
		return "CLIENT"
	}
	return "SERVER"
}

func randomConnID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.WithError(err).Fatal("netio: failed to generate random connection id")
	}
	return binary.BigEndian.Uint32(b[:])
}

// Close tears down the router, DTLS session, and underlying sockets.
func (p *PeerConnection) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.router != nil {
		p.router.Stop()
	}
	if p.dtlsSession != nil {
		p.dtlsSession.Close()
	}
	if p.connectedConn != nil {
		p.connectedConn.Close()
	}
	if p.unconnectedConn != nil {
		p.unconnectedConn.Close()
	}
	p.setState(StateInit)
}

// AwaitDisconnect blocks until the packet router exits, from either an
// explicit Close or a detected dead peer.
func (p *PeerConnection) AwaitDisconnect() {
	if p.router != nil {
		p.router.AwaitStop()
	}
}

// sendNatKeepalive transmits a few single zero-byte datagrams, which are
// neither a valid DTLS record nor a valid framed packet (LooksLikeOurProtocol
// and the DTLS content-type range both reject it), to refresh the NAT
// mapping during the gap between hole punch and DTLS handshake. conn must
// already be connected to remote.
func sendNatKeepalive(conn *net.UDPConn) {
	ping := []byte{0x00}
	for i := 0; i < 3; i++ {
		if _, err := conn.Write(ping); err != nil {
			log.WithError(err).Debug("netio: nat keepalive send failed")
		}
	}
}
