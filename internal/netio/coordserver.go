package netio

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
)

const (
	coordReceiveTimeout   = 1 * time.Second
	defaultSessionTimeout = 5 * time.Minute
	defaultCoordPort      = 9000
)

// Coordination error codes, carried in a COORD_ERROR payload's first two
// bytes.
const (
	CoordErrSessionFull   uint16 = 0x0001
	CoordErrAuthFailed    uint16 = 0x0002
)

// CoordServer is the rendezvous service: it accepts COORD_REGISTER from two
// peers sharing a session ID, authenticates each via an HMAC-SHA256
// challenge keyed on the shared PSK, and once both are authenticated,
// exchanges their public endpoints so they can begin hole punching.
type CoordServer struct {
	port           int
	psk            string
	sessionTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	conn    *net.UDPConn
	running bool
	stopCh  chan struct{}
}

// NewCoordServer returns a rendezvous server configured by NewDefaultOptions
// as customized by opts, mirroring how the teacher's server.New applies a
// chain of option functions over its own defaults.
func NewCoordServer(opts ...func(*Options)) *CoordServer {
	options := NewDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.SessionTimeout <= 0 {
		options.SessionTimeout = defaultSessionTimeout
	}
	return &CoordServer{
		port:           options.Port,
		psk:            options.PSK,
		sessionTimeout: options.SessionTimeout,
		sessions:       make(map[string]*session),
		stopCh:         make(chan struct{}),
	}
}

// Start binds the UDP socket and runs the receive loop until Stop is
// called. It blocks the calling goroutine.
func (s *CoordServer) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("netio: coord server listen: %w", err)
	}
	s.conn = conn
	s.running = true
	log.WithField("port", s.port).Info("netio: coordination server listening")

	recvBuf := make([]byte, protocol.MaxDatagram)
	for s.isRunning() {
		if err := s.conn.SetReadDeadline(time.Now().Add(coordReceiveTimeout)); err != nil {
			return err
		}
		n, sender, err := s.conn.ReadFromUDP(recvBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.cleanExpiredSessions()
				continue
			}
			if !s.isRunning() {
				break
			}
			log.WithError(err).Warn("netio: coord server read error")
			continue
		}

		pkt, err := protocol.Decode(recvBuf[:n])
		if err != nil {
			log.WithError(err).WithField("from", sender.String()).Debug("netio: bad coord packet")
			continue
		}
		s.handlePacket(pkt, sender)
	}

	conn.Close()
	log.Info("netio: coordination server stopped")
	return nil
}

// Stop requests the receive loop to exit.
func (s *CoordServer) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *CoordServer) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *CoordServer) handlePacket(pkt protocol.Packet, sender *net.UDPAddr) {
	switch pkt.Type {
	case protocol.TypeCoordRegister:
		s.handleRegister(pkt, sender)
	case protocol.TypeCoordAuth:
		s.handleAuth(pkt, sender)
	case protocol.TypeCoordKeepalive:
		s.handleKeepalive(sender)
	case protocol.TypeCoordPing:
		s.sendPacket(sender, protocol.New(protocol.TypeCoordPong))
	default:
		log.WithFields(log.Fields{"type": pkt.Type.String(), "from": sender.String()}).
			Debug("netio: unexpected coord packet type")
	}
}

func (s *CoordServer) handleRegister(pkt protocol.Packet, sender *net.UDPAddr) {
	sessionID, ok := decodeSessionID(pkt.Payload)
	if !ok {
		s.sendError(sender, CoordErrAuthFailed, "missing session id")
		return
	}

	sess := s.getOrCreateSession(sessionID)

	if existing := sess.findPeer(sender); existing != nil {
		s.sendChallenge(sender, existing.nonce[:])
		return
	}

	if sess.isFull() {
		s.sendError(sender, CoordErrSessionFull, "session full")
		return
	}

	slot := sess.addPeer(sender)
	if slot == nil {
		s.sendError(sender, CoordErrSessionFull, "session full")
		return
	}

	log.WithFields(log.Fields{"from": sender.String(), "session": sessionID}).Info("netio: coord register")
	s.sendChallenge(sender, slot.nonce[:])
}

func (s *CoordServer) handleAuth(pkt protocol.Packet, sender *net.UDPAddr) {
	payload := pkt.Payload
	if len(payload) < 2 {
		s.sendError(sender, CoordErrAuthFailed, "malformed auth")
		return
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if idLen <= 0 || len(payload) < 2+idLen+32 {
		s.sendError(sender, CoordErrAuthFailed, "malformed auth")
		return
	}
	sessionID := string(payload[2 : 2+idLen])
	receivedHmac := payload[2+idLen : 2+idLen+32]

	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		s.sendError(sender, CoordErrAuthFailed, "session not found")
		return
	}

	slot := sess.findPeer(sender)
	if slot == nil {
		s.sendError(sender, CoordErrAuthFailed, "not registered")
		return
	}

	expected := computeHmac(s.psk, slot.nonce[:], sessionID)
	if subtle.ConstantTimeCompare(receivedHmac, expected) != 1 {
		log.WithFields(log.Fields{"from": sender.String(), "session": sessionID}).Warn("netio: coord auth failed")
		s.sendError(sender, CoordErrAuthFailed, "authentication failed")
		return
	}

	slot.authenticated = true
	sess.touch()
	log.WithFields(log.Fields{"from": sender.String(), "session": sessionID}).Info("netio: coord auth success")

	s.sendOk(sender, sender)

	if sess.bothAuthenticated() {
		p0, p1 := sess.peer(0), sess.peer(1)
		s.sendPeerInfo(p0.endpoint, p1.endpoint)
		s.sendPeerInfo(p1.endpoint, p0.endpoint)
		log.WithField("session", sessionID).Info("netio: both peers authenticated, sent peer info")
	}
}

func (s *CoordServer) handleKeepalive(sender *net.UDPAddr) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if slot := sess.findPeer(sender); slot != nil && slot.authenticated {
			sess.touch()
			return
		}
	}
}

func (s *CoordServer) getOrCreateSession(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = newSession(id, s.psk)
		s.sessions[id] = sess
	}
	return sess
}

func (s *CoordServer) cleanExpiredSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity()) > s.sessionTimeout {
			delete(s.sessions, id)
			log.WithField("session", id).Debug("netio: session expired")
		}
	}
}

func (s *CoordServer) sendChallenge(dest *net.UDPAddr, nonce []byte) {
	s.sendPacket(dest, protocol.WithPayload(protocol.TypeCoordChallenge, nonce))
}

func (s *CoordServer) sendOk(dest *net.UDPAddr, peerEndpoint *net.UDPAddr) {
	s.sendPacket(dest, protocol.WithPayload(protocol.TypeCoordOK, encodeEndpoint(peerEndpoint)))
}

func (s *CoordServer) sendPeerInfo(dest, peerEndpoint *net.UDPAddr) {
	s.sendPacket(dest, protocol.WithPayload(protocol.TypeCoordPeerInfo, encodeEndpoint(peerEndpoint)))
}

func (s *CoordServer) sendError(dest *net.UDPAddr, code uint16, message string) {
	msg := []byte(message)
	payload := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(payload[0:2], code)
	copy(payload[2:], msg)
	s.sendPacket(dest, protocol.WithPayload(protocol.TypeCoordError, payload))
}

func (s *CoordServer) sendPacket(dest *net.UDPAddr, pkt protocol.Packet) {
	data, err := protocol.Encode(pkt)
	if err != nil {
		log.WithError(err).Error("netio: failed to encode coord packet")
		return
	}
	if _, err := s.conn.WriteToUDP(data, dest); err != nil {
		log.WithError(err).WithField("dest", dest.String()).Error("netio: failed to send coord packet")
	}
}

func decodeSessionID(payload []byte) (string, bool) {
	if len(payload) < 2 {
		return "", false
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if idLen <= 0 || idLen > len(payload)-2 {
		return "", false
	}
	return string(payload[2 : 2+idLen]), true
}

func computeHmac(psk string, nonce []byte, sessionID string) []byte {
	mac := hmac.New(sha256.New, []byte(psk))
	mac.Write(nonce)
	mac.Write([]byte(sessionID))
	return mac.Sum(nil)
}
