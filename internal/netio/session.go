package netio

import (
	"crypto/rand"
	"net"
	"sync"
	"time"
)

// maxPeersPerSession is the capacity of one coordination session: exactly
// the sender and the receiver of a single transfer.
const maxPeersPerSession = 2

// peerSlot is one registered (and, once authenticated, confirmed) peer
// within a session.
type peerSlot struct {
	endpoint      *net.UDPAddr
	nonce         [32]byte
	authenticated bool
}

// session tracks the coordination state for one session ID: up to two
// peers, each progressing through register -> challenge -> auth.
type session struct {
	mu           sync.Mutex
	id           string
	psk          string
	createdAt    time.Time
	lastActivity time.Time
	peers        []*peerSlot
}

func newSession(id, psk string) *session {
	now := time.Now()
	return &session{id: id, psk: psk, createdAt: now, lastActivity: now}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// findPeer returns the slot registered for endpoint, if any.
func (s *session) findPeer(endpoint *net.UDPAddr) *peerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if udpAddrEqual(p.endpoint, endpoint) {
			return p
		}
	}
	return nil
}

// addPeer registers a new peer with a fresh random nonce, or returns nil if
// the session is already full.
func (s *session) addPeer(endpoint *net.UDPAddr) *peerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) >= maxPeersPerSession {
		return nil
	}
	slot := &peerSlot{endpoint: endpoint}
	if _, err := rand.Read(slot.nonce[:]); err != nil {
		return nil
	}
	s.peers = append(s.peers, slot)
	s.lastActivity = time.Now()
	return slot
}

func (s *session) isFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers) >= maxPeersPerSession
}

func (s *session) bothAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) != maxPeersPerSession {
		return false
	}
	return s.peers[0].authenticated && s.peers[1].authenticated
}

func (s *session) peer(i int) *peerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.peers) {
		return nil
	}
	return s.peers[i]
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
