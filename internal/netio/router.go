// Package netio implements the networking layer above the wire codec:
// the coordination protocol (server and client), UDP hole punching, the
// DTLS 1.2 PSK secure transport, the single-threaded packet router that
// pumps it, and the top-level peer-connection lifecycle that wires all of
// them together.
package netio

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
)

// errRouterNotRunning is returned by Send once the receive loop has exited.
var errRouterNotRunning = errors.New("netio: router is not running")

const (
	receiveTimeout   = 10 * time.Millisecond
	keepaliveInterval = 15 * time.Second
	keepaliveDeadline = 45 * time.Second
)

// SecureTransport is the abstraction the router pumps: a datagram
// send/receive pair with a maximum single-datagram size. Any DTLS-PSK (or,
// for tests, in-memory) implementation satisfying this interface can drive
// the router.
type SecureTransport interface {
	Send(data []byte) error
	// Receive blocks for up to timeout for one datagram. It returns
	// (nil, nil) on a timeout, not an error.
	Receive(timeout time.Duration) ([]byte, error)
	SendLimit() int
	Close() error
}

// PacketRouter is the single-threaded I/O pump described by the packet
// router component: all transport sends and receives happen on one
// goroutine, serializing the interaction between application sends,
// inbound dispatch, and periodic ticks.
type PacketRouter struct {
	transport SecureTransport

	mu       sync.Mutex
	handlers map[protocol.Type]func(protocol.Packet)
	tick     func()

	sendMu sync.Mutex
	queue  [][]byte

	runMu       sync.Mutex
	runningFlag bool
	doneCh      chan struct{}

	lastSend time.Time
	lastRecv time.Time

	log *log.Entry
}

// NewPacketRouter returns a router bound to transport. Call Start to begin
// pumping.
func NewPacketRouter(transport SecureTransport, logger *log.Entry) *PacketRouter {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &PacketRouter{
		transport: transport,
		handlers:  make(map[protocol.Type]func(protocol.Packet)),
		doneCh:    make(chan struct{}),
		log:       logger,
	}
}

// AddHandler registers fn to receive every decoded packet of type t.
func (r *PacketRouter) AddHandler(t protocol.Type, fn func(protocol.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
}

// RemoveHandler deregisters the handler for t, if any.
func (r *PacketRouter) RemoveHandler(t protocol.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

// SetTickCallback installs fn to run once per loop iteration, on the
// router goroutine.
func (r *PacketRouter) SetTickCallback(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = fn
}

// Send enqueues data for asynchronous transmission. It is safe to call
// from any goroutine; the actual write happens on the router goroutine.
func (r *PacketRouter) Send(data []byte) error {
	r.runMu.Lock()
	running := r.isRunningLocked()
	r.runMu.Unlock()
	if !running {
		return errRouterNotRunning
	}
	cp := append([]byte(nil), data...)
	r.sendMu.Lock()
	r.queue = append(r.queue, cp)
	r.sendMu.Unlock()
	return nil
}

// SendPacket encodes pkt and enqueues it.
func (r *PacketRouter) SendPacket(pkt protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	return r.Send(data)
}

// Start launches the receive loop goroutine.
func (r *PacketRouter) Start() {
	r.runMu.Lock()
	now := time.Now()
	r.lastSend = now
	r.lastRecv = now
	r.runMu.Unlock()
	r.setRunning(true)
	go r.receiveLoop()
}

// Stop signals the receive loop to exit and waits briefly for it.
func (r *PacketRouter) Stop() {
	r.setRunning(false)
	select {
	case <-r.doneCh:
	case <-time.After(2 * time.Second):
	}
}

// AwaitStop blocks until the receive loop exits, however that happens
// (Stop called, or the peer declared dead).
func (r *PacketRouter) AwaitStop() {
	<-r.doneCh
}

func (r *PacketRouter) setRunning(v bool) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.runningFlag = v
}

func (r *PacketRouter) isRunningLocked() bool { return r.runningFlag }

// IsRunning reports whether the receive loop is currently active.
func (r *PacketRouter) IsRunning() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.runningFlag
}

func (r *PacketRouter) receiveLoop() {
	defer close(r.doneCh)

	for r.IsRunning() {
		// 1. Drain send queue to the transport.
		if err := r.drainSendQueue(); err != nil {
			r.log.WithError(err).Warn("router: send failed, stopping")
			r.setRunning(false)
			break
		}

		// 2. Receive once with a short timeout.
		data, err := r.transport.Receive(receiveTimeout)
		if err != nil {
			r.log.WithError(err).Warn("router: receive loop i/o error, stopping")
			r.setRunning(false)
			break
		}

		now := time.Now()
		if len(data) > 0 {
			r.runMu.Lock()
			r.lastRecv = now
			r.runMu.Unlock()

			pkt, err := protocol.Decode(data)
			if err != nil {
				r.log.WithError(err).Debug("router: ignoring malformed packet")
			} else {
				r.dispatch(pkt)
			}
		}

		// 3. Drain again: handlers may have enqueued responses.
		if err := r.drainSendQueue(); err != nil {
			r.log.WithError(err).Warn("router: send failed, stopping")
			r.setRunning(false)
			break
		}

		// 4. Periodic tick for retransmissions, SACK timer, etc.
		r.mu.Lock()
		tick := r.tick
		r.mu.Unlock()
		if tick != nil {
			tick()
		}

		// 5. Drain again: the tick may have enqueued retransmits/SACKs.
		if err := r.drainSendQueue(); err != nil {
			r.log.WithError(err).Warn("router: send failed, stopping")
			r.setRunning(false)
			break
		}

		// 6. Keepalive if nothing has been sent in a while.
		now = time.Now()
		r.runMu.Lock()
		sinceSend := now.Sub(r.lastSend)
		sinceRecv := now.Sub(r.lastRecv)
		r.runMu.Unlock()

		if sinceSend >= keepaliveInterval {
			if err := r.doSend(mustEncode(protocol.New(protocol.TypeKeepalive))); err != nil {
				r.log.WithError(err).Debug("router: failed to send keepalive")
			} else {
				r.log.Debug("router: sent keepalive")
			}
		}

		// 7. Liveness check.
		if sinceRecv >= keepaliveDeadline {
			r.log.WithField("idle", sinceRecv).Warn("router: peer unresponsive, declaring connection dead")
			r.setRunning(false)
			break
		}
	}

	r.log.Debug("router: receive loop exited")
}

func (r *PacketRouter) drainSendQueue() error {
	r.sendMu.Lock()
	pending := r.queue
	r.queue = nil
	r.sendMu.Unlock()

	for _, data := range pending {
		if err := r.doSend(data); err != nil {
			return err
		}
	}
	return nil
}

func (r *PacketRouter) doSend(data []byte) error {
	if err := r.transport.Send(data); err != nil {
		return err
	}
	r.runMu.Lock()
	r.lastSend = time.Now()
	r.runMu.Unlock()
	return nil
}

func (r *PacketRouter) dispatch(pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeKeepalive:
		if err := r.doSend(mustEncode(protocol.New(protocol.TypeKeepaliveAck))); err != nil {
			r.log.WithError(err).Debug("router: failed to send keepalive ack")
		}
		return
	case protocol.TypeKeepaliveAck:
		r.log.Debug("router: received keepalive ack")
		return
	}

	r.mu.Lock()
	handler := r.handlers[pkt.Type]
	r.mu.Unlock()

	if handler != nil {
		handler(pkt)
	} else {
		r.log.WithField("type", pkt.Type.String()).Debug("router: no handler registered")
	}
}

func mustEncode(pkt protocol.Packet) []byte {
	data, err := protocol.Encode(pkt)
	if err != nil {
		// Encoding a header-only control packet cannot fail.
		panic(err)
	}
	return data
}
