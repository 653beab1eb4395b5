package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
)

// ErrChannelClosed is returned by SendData and SendControl once the
// channel has been closed.
var ErrChannelClosed = errors.New("transport: channel closed")

const (
	dataHeaderSize  = 12 // 4-byte chunk index + 8-byte byte offset
	maxChunkDataFloor = 1100
)

// Router is the subset of the packet router (internal/netio) the reliable
// channel needs: enqueueing encoded frames, registering per-type handlers,
// and a tick hook run once per I/O loop iteration. Declaring it here, as an
// interface, keeps this package independent of netio and lets a fake
// router stand in for loopback tests.
type Router interface {
	Send(data []byte) error
	SendPacket(p protocol.Packet) error
	AddHandler(t protocol.Type, fn func(protocol.Packet))
	RemoveHandler(t protocol.Type)
	SetTickCallback(fn func())
}

// DataPayload is one delivered DATA packet handed to the data-received
// callback.
type DataPayload struct {
	ChunkIndex uint32
	ByteOffset uint64
	Data       []byte
}

// ReliableChannel wires the RTT estimator, congestion control, send window
// and receive buffer over a Router to offer an ordered, SACK-acknowledged
// data stream plus a best-effort control-packet channel.
type ReliableChannel struct {
	router       Router
	connectionID uint32
	maxChunk     int

	mu   sync.Mutex
	cond *sync.Cond

	send *SendWindow
	recv *ReceiveBuffer // nil until the first DATA packet is seen
	rtt  *RTTEstimator
	cc   *CongestionControl

	receiverWindow int
	closed         bool

	onData     func(DataPayload)
	onAllAcked func()

	totalPacketsSent     int64
	totalPacketsReceived int64
	totalRetransmissions int64
}

// NewReliableChannel constructs a channel bound to connectionID, deriving
// its maximum chunk payload from the secure transport's send limit.
func NewReliableChannel(router Router, connectionID uint32, transportSendLimit int) *ReliableChannel {
	maxChunk := transportSendLimit - protocol.HeaderSize - dataHeaderSize
	if maxChunk <= 0 || maxChunk > maxChunkDataFloor {
		maxChunk = maxChunkDataFloor
	}

	c := &ReliableChannel{
		router:         router,
		connectionID:   connectionID,
		maxChunk:       maxChunk,
		send:           NewSendWindow(randomSeq()),
		rtt:            NewRTTEstimator(),
		cc:             NewCongestionControl(),
		receiverWindow: initialWindow,
	}
	c.cond = sync.NewCond(&c.mu)

	router.AddHandler(protocol.TypeData, c.handleData)
	router.AddHandler(protocol.TypeSack, c.handleSack)
	router.SetTickCallback(c.onTick)

	return c
}

func randomSeq() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; the spec
		// requires a cryptographically random initial sequence so there
		// is no sensible non-random fallback.
		log.WithError(err).Fatal("transport: failed to generate random initial sequence")
	}
	return binary.BigEndian.Uint32(b[:])
}

// MaxChunkData returns the largest chunk payload SendData will accept.
func (c *ReliableChannel) MaxChunkData() int { return c.maxChunk }

// OnDataReceived registers the callback invoked, on the router thread, for
// every contiguously-delivered DATA payload in sequence order.
func (c *ReliableChannel) OnDataReceived(fn func(DataPayload)) { c.onData = fn }

// OnAllAcked registers the callback invoked when the send window drains to
// zero in-flight packets.
func (c *ReliableChannel) OnAllAcked(fn func()) { c.onAllAcked = fn }

// SendData blocks until the effective window has room, then tracks and
// transmits one DATA packet. It fails if the channel has been closed, if
// the packet cannot be encoded, or if the router's send fails.
func (c *ReliableChannel) SendData(chunkIndex uint32, byteOffset uint64, data []byte) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		if c.send.CanSend(c.cc.EffectiveWindow(c.receiverWindow)) {
			break
		}
		c.cond.Wait()
	}

	payload := make([]byte, dataHeaderSize+len(data))
	binary.BigEndian.PutUint32(payload[0:4], chunkIndex)
	binary.BigEndian.PutUint64(payload[4:12], byteOffset)
	copy(payload[12:], data)

	now := time.Now()
	var encodeErr error
	var encoded []byte
	// Sequence is assigned by the window and stamped into the frame before
	// it's encoded, so assignment order and send order always agree.
	c.send.TrackBuilt(now, func(seq uint32) []byte {
		pkt := protocol.Packet{
			Type:         protocol.TypeData,
			ConnectionID: c.connectionID,
			Sequence:     seq,
			Payload:      payload,
		}
		encoded, encodeErr = protocol.Encode(pkt)
		return encoded
	})
	c.mu.Unlock()

	if encodeErr != nil {
		return fmt.Errorf("transport: encoding data packet: %w", encodeErr)
	}

	c.totalPacketsSent++
	return c.router.Send(encoded)
}

// SendControl transmits a control packet (FILE_OFFER, FILE_ACCEPT, ...)
// outside the windowed/acked data path — best effort, not retried at this
// layer.
func (c *ReliableChannel) SendControl(pkt protocol.Packet) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	pkt.ConnectionID = c.connectionID
	return c.router.SendPacket(pkt)
}

// InflightCount returns the number of un-acked DATA packets.
func (c *ReliableChannel) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send.InflightCount()
}

// Close unregisters the channel's handlers, wakes every blocked SendData
// caller, and abandons any remaining in-flight records.
func (c *ReliableChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.send = NewSendWindow(c.send.NextSeq())
	c.mu.Unlock()
	c.cond.Broadcast()
	c.router.RemoveHandler(protocol.TypeData)
	c.router.RemoveHandler(protocol.TypeSack)
}

func (c *ReliableChannel) TotalPacketsSent() int64     { return c.totalPacketsSent }
func (c *ReliableChannel) TotalPacketsReceived() int64 { return c.totalPacketsReceived }
func (c *ReliableChannel) TotalRetransmissions() int64 { return c.totalRetransmissions }

// handleData runs on the router thread: it delivers the payload into the
// receive buffer, fires the data callback for each newly in-order packet,
// and conditionally answers with a SACK.
func (c *ReliableChannel) handleData(pkt protocol.Packet) {
	c.mu.Lock()
	if c.recv == nil {
		c.recv = NewReceiveBuffer(pkt.Sequence)
	}
	delivered := c.recv.Deliver(pkt.Sequence, pkt.Payload)
	shouldAck := c.recv.ShouldSendAck(time.Now())
	var sackPkt protocol.Packet
	if shouldAck {
		sackPkt = c.buildSackLocked()
	}
	c.mu.Unlock()

	c.totalPacketsReceived++

	for _, d := range delivered {
		if len(d.Payload) < dataHeaderSize {
			continue
		}
		payload := DataPayload{
			ChunkIndex: binary.BigEndian.Uint32(d.Payload[0:4]),
			ByteOffset: binary.BigEndian.Uint64(d.Payload[4:12]),
			Data:       d.Payload[12:],
		}
		if c.onData != nil {
			c.onData(payload)
		}
	}

	if shouldAck {
		if err := c.router.SendPacket(sackPkt); err != nil {
			log.WithError(err).Debug("transport: failed to send sack")
		} else {
			c.mu.Lock()
			c.recv.AckSent(time.Now())
			c.mu.Unlock()
		}
	}
}

// handleSack runs on the router thread: it folds the SACK into send-window
// state, samples RTT (Karn's rule), drives congestion control, and may
// trigger an immediate fast retransmit.
func (c *ReliableChannel) handleSack(pkt protocol.Packet) {
	sack, err := DecodeSack(pkt.Payload)
	if err != nil {
		log.WithError(err).Debug("transport: dropping malformed sack")
		return
	}

	c.mu.Lock()
	baseBefore := c.send.BaseSeq()
	lost, cumAckRecord, hadCumAckRecord := c.send.ProcessSack(sack)
	baseAfter := c.send.BaseSeq()
	c.receiverWindow = int(sack.ReceiverWindow)

	advanced := seqAfter(baseAfter, baseBefore)
	if advanced {
		if hadCumAckRecord && !cumAckRecord.Retransmitted {
			c.rtt.AddSample(float64(time.Since(cumAckRecord.FirstSent).Milliseconds()))
		}
		c.cc.OnAck()
	} else if len(sack.Ranges) > 0 {
		if c.cc.OnDuplicateAck() {
			c.retransmitLocked(lost, time.Now())
		}
	}

	allAcked := c.send.InflightCount() == 0
	c.mu.Unlock()

	if allAcked && c.onAllAcked != nil {
		c.onAllAcked()
	}
	c.cond.Broadcast()
}

// onTick runs once per router loop iteration: it retransmits anything
// whose RTO has expired and emits a delayed SACK if one is due.
func (c *ReliableChannel) onTick() {
	c.mu.Lock()
	now := time.Now()
	rto := time.Duration(c.rtt.RTOMillis()) * time.Millisecond
	due := c.send.Retransmittable(now, rto)

	var seqs []uint32
	for _, rec := range due {
		seqs = append(seqs, rec.Sequence)
	}
	c.retransmitLocked(seqs, now)

	var sackPkt protocol.Packet
	shouldAck := c.recv != nil && c.recv.ShouldSendAck(now)
	if shouldAck {
		sackPkt = c.buildSackLocked()
	}
	c.mu.Unlock()

	if shouldAck {
		if err := c.router.SendPacket(sackPkt); err != nil {
			log.WithError(err).Debug("transport: failed to send delayed sack")
		} else {
			c.mu.Lock()
			c.recv.AckSent(time.Now())
			c.mu.Unlock()
		}
	}
}

// retransmitLocked re-enqueues the named sequences' encoded bytes, updates
// their bookkeeping, and backs off RTO/congestion state. Must be called
// with c.mu held.
func (c *ReliableChannel) retransmitLocked(seqs []uint32, now time.Time) {
	for _, seq := range seqs {
		rec, ok := c.send.recordAt(seq)
		if !ok || rec.Data == nil {
			continue
		}
		if err := c.router.Send(rec.Data); err != nil {
			log.WithError(err).Debug("transport: retransmit send failed")
			continue
		}
		c.send.MarkRetransmitted(seq, now)
		c.rtt.Backoff()
		c.cc.OnLoss()
		c.totalRetransmissions++
	}
}

func (c *ReliableChannel) buildSackLocked() protocol.Packet {
	sack := c.recv.GenerateSack()
	return protocol.Packet{
		Type:         protocol.TypeSack,
		ConnectionID: c.connectionID,
		Payload:      EncodeSack(sack),
	}
}
