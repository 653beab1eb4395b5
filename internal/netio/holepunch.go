package netio

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
)

const (
	defaultPunchInterval = 100 * time.Millisecond
	defaultPunchTimeout  = 10 * time.Second
)

// HolePunchResult is the outcome of one punch attempt.
type HolePunchResult struct {
	Success          bool
	ConfirmedAddress *net.UDPAddr
	Elapsed          time.Duration
}

// HolePuncher drives simultaneous UDP hole punching over an unconnected
// socket: both peers send PUNCH datagrams to each other's last-known public
// endpoint (from the coordinator's PEER_INFO) until one side's PUNCH or
// PUNCH_ACK gets through in both directions.
//
// It accepts PUNCH replies from the expected IP on any port, and adopts
// that port as the confirmed endpoint — this is what lets two peers behind
// independent symmetric NATs (which remap the source port per destination)
// still find each other.
type HolePuncher struct {
	conn           *net.UDPConn
	remote         *net.UDPAddr
	connectionID   uint32
	punchInterval  time.Duration
	timeout        time.Duration
}

// NewHolePuncher returns a puncher using default interval/timeout values.
func NewHolePuncher(conn *net.UDPConn, remote *net.UDPAddr, connectionID uint32) *HolePuncher {
	return NewHolePuncherWithTiming(conn, remote, connectionID, defaultPunchInterval, defaultPunchTimeout)
}

// NewHolePuncherWithTiming allows overriding the punch interval and overall
// timeout, primarily for tests.
func NewHolePuncherWithTiming(conn *net.UDPConn, remote *net.UDPAddr, connectionID uint32, interval, timeout time.Duration) *HolePuncher {
	return &HolePuncher{
		conn:          conn,
		remote:        remote,
		connectionID:  connectionID,
		punchInterval: interval,
		timeout:       timeout,
	}
}

// Punch blocks until the hole is confirmed open in both directions, or the
// timeout elapses.
func (h *HolePuncher) Punch() HolePunchResult {
	start := time.Now()
	deadline := start.Add(h.timeout)

	log.WithFields(log.Fields{
		"remote":       h.remote.String(),
		"connectionId": h.connectionID,
		"interval":     h.punchInterval,
		"timeout":      h.timeout,
	}).Info("netio: starting hole punch")

	recvBuf := make([]byte, protocol.MaxDatagram)
	nextPunch := time.Time{} // send immediately on the first iteration
	var punchesSent, packetsReceived, timeouts int

	for time.Now().Before(deadline) {
		now := time.Now()
		if !now.Before(nextPunch) {
			if err := h.sendPunch(); err != nil {
				log.WithError(err).Warn("netio: failed to send punch")
			}
			punchesSent++
			nextPunch = now.Add(h.punchInterval)
		}

		if err := h.conn.SetReadDeadline(time.Now().Add(h.punchInterval)); err != nil {
			return HolePunchResult{Elapsed: time.Since(start)}
		}
		n, from, err := h.conn.ReadFromUDP(recvBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				timeouts++
				if timeouts%20 == 0 {
					log.WithFields(log.Fields{
						"sent": punchesSent, "received": packetsReceived,
						"timeouts": timeouts, "elapsed": time.Since(start),
					}).Info("netio: hole punch in progress")
				}
				continue
			}
			log.WithError(err).Warn("netio: hole punch i/o error")
			return HolePunchResult{Elapsed: time.Since(start)}
		}

		packetsReceived++
		if !from.IP.Equal(h.remote.IP) {
			log.WithFields(log.Fields{"from": from.String(), "expected": h.remote.IP.String()}).
				Debug("netio: ignoring punch packet from unexpected IP")
			continue
		}

		pkt, err := protocol.Decode(recvBuf[:n])
		if err != nil {
			log.WithError(err).Debug("netio: ignoring bad packet during hole punch")
			continue
		}

		switch pkt.Type {
		case protocol.TypePunch:
			if from.Port != h.remote.Port {
				log.WithFields(log.Fields{"expected": h.remote.Port, "got": from.Port}).
					Info("netio: symmetric NAT detected, adopting new remote port")
				h.remote = from
			}
			if err := h.sendPunchAck(pkt.ConnectionID); err != nil {
				log.WithError(err).Warn("netio: failed to send punch ack")
			}
			elapsed := time.Since(start)
			log.WithField("elapsed", elapsed).Info("netio: hole punch succeeded (received PUNCH)")
			return HolePunchResult{Success: true, ConfirmedAddress: from, Elapsed: elapsed}

		case protocol.TypePunchAck:
			if from.Port != h.remote.Port {
				log.WithField("remote", from.String()).Info("netio: symmetric NAT detected on punch ack")
				h.remote = from
			}
			elapsed := time.Since(start)
			log.WithField("elapsed", elapsed).Info("netio: hole punch succeeded (received PUNCH_ACK)")
			return HolePunchResult{Success: true, ConfirmedAddress: from, Elapsed: elapsed}
		}
	}

	elapsed := time.Since(start)
	log.WithFields(log.Fields{
		"elapsed": elapsed, "sent": punchesSent, "received": packetsReceived, "timeouts": timeouts,
	}).Warn("netio: hole punch timed out")
	return HolePunchResult{Elapsed: elapsed}
}

func (h *HolePuncher) sendPunch() error {
	data, err := protocol.Encode(protocol.Packet{Type: protocol.TypePunch, ConnectionID: h.connectionID})
	if err != nil {
		return err
	}
	_, err = h.conn.WriteToUDP(data, h.remote)
	return err
}

func (h *HolePuncher) sendPunchAck(echoConnID uint32) error {
	data, err := protocol.Encode(protocol.Packet{Type: protocol.TypePunchAck, ConnectionID: echoConnID})
	if err != nil {
		return err
	}
	_, err = h.conn.WriteToUDP(data, h.remote)
	return err
}
