package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
	"github.com/alterante/p2pfile/internal/transport"
)

const (
	senderControlTimeout  = 30 * time.Second
	senderAllAckedTimeout = 60 * time.Second
)

// ErrTransferCancelled is returned when the peer cancels the transfer
// mid-flight. When the local caller's context is done, ctx.Err() is
// returned instead.
var ErrTransferCancelled = errors.New("transfer: cancelled")

// FileSender drives the send side of one file transfer over a
// ReliableChannel: FILE_OFFER, wait for FILE_ACCEPT (honoring a resume
// offset), pump DATA chunks, wait for all acknowledgements, send COMPLETE,
// and wait for VERIFIED.
type FileSender struct {
	path     string
	metadata FileMetadata
	channel  *transport.ReliableChannel
	progress *Progress

	mu    sync.Mutex
	state State

	acceptCh   chan int64
	rejectCh   chan struct{}
	verifiedCh chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once

	allAckedCh   chan struct{}
	allAckedOnce sync.Once
}

// NewFileSender prepares to send the file at path, described by metadata,
// over channel. router is the same connection's packet router, used to
// register handlers for the control packet types (FILE_ACCEPT and so on)
// that ride outside the windowed/acked data path.
func NewFileSender(path string, metadata FileMetadata, channel *transport.ReliableChannel, router transport.Router) *FileSender {
	s := &FileSender{
		path:       path,
		metadata:   metadata,
		channel:    channel,
		progress:   NewProgress(metadata.FileSize),
		state:      StateOffering,
		acceptCh:   make(chan int64, 1),
		rejectCh:   make(chan struct{}),
		verifiedCh: make(chan struct{}, 1),
		cancelCh:   make(chan struct{}),
		allAckedCh: make(chan struct{}),
	}
	router.AddHandler(protocol.TypeFileAccept, s.handleControl)
	router.AddHandler(protocol.TypeFileReject, s.handleControl)
	router.AddHandler(protocol.TypeVerified, s.handleControl)
	router.AddHandler(protocol.TypeCancel, s.handleControl)
	channel.OnAllAcked(s.signalAllAcked)
	return s
}

// State returns the sender's current transfer state.
func (s *FileSender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the sender's live progress tracker.
func (s *FileSender) Progress() *Progress { return s.progress }

func (s *FileSender) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send runs the full send-side protocol to completion, returning once the
// file has been verified by the receiver.
func (s *FileSender) Send(ctx context.Context) error {
	if err := s.channel.SendControl(protocol.WithPayload(protocol.TypeFileOffer, s.metadata.Encode())); err != nil {
		return fmt.Errorf("transfer: sending file offer: %w", err)
	}

	resumeOffset, err := s.awaitAccept(ctx)
	if err != nil {
		return err
	}

	s.setState(StateTransferring)
	s.progress.Update(resumeOffset)

	if err := s.pumpData(ctx, resumeOffset); err != nil {
		return err
	}

	s.awaitAllAcked(ctx)

	s.setState(StateCompleting)
	if err := s.channel.SendControl(protocol.WithPayload(protocol.TypeComplete, s.metadata.SHA256[:])); err != nil {
		s.setState(StateError)
		return fmt.Errorf("transfer: sending complete: %w", err)
	}

	if err := s.awaitVerified(ctx); err != nil {
		return err
	}

	s.setState(StateDone)
	return nil
}

func (s *FileSender) awaitAccept(ctx context.Context) (int64, error) {
	select {
	case offset := <-s.acceptCh:
		return offset, nil
	case <-s.rejectCh:
		return 0, fmt.Errorf("transfer: peer rejected file offer")
	case <-s.cancelCh:
		s.setState(StateCancelled)
		return 0, ErrTransferCancelled
	case <-ctx.Done():
		s.setState(StateError)
		return 0, ctx.Err()
	case <-time.After(senderControlTimeout):
		s.setState(StateError)
		return 0, fmt.Errorf("transfer: timed out waiting for file accept")
	}
}

func (s *FileSender) pumpData(ctx context.Context, resumeOffset int64) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("transfer: opening %s: %w", s.path, err)
	}
	defer f.Close()

	if resumeOffset > 0 {
		if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
			return fmt.Errorf("transfer: seeking to resume offset %d: %w", resumeOffset, err)
		}
	}

	chunkSize := s.channel.MaxChunkData()
	buf := make([]byte, chunkSize)
	offset := resumeOffset
	chunkIndex := uint32(offset / int64(chunkSize))

	for {
		select {
		case <-s.cancelCh:
			s.setState(StateCancelled)
			return ErrTransferCancelled
		case <-ctx.Done():
			s.setState(StateError)
			return ctx.Err()
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := s.channel.SendData(chunkIndex, uint64(offset), chunk); err != nil {
				s.setState(StateError)
				return fmt.Errorf("transfer: sending data chunk %d: %w", chunkIndex, err)
			}
			offset += int64(n)
			chunkIndex++
			s.progress.Update(offset)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.setState(StateError)
			return fmt.Errorf("transfer: reading %s: %w", s.path, err)
		}
	}

	return nil
}

func (s *FileSender) awaitAllAcked(ctx context.Context) {
	if s.channel.InflightCount() == 0 {
		return
	}
	select {
	case <-s.allAckedCh:
	case <-ctx.Done():
	case <-time.After(senderAllAckedTimeout):
		log.Warn("transfer: timed out waiting for all data to be acknowledged, sending complete anyway")
	}
}

func (s *FileSender) awaitVerified(ctx context.Context) error {
	select {
	case <-s.verifiedCh:
		return nil
	case <-s.cancelCh:
		s.setState(StateCancelled)
		return ErrTransferCancelled
	case <-ctx.Done():
		s.setState(StateError)
		return ctx.Err()
	case <-time.After(senderControlTimeout):
		s.setState(StateError)
		return fmt.Errorf("transfer: timed out waiting for verification")
	}
}

func (s *FileSender) signalAllAcked() {
	s.allAckedOnce.Do(func() { close(s.allAckedCh) })
}

func (s *FileSender) handleControl(pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeFileAccept:
		var resumeOffset int64
		if len(pkt.Payload) >= 24 {
			resumeOffset = int64(binary.BigEndian.Uint64(pkt.Payload[16:24]))
		}
		select {
		case s.acceptCh <- resumeOffset:
		default:
		}
	case protocol.TypeFileReject:
		s.setState(StateCancelled)
		close(s.rejectCh)
	case protocol.TypeVerified:
		select {
		case s.verifiedCh <- struct{}{}:
		default:
		}
	case protocol.TypeCancel:
		s.setState(StateCancelled)
		s.cancelOnce.Do(func() { close(s.cancelCh) })
	}
}
