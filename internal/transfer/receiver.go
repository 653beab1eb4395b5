package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alterante/p2pfile/internal/protocol"
	"github.com/alterante/p2pfile/internal/transport"
)

const (
	receiverOfferTimeout    = 120 * time.Second
	receiverCompleteTimeout = 600 * time.Second
	receiverZeroByteTimeout = 30 * time.Second
	partialSaveInterval     = 2 * time.Second
)

// FileReceiver drives the receive side of one file transfer: wait for
// FILE_OFFER, optionally resume from a .p2p-partial sidecar, accept,
// receive DATA chunks, wait for COMPLETE, verify the digest, and answer
// VERIFIED.
type FileReceiver struct {
	outputDir string
	channel   *transport.ReliableChannel
	progress  *Progress

	mu           sync.Mutex
	state        State
	metadata     FileMetadata
	outputFile   string
	file         *os.File
	bytesWritten int64
	resumeOffset int64
	lastSave     time.Time

	offerCh    chan FileMetadata
	completeCh chan []byte
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewFileReceiver prepares to receive a file into outputDir over channel.
// router is the same connection's packet router, used to register handlers
// for the control packet types (FILE_OFFER and so on) that ride outside
// the windowed/acked data path.
func NewFileReceiver(outputDir string, channel *transport.ReliableChannel, router transport.Router) *FileReceiver {
	r := &FileReceiver{
		outputDir:  outputDir,
		channel:    channel,
		state:      StateWaiting,
		offerCh:    make(chan FileMetadata, 1),
		completeCh: make(chan []byte, 1),
		cancelCh:   make(chan struct{}),
	}
	router.AddHandler(protocol.TypeFileOffer, r.handleControl)
	router.AddHandler(protocol.TypeComplete, r.handleControl)
	router.AddHandler(protocol.TypeCancel, r.handleControl)
	channel.OnDataReceived(r.handleData)
	return r
}

// State returns the receiver's current transfer state.
func (r *FileReceiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Progress returns the receiver's live progress tracker, nil before the
// offer has been accepted.
func (r *FileReceiver) Progress() *Progress { return r.progress }

// Metadata returns the metadata carried by the accepted offer.
func (r *FileReceiver) Metadata() FileMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}

func (r *FileReceiver) setState(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

// Receive runs the full receive-side protocol to completion, returning the
// path of the verified file.
func (r *FileReceiver) Receive(ctx context.Context) (string, error) {
	metadata, err := r.awaitOffer(ctx)
	if err != nil {
		return "", err
	}

	outputFile, err := r.resolveOutputPath(metadata.Filename)
	if err != nil {
		r.setState(StateError)
		return "", err
	}

	r.mu.Lock()
	r.state = StateReceiving
	r.metadata = metadata
	r.outputFile = outputFile
	r.progress = NewProgress(metadata.FileSize)
	r.mu.Unlock()

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("transfer: creating output directory %s: %w", r.outputDir, err)
	}

	if partial, ok, err := LoadPartial(r.outputFile); err == nil && ok && partial.Matches(metadata) {
		r.mu.Lock()
		r.resumeOffset = partial.BytesWritten
		r.bytesWritten = partial.BytesWritten
		r.mu.Unlock()
		r.progress.Update(partial.BytesWritten)
		log.WithFields(log.Fields{"file": metadata.Filename, "resumeOffset": partial.BytesWritten}).Info("transfer: resuming from partial state")
	}

	if metadata.FileSize == 0 {
		return r.receiveZeroByte(ctx)
	}
	return r.receiveWithData(ctx)
}

// resolveOutputPath validates that name is a single, sanitized path
// component before joining it under outputDir: no separators, no "..", no
// leading "/", no embedded NUL. It then re-derives the joined path the way
// Pablu23-Uftp's sendPTE() does (filepath.Clean followed by a
// filepath.Match against outputDir/*) as a second, independent check that
// the result still resolves to a direct child of outputDir.
func (r *FileReceiver) resolveOutputPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("transfer: offered filename is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("transfer: offered filename contains a NUL byte")
	}
	if name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("transfer: offered filename %q is not a single path component", name)
	}

	joined := filepath.Join(r.outputDir, name)
	clean := filepath.Clean(joined)

	matched, err := filepath.Match(filepath.Join(r.outputDir, "*"), clean)
	if err != nil || !matched {
		return "", fmt.Errorf("transfer: offered filename %q escapes the output directory", name)
	}
	return clean, nil
}

func (r *FileReceiver) receiveZeroByte(ctx context.Context) (string, error) {
	f, err := os.OpenFile(r.outputFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("transfer: creating %s: %w", r.outputFile, err)
	}
	f.Close()

	if err := r.sendAccept(); err != nil {
		return "", err
	}
	r.setState(StateVerifying)

	if err := r.awaitComplete(ctx, receiverZeroByteTimeout); err != nil {
		return "", err
	}
	return r.verifyAndFinish()
}

func (r *FileReceiver) receiveWithData(ctx context.Context) (string, error) {
	f, err := os.OpenFile(r.outputFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("transfer: opening %s: %w", r.outputFile, err)
	}
	if err := f.Truncate(r.metadata.FileSize); err != nil {
		f.Close()
		return "", fmt.Errorf("transfer: truncating %s: %w", r.outputFile, err)
	}

	r.mu.Lock()
	r.file = f
	r.lastSave = time.Now()
	r.mu.Unlock()

	if err := r.sendAccept(); err != nil {
		r.closeFile()
		return "", err
	}

	if err := r.awaitComplete(ctx, receiverCompleteTimeout); err != nil {
		r.savePartialState()
		r.closeFile()
		return "", err
	}

	r.setState(StateVerifying)
	r.closeFile()
	return r.verifyAndFinish()
}

func (r *FileReceiver) awaitOffer(ctx context.Context) (FileMetadata, error) {
	select {
	case metadata := <-r.offerCh:
		return metadata, nil
	case <-r.cancelCh:
		r.setState(StateCancelled)
		return FileMetadata{}, ErrTransferCancelled
	case <-ctx.Done():
		return FileMetadata{}, ctx.Err()
	case <-time.After(receiverOfferTimeout):
		return FileMetadata{}, fmt.Errorf("transfer: timed out waiting for file offer")
	}
}

func (r *FileReceiver) awaitComplete(ctx context.Context, timeout time.Duration) error {
	select {
	case <-r.completeCh:
		return nil
	case <-r.cancelCh:
		r.setState(StateCancelled)
		return ErrTransferCancelled
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("transfer: timed out waiting for transfer completion")
	}
}

func (r *FileReceiver) sendAccept() error {
	r.mu.Lock()
	transferID := r.metadata.TransferID
	resumeOffset := r.resumeOffset
	r.mu.Unlock()

	payload := make([]byte, 24)
	copy(payload[0:16], transferID[:])
	binary.BigEndian.PutUint64(payload[16:24], uint64(resumeOffset))

	if err := r.channel.SendControl(protocol.WithPayload(protocol.TypeFileAccept, payload)); err != nil {
		return fmt.Errorf("transfer: sending file accept: %w", err)
	}
	return nil
}

func (r *FileReceiver) verifyAndFinish() (string, error) {
	computed, err := hashFile(r.outputFile)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	expected := r.metadata.SHA256
	outputFile := r.outputFile
	r.mu.Unlock()

	if !bytes.Equal(computed[:], expected[:]) {
		r.savePartialState()
		r.setState(StateError)
		log.WithField("file", outputFile).Warn("transfer: digest mismatch, keeping partial state for resume")
		return "", fmt.Errorf("transfer: digest mismatch for %s", outputFile)
	}

	if err := r.channel.SendControl(protocol.WithPayload(protocol.TypeVerified, nil)); err != nil {
		return "", fmt.Errorf("transfer: sending verified: %w", err)
	}
	if err := DeletePartial(outputFile); err != nil {
		return "", err
	}
	r.setState(StateDone)
	return outputFile, nil
}

func hashFile(path string) ([sha256Size]byte, error) {
	var sum [sha256Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("transfer: opening %s for verification: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("transfer: hashing %s: %w", path, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func (r *FileReceiver) savePartialState() {
	r.mu.Lock()
	p := PartialTransferState{
		FileSize:     r.metadata.FileSize,
		SHA256:       r.metadata.SHA256,
		BytesWritten: r.bytesWritten,
		Filename:     r.metadata.Filename,
	}
	outputFile := r.outputFile
	r.mu.Unlock()

	p.Save(outputFile)
}

func (r *FileReceiver) closeFile() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// handleData runs on the router thread: it writes the chunk at its byte
// offset and, no more than once every partialSaveInterval, checkpoints a
// resumable sidecar.
func (r *FileReceiver) handleData(d transport.DataPayload) {
	r.mu.Lock()
	if r.file == nil {
		r.mu.Unlock()
		return
	}

	if _, err := r.file.WriteAt(d.Data, int64(d.ByteOffset)); err != nil {
		r.mu.Unlock()
		return
	}

	end := int64(d.ByteOffset) + int64(len(d.Data))
	if end > r.bytesWritten {
		r.bytesWritten = end
	}
	shouldSave := time.Since(r.lastSave) >= partialSaveInterval
	if shouldSave {
		r.lastSave = time.Now()
	}
	r.mu.Unlock()

	if r.progress != nil {
		r.progress.Update(end)
	}
	if shouldSave {
		r.savePartialState()
	}
}

func (r *FileReceiver) handleControl(pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeFileOffer:
		metadata, err := DecodeMetadata(pkt.Payload)
		if err != nil {
			return
		}
		select {
		case r.offerCh <- metadata:
		default:
		}
	case protocol.TypeComplete:
		select {
		case r.completeCh <- pkt.Payload:
		default:
		}
	case protocol.TypeCancel:
		r.setState(StateCancelled)
		r.cancelOnce.Do(func() { close(r.cancelCh) })
	}
}
