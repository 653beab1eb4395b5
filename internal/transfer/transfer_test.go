package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alterante/p2pfile/internal/protocol"
	"github.com/alterante/p2pfile/internal/transport"
)

// fakeRouter is a minimal transport.Router over an in-memory peer link,
// standing in for a real netio.PacketRouter so sender/receiver tests don't
// need actual sockets or a DTLS handshake.
type fakeRouter struct {
	mu       sync.Mutex
	handlers map[protocol.Type]func(protocol.Packet)
	tick     func()

	inbox  chan protocol.Packet
	peer   *fakeRouter
	closed chan struct{}
}

func newFakeRouterPair() (*fakeRouter, *fakeRouter) {
	a := &fakeRouter{handlers: make(map[protocol.Type]func(protocol.Packet)), inbox: make(chan protocol.Packet, 256), closed: make(chan struct{})}
	b := &fakeRouter{handlers: make(map[protocol.Type]func(protocol.Packet)), inbox: make(chan protocol.Packet, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func (r *fakeRouter) dispatchLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case pkt := <-r.inbox:
			r.mu.Lock()
			h := r.handlers[pkt.Type]
			r.mu.Unlock()
			if h != nil {
				h(pkt)
			}
		case <-ticker.C:
			r.mu.Lock()
			t := r.tick
			r.mu.Unlock()
			if t != nil {
				t()
			}
		case <-r.closed:
			return
		}
	}
}

func (r *fakeRouter) AddHandler(t protocol.Type, fn func(protocol.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
}

func (r *fakeRouter) RemoveHandler(t protocol.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

func (r *fakeRouter) SetTickCallback(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = fn
}

func (r *fakeRouter) SendPacket(p protocol.Packet) error {
	select {
	case r.peer.inbox <- p:
		return nil
	case <-r.closed:
		return errors.New("fakeRouter: closed")
	}
}

func (r *fakeRouter) Send(data []byte) error {
	pkt, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	return r.SendPacket(pkt)
}

func (r *fakeRouter) Close() {
	close(r.closed)
}

func TestSendReceiveFullFile(t *testing.T) {
	routerA, routerB := newFakeRouterPair()
	defer routerA.Close()
	defer routerB.Close()

	channelA := newTestChannel(routerA)
	channelB := newTestChannel(routerB)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 500)
	srcPath := filepath.Join(srcDir, "fox.txt")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	metadata, err := FromFile(srcPath)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	sender := NewFileSender(srcPath, metadata, channelA, routerA)
	receiver := NewFileReceiver(dstDir, channelB, routerB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	outCh := make(chan string, 1)
	go func() { errCh <- sender.Send(ctx) }()
	go func() {
		out, err := receiver.Receive(ctx)
		outCh <- out
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	}
	outputFile := <-outCh

	got, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("received content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
	if _, ok, _ := LoadPartial(outputFile); ok {
		t.Error("expected partial sidecar to be deleted after a verified transfer")
	}
}

func TestSendReceiveResumesFromPartialState(t *testing.T) {
	routerA, routerB := newFakeRouterPair()
	defer routerA.Close()
	defer routerB.Close()

	channelA := newTestChannel(routerA)
	channelB := newTestChannel(routerB)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := bytes.Repeat([]byte("resume-me-0123456789\n"), 400)
	srcPath := filepath.Join(srcDir, "partial.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	metadata, err := FromFile(srcPath)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	outputFile := filepath.Join(dstDir, "partial.bin")
	resumeAt := int64(len(content) / 2)
	if err := os.WriteFile(outputFile, content[:resumeAt], 0o644); err != nil {
		t.Fatalf("seeding partial output: %v", err)
	}
	partial := PartialTransferState{
		FileSize:     metadata.FileSize,
		SHA256:       metadata.SHA256,
		BytesWritten: resumeAt,
		Filename:     metadata.Filename,
	}
	if err := partial.Save(outputFile); err != nil {
		t.Fatalf("saving partial sidecar: %v", err)
	}

	sender := NewFileSender(srcPath, metadata, channelA, routerA)
	receiver := NewFileReceiver(dstDir, channelB, routerB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(ctx) }()
	go func() {
		_, err := receiver.Receive(ctx)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	}

	got, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed content does not match full expected content")
	}
}

func TestSendReceiveZeroByteFile(t *testing.T) {
	routerA, routerB := newFakeRouterPair()
	defer routerA.Close()
	defer routerB.Close()

	channelA := newTestChannel(routerA)
	channelB := newTestChannel(routerB)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "empty.txt")
	if err := os.WriteFile(srcPath, nil, 0o644); err != nil {
		t.Fatalf("writing empty source file: %v", err)
	}

	metadata, err := FromFile(srcPath)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if metadata.FileSize != 0 {
		t.Fatalf("FileSize = %d, want 0", metadata.FileSize)
	}

	sender := NewFileSender(srcPath, metadata, channelA, routerA)
	receiver := NewFileReceiver(dstDir, channelB, routerB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	outCh := make(chan string, 1)
	go func() { errCh <- sender.Send(ctx) }()
	go func() {
		out, err := receiver.Receive(ctx)
		outCh <- out
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("zero-byte transfer failed: %v", err)
		}
	}
	outputFile := <-outCh
	info, err := os.Stat(outputFile)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("output size = %d, want 0", info.Size())
	}
}

// newTestChannel wraps NewReliableChannel with a fixed send limit, matching
// what a real DtlsSession would report.
func newTestChannel(r *fakeRouter) *transport.ReliableChannel {
	return transport.NewReliableChannel(r, 0x1, protocol.MaxDatagram)
}

// TestSendReceiveSizeMatrix drives one full send/receive over the loopback
// pair for each boundary size around a chunk: empty, a single byte, one
// below/at/above the chunk, a few multiples of it, one million bytes
// exactly, and ten chunks' worth again to also exercise the channel's own
// maximum chunk payload directly.
func TestSendReceiveSizeMatrix(t *testing.T) {
	scratchA, scratchB := newFakeRouterPair()
	chunk := newTestChannel(scratchA).MaxChunkData()
	scratchA.Close()
	scratchB.Close()

	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 10 * chunk, 1_000_000, 10 * chunk}

	for i, size := range sizes {
		size := size
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			routerA, routerB := newFakeRouterPair()
			defer routerA.Close()
			defer routerB.Close()

			channelA := newTestChannel(routerA)
			channelB := newTestChannel(routerB)

			srcDir := t.TempDir()
			dstDir := t.TempDir()

			content := make([]byte, size)
			rand.New(rand.NewSource(int64(i) + 1)).Read(content)

			srcPath := filepath.Join(srcDir, fmt.Sprintf("file-%d.bin", i))
			if err := os.WriteFile(srcPath, content, 0o644); err != nil {
				t.Fatalf("writing source file: %v", err)
			}

			metadata, err := FromFile(srcPath)
			if err != nil {
				t.Fatalf("FromFile: %v", err)
			}

			sender := NewFileSender(srcPath, metadata, channelA, routerA)
			receiver := NewFileReceiver(dstDir, channelB, routerB)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			errCh := make(chan error, 1)
			outCh := make(chan string, 1)
			go func() { errCh <- sender.Send(ctx) }()
			go func() {
				out, err := receiver.Receive(ctx)
				outCh <- out
				errCh <- err
			}()

			for j := 0; j < 2; j++ {
				if err := <-errCh; err != nil {
					t.Fatalf("transfer failed: %v", err)
				}
			}
			outputFile := <-outCh

			got, err := os.ReadFile(outputFile)
			if err != nil {
				t.Fatalf("reading received file: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Fatalf("content mismatch for size %d: got %d bytes, want %d bytes", size, len(got), len(content))
			}
			if _, ok, _ := LoadPartial(outputFile); ok {
				t.Error("expected partial sidecar to be deleted after a verified transfer")
			}
		})
	}
}

// TestSendReceiveResumesExactByteCounts seeds the output with exactly the
// first 50 000 bytes of a 100 000-byte source plus a matching checkpoint,
// then checks the resumed transfer reproduces the source exactly and drops
// the checkpoint.
func TestSendReceiveResumesExactByteCounts(t *testing.T) {
	routerA, routerB := newFakeRouterPair()
	defer routerA.Close()
	defer routerB.Close()

	channelA := newTestChannel(routerA)
	channelB := newTestChannel(routerB)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := make([]byte, 100_000)
	rand.New(rand.NewSource(42)).Read(content)
	srcPath := filepath.Join(srcDir, "exact.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	metadata, err := FromFile(srcPath)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	outputFile := filepath.Join(dstDir, "exact.bin")
	const resumeAt = 50_000
	if err := os.WriteFile(outputFile, content[:resumeAt], 0o644); err != nil {
		t.Fatalf("seeding partial output: %v", err)
	}
	partial := PartialTransferState{
		FileSize:     metadata.FileSize,
		SHA256:       metadata.SHA256,
		BytesWritten: resumeAt,
		Filename:     metadata.Filename,
	}
	if err := partial.Save(outputFile); err != nil {
		t.Fatalf("saving partial sidecar: %v", err)
	}

	sender := NewFileSender(srcPath, metadata, channelA, routerA)
	receiver := NewFileReceiver(dstDir, channelB, routerB)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(ctx) }()
	go func() {
		_, err := receiver.Receive(ctx)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	}

	got, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if len(got) != len(content) {
		t.Fatalf("output size = %d, want %d", len(got), len(content))
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed content does not match full expected content")
	}
	if _, ok, _ := LoadPartial(outputFile); ok {
		t.Error("expected partial sidecar to be deleted after a verified resume")
	}
}
