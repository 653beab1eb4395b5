// Package cli renders transfer events either as newline-delimited JSON (for
// scripting) or as human-readable progress output, mirroring the two output
// modes the original command-line tool offered behind a --json flag.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/alterante/p2pfile/internal/netio"
	"github.com/alterante/p2pfile/internal/transfer"
)

// JSONEmitter writes one JSON object per line to w, flushing after each
// event so a consuming process sees progress as it happens rather than in
// bursts.
type JSONEmitter struct {
	w io.Writer
}

// NewJSONEmitter returns an emitter writing to w.
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	return &JSONEmitter{w: w}
}

func (e *JSONEmitter) emit(event map[string]any) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintln(e.w, string(line))
}

// Status reports a PeerConnection lifecycle transition.
func (e *JSONEmitter) Status(state netio.PeerState) {
	e.emit(map[string]any{"event": "status", "state": statusName(state)})
}

func statusName(state netio.PeerState) string {
	switch state {
	case netio.StateRegistering:
		return "registering"
	case netio.StateWaitingPeer:
		return "waiting_peer"
	case netio.StatePunching:
		return "punching"
	case netio.StateHandshake:
		return "handshaking"
	case netio.StateConnected:
		return "connected"
	default:
		return state.String()
	}
}

// FileInfo reports the metadata of an offered or sent file.
func (e *JSONEmitter) FileInfo(metadata transfer.FileMetadata) {
	e.emit(map[string]any{
		"event":  "file_info",
		"name":   metadata.Filename,
		"size":   metadata.FileSize,
		"sha256": metadata.SHA256Hex(),
	})
}

// Progress reports a point-in-time transfer progress snapshot.
func (e *JSONEmitter) Progress(p *transfer.Progress) {
	e.emit(map[string]any{
		"event":       "progress",
		"bytes":       p.TransferredBytes(),
		"total":       p.TotalBytes(),
		"speed_bps":   p.Speed(),
		"eta_seconds": p.ETASeconds(),
		"percent":     p.PercentComplete(),
	})
}

// Complete reports a finished transfer.
func (e *JSONEmitter) Complete(bytes, packets, retransmissions, durationMs int64, path string) {
	event := map[string]any{
		"event":           "complete",
		"bytes":           bytes,
		"packets":         packets,
		"retransmissions": retransmissions,
		"duration_ms":     durationMs,
	}
	if path != "" {
		event["path"] = path
	}
	e.emit(event)
}

// Error reports a fatal error.
func (e *JSONEmitter) Error(message string) {
	e.emit(map[string]any{"event": "error", "message": message})
}
