package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/alterante/p2pfile/internal/transfer"
)

// progressBarWidth matches the 30-column bar the original command-line tool
// rendered.
const progressBarWidth = 30

const progressTickInterval = 250 * time.Millisecond

// PrintProgress redraws p's progress bar on a single line of w every tick
// until p reports completion or stop is closed.
func PrintProgress(w io.Writer, p *transfer.Progress, stop <-chan struct{}) {
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fmt.Fprintf(w, "\r%s", p.Bar(progressBarWidth))
			if p.IsComplete() {
				return
			}
		}
	}
}

// PrintJSONProgress emits periodic JSON progress events until p reports
// completion or stop is closed.
func PrintJSONProgress(e *JSONEmitter, p *transfer.Progress, stop <-chan struct{}) {
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Progress(p)
			if p.IsComplete() {
				return
			}
		}
	}
}

// FormatSize renders a byte count as a human-readable "1.2 MB"-style
// string.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= 1_000_000_000:
		return fmt.Sprintf("%.1f GB", float64(bytes)/1_000_000_000)
	case bytes >= 1_000_000:
		return fmt.Sprintf("%.1f MB", float64(bytes)/1_000_000)
	case bytes >= 1_000:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1_000)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
