package transfer

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Progress tracks transferred bytes, average speed, and ETA for a
// single transfer, and can render itself as a progress bar for the CLI.
type Progress struct {
	totalBytes int64
	startTime  time.Time

	transferred atomic.Int64
}

// NewProgress starts a Progress clock for a transfer of totalBytes.
func NewProgress(totalBytes int64) *Progress {
	return &Progress{totalBytes: totalBytes, startTime: time.Now()}
}

// Update sets the absolute number of bytes transferred so far.
func (p *Progress) Update(bytesTransferred int64) {
	p.transferred.Store(bytesTransferred)
}

// AddBytes adds bytes to the running total.
func (p *Progress) AddBytes(bytes int64) {
	p.transferred.Add(bytes)
}

func (p *Progress) TransferredBytes() int64 { return p.transferred.Load() }
func (p *Progress) TotalBytes() int64       { return p.totalBytes }

// PercentComplete returns 0-100; a zero-byte transfer is always 100%.
func (p *Progress) PercentComplete() float64 {
	if p.totalBytes == 0 {
		return 100
	}
	return float64(p.transferred.Load()) * 100.0 / float64(p.totalBytes)
}

// Speed returns the average throughput in bytes per second since the
// Progress was created.
func (p *Progress) Speed() float64 {
	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.transferred.Load()) / elapsed
}

// SpeedString renders Speed as a human-readable rate.
func (p *Progress) SpeedString() string {
	bps := p.Speed()
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.1f MB/s", bps/1_000_000)
	case bps >= 1_000:
		return fmt.Sprintf("%.1f KB/s", bps/1_000)
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}

// ETASeconds estimates seconds remaining at the current speed, or -1 if the
// speed is not yet known.
func (p *Progress) ETASeconds() int64 {
	bps := p.Speed()
	if bps <= 0 {
		return -1
	}
	remaining := p.totalBytes - p.transferred.Load()
	return int64(float64(remaining) / bps)
}

// ETAString renders ETASeconds as "?", "12s", "3:07", or "1:02:03".
func (p *Progress) ETAString() string {
	secs := p.ETASeconds()
	switch {
	case secs < 0:
		return "?"
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%d:%02d", secs/60, secs%60)
	default:
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
	}
}

// Bar renders a fixed-width progress bar, e.g. "[=========>       ]  56% 2.3 MB/s ETA 45s".
func (p *Progress) Bar(width int) string {
	pct := p.PercentComplete()
	filled := int(float64(width) * pct / 100)

	var b strings.Builder
	b.WriteByte('[')
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			b.WriteByte('=')
		case i == filled:
			b.WriteByte('>')
		default:
			b.WriteByte(' ')
		}
	}
	fmt.Fprintf(&b, "] %3.0f%% %s ETA %s", pct, p.SpeedString(), p.ETAString())
	return b.String()
}

// IsComplete reports whether all totalBytes have been accounted for.
func (p *Progress) IsComplete() bool {
	return p.transferred.Load() >= p.totalBytes
}
