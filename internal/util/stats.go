package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling counter.
var Stats = &stats{}

type stats struct {
	FramesSent       atomic.Int64 // text frames written to the relay
	FramesRecv       atomic.Int64 // text frames read from the relay
	BytesSent        atomic.Int64 // payload bytes written to the relay
	BytesRecv        atomic.Int64 // payload bytes read from the relay
	LocalCandidates  atomic.Int64 // candidates gathered by the engine and sent
	RemoteCandidates atomic.Int64 // candidates received from the remote peer
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddLocalCandidate()  { s.LocalCandidates.Add(1) }
func (s *stats) AddRemoteCandidate() { s.RemoteCandidates.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent, FramesRecv            int64
	BytesSent, BytesRecv              int64
	LocalCandidates, RemoteCandidates int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:       s.FramesSent.Load(),
		FramesRecv:       s.FramesRecv.Load(),
		BytesSent:        s.BytesSent.Load(),
		BytesRecv:        s.BytesRecv.Load(),
		LocalCandidates:  s.LocalCandidates.Load(),
		RemoteCandidates: s.RemoteCandidates.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling activity
// every 10 seconds. Quiet intervals are skipped. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes what changed between two snapshots.
func formatStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Signaling out: %3d frames %s | in: %3d frames %s | ICE: %2d local %2d remote",
		cur.FramesSent-prev.FramesSent,
		formatBytes(float64(cur.BytesSent-prev.BytesSent)),
		cur.FramesRecv-prev.FramesRecv,
		formatBytes(float64(cur.BytesRecv-prev.BytesRecv)),
		cur.LocalCandidates,
		cur.RemoteCandidates,
	)
}
