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

// Stats is the process-wide datagram counter.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // datagrams written to the socket
	PacketsRecv atomic.Int64 // datagrams read from the socket
	BytesSent   atomic.Int64 // bytes written, headers included
	BytesRecv   atomic.Int64 // bytes read, headers included
	Dropped     atomic.Int64 // datagrams or messages discarded as malformed
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDropped() { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur.pktSent != prev.pktSent || cur.pktRecv != prev.pktRecv {
					pterm.DefaultLogger.Info(formatStats(cur, prev, reportInterval.Seconds()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	pktSent, pktRecv, bytesSent, bytesRecv, dropped int64
}

func takeSnapshot() snapshot {
	return snapshot{
		pktSent:   Stats.PacketsSent.Load(),
		pktRecv:   Stats.PacketsRecv.Load(),
		bytesSent: Stats.BytesSent.Load(),
		bytesRecv: Stats.BytesRecv.Load(),
		dropped:   Stats.Dropped.Load(),
	}
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

// formatStats renders the difference between two snapshots taken secs apart.
func formatStats(cur, prev snapshot, secs float64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Pkts: %3d↑ %3d↓ | Dropped: %d",
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)/secs),
		formatBytes(float64(cur.bytesSent-prev.bytesSent)/secs),
		cur.pktSent-prev.pktSent,
		cur.pktRecv-prev.pktRecv,
		cur.dropped,
	)
}
