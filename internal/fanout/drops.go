package fanout

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/cheerfx/internal/logging"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 48
)

// dropLogger batches slow-subscriber drops into one summary line per
// interval instead of a log line per frame.
type dropLogger struct {
	mu       sync.Mutex
	interval time.Duration
	nextEmit time.Time
	total    int
	counts   map[string]int
	samples  map[string]string
}

func newDropLogger(now time.Time, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		interval: interval,
		nextEmit: now.Add(interval),
		counts:   make(map[string]int),
		samples:  make(map[string]string),
	}
}

func (d *dropLogger) note(now time.Time, broadcasterID, artifactID string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.total++
	d.counts[broadcasterID]++
	if _, ok := d.samples[broadcasterID]; !ok {
		d.samples[broadcasterID] = truncate(artifactID, dropSampleMaxLen)
	}
	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *dropLogger) flushLocked(now time.Time) {
	d.nextEmit = now.Add(d.interval)
	if d.total == 0 {
		return
	}
	logging.Warn().
		Int("total", d.total).
		Str("broadcasters", formatCounts(d.counts)).
		Str("samples", formatSamples(d.samples)).
		Msg("fanout: dropped frames for slow overlays")
	d.total = 0
	clear(d.counts)
	clear(d.samples)
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, id := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", id, counts[id]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatSamples(samples map[string]string) string {
	if len(samples) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(samples))
	for _, id := range sortedKeys(samples) {
		parts = append(parts, id+":'"+samples[id]+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
