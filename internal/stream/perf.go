package stream

import (
	"slices"
	"sync"
	"time"
)

const defaultPerfCapacity = 1024

// PerformanceSnapshot summarises recent dispatch latencies.
type PerformanceSnapshot struct {
	// Total counts every recorded event since creation.
	Total uint64
	// Samples is the number of latencies in the window.
	Samples int
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	// Throughput is events per second across the window.
	Throughput float64
}

// PerformanceTracker keeps the last capacity latencies in a ring. Safe for concurrent use.
type PerformanceTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	stamps  []time.Time
	next    int
	filled  bool
	total   uint64
	now     func() time.Time
}

// NewPerformanceTracker builds a tracker holding capacity samples.
func NewPerformanceTracker(capacity int) *PerformanceTracker {
	if capacity <= 0 {
		capacity = defaultPerfCapacity
	}
	return &PerformanceTracker{
		samples: make([]time.Duration, capacity),
		stamps:  make([]time.Time, capacity),
		now:     time.Now,
	}
}

// Record adds one latency sample.
func (t *PerformanceTracker) Record(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	now := t.now()
	t.mu.Lock()
	t.samples[t.next] = latency
	t.stamps[t.next] = now
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
	t.total++
	t.mu.Unlock()
}

// Snapshot computes statistics over the current window.
func (t *PerformanceTracker) Snapshot() PerformanceSnapshot {
	t.mu.Lock()
	n := t.next
	oldest := 0
	if t.filled {
		n = len(t.samples)
		oldest = t.next
	}
	window := make([]time.Duration, n)
	copy(window, t.samples[:n])
	var first, last time.Time
	if n > 0 {
		first = t.stamps[oldest]
		last = t.stamps[(oldest+n-1)%len(t.stamps)]
	}
	total := t.total
	t.mu.Unlock()

	snap := PerformanceSnapshot{Total: total, Samples: n}
	if n == 0 {
		return snap
	}
	slices.Sort(window)
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	snap.Min = window[0]
	snap.Max = window[n-1]
	snap.Mean = sum / time.Duration(n)
	snap.P50 = percentile(window, 0.50)
	snap.P95 = percentile(window, 0.95)
	snap.P99 = percentile(window, 0.99)
	if span := last.Sub(first); span > 0 {
		snap.Throughput = float64(n-1) / span.Seconds()
	}
	return snap
}

// percentile uses nearest rank on a sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
