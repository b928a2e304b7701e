package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerformanceTrackerSnapshot(t *testing.T) {
	tracker := NewPerformanceTracker(100)
	base := time.Unix(0, 0)
	tick := 0
	tracker.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Millisecond)
	}

	for i := 1; i <= 100; i++ {
		tracker.Record(time.Duration(i) * time.Millisecond)
	}
	snap := tracker.Snapshot()
	require.Equal(t, uint64(100), snap.Total)
	require.Equal(t, 100, snap.Samples)
	require.Equal(t, time.Millisecond, snap.Min)
	require.Equal(t, 100*time.Millisecond, snap.Max)
	require.Equal(t, 50500*time.Microsecond, snap.Mean)
	require.Equal(t, 50*time.Millisecond, snap.P50)
	require.Equal(t, 95*time.Millisecond, snap.P95)
	require.Equal(t, 99*time.Millisecond, snap.P99)
	require.InDelta(t, 100.0, snap.Throughput, 0.001)
}

func TestPerformanceTrackerWindowWraps(t *testing.T) {
	tracker := NewPerformanceTracker(4)
	for i := 1; i <= 10; i++ {
		tracker.Record(time.Duration(i) * time.Millisecond)
	}
	snap := tracker.Snapshot()
	require.Equal(t, uint64(10), snap.Total)
	require.Equal(t, 4, snap.Samples)
	require.Equal(t, 7*time.Millisecond, snap.Min)
	require.Equal(t, 10*time.Millisecond, snap.Max)
}

func TestPerformanceTrackerEmptyAndNegative(t *testing.T) {
	tracker := NewPerformanceTracker(0)
	require.Equal(t, PerformanceSnapshot{}, tracker.Snapshot())

	tracker.Record(-time.Second)
	snap := tracker.Snapshot()
	require.Equal(t, 1, snap.Samples)
	require.Zero(t, snap.Max)
	require.Zero(t, snap.Throughput)
}

func TestPerformanceTrackerConcurrentRecord(t *testing.T) {
	tracker := NewPerformanceTracker(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tracker.Record(time.Microsecond)
				_ = tracker.Snapshot()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(800), tracker.Snapshot().Total)
}
