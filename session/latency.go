package session

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

const latencySamples = 256

// LatencySnapshot summarizes recent command round trips.
type LatencySnapshot struct {
	P50 time.Duration
	P99 time.Duration
	N   uint64
}

// latencyTracker keeps the last latencySamples round trips in a ring. Slots
// never written hold -1.
type latencyTracker struct {
	samples []int64
	next    atomic.Uint64
}

func newLatencyTracker(size int) *latencyTracker {
	if size <= 0 {
		size = latencySamples
	}
	samples := make([]int64, size)
	for i := range samples {
		samples[i] = -1
	}
	return &latencyTracker{samples: samples}
}

func (t *latencyTracker) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	idx := t.next.Add(1) - 1
	atomic.StoreInt64(&t.samples[idx%uint64(len(t.samples))], d.Nanoseconds())
}

func (t *latencyTracker) Snapshot() LatencySnapshot {
	values := make([]int64, 0, len(t.samples))
	for i := range t.samples {
		if v := atomic.LoadInt64(&t.samples[i]); v >= 0 {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return LatencySnapshot{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return LatencySnapshot{
		P50: time.Duration(nearestRank(values, 0.50)),
		P99: time.Duration(nearestRank(values, 0.99)),
		N:   uint64(len(values)),
	}
}

// nearestRank picks the p-quantile of sorted, which must be non-empty.
func nearestRank(sorted []int64, p float64) int64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[min(idx, len(sorted)-1)]
}
