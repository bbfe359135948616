package session

import (
	"testing"
	"time"
)

func TestLatencyTrackerSnapshot(t *testing.T) {
	tracker := newLatencyTracker(8)
	for _, ms := range []int{5, 1, 3, 2, 4} {
		tracker.Observe(time.Duration(ms) * time.Millisecond)
	}
	snap := tracker.Snapshot()
	if snap.N != 5 || snap.P50 != 3*time.Millisecond || snap.P99 != 5*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLatencyPercentilesNeverInvert(t *testing.T) {
	tracker := newLatencyTracker(8)
	tracker.Observe(300 * time.Microsecond)
	tracker.Observe(40 * time.Microsecond)
	snap := tracker.Snapshot()
	if snap.P50 != 40*time.Microsecond || snap.P99 != 300*time.Microsecond {
		t.Fatalf("unexpected two-sample snapshot %+v", snap)
	}
	one := newLatencyTracker(4)
	one.Observe(7 * time.Millisecond)
	if s := one.Snapshot(); s.P50 != 7*time.Millisecond || s.P99 != 7*time.Millisecond {
		t.Fatalf("unexpected single-sample snapshot %+v", s)
	}
}

func TestLatencyTrackerWrapsAndClamps(t *testing.T) {
	tracker := newLatencyTracker(2)
	tracker.Observe(-time.Second)
	tracker.Observe(10 * time.Millisecond)
	tracker.Observe(20 * time.Millisecond)
	snap := tracker.Snapshot()
	if snap.N != 2 || snap.P50 != 10*time.Millisecond || snap.P99 != 20*time.Millisecond {
		t.Fatalf("expected the oldest sample to be overwritten, got %+v", snap)
	}
	if empty := newLatencyTracker(0).Snapshot(); empty.N != 0 {
		t.Fatalf("expected empty snapshot, got %+v", empty)
	}
}
