package ratelimit

import (
	"testing"
	"time"
)

func TestCounterAllowsFirstThenThrottles(t *testing.T) {
	c := NewCounter(time.Hour)
	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("expected first increment to log, got total=%d ok=%v", total, ok)
	}
	if total, ok := c.Inc(); ok || total != 2 {
		t.Fatalf("expected second increment to be throttled, got total=%d ok=%v", total, ok)
	}
	if c.Total() != 2 {
		t.Fatalf("expected total 2, got %d", c.Total())
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 3; i++ {
		if _, ok := c.Inc(); !ok {
			t.Fatalf("expected increment %d to log", i)
		}
	}
}
