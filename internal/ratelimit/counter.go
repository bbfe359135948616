// Package ratelimit throttles repetitive log lines such as queue drops and
// sink failures while still counting every occurrence.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks a running total and when a log line was last allowed.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
}

// NewCounter allows one log per interval. A non-positive interval always
// allows.
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// Inc counts one occurrence and reports whether the caller may log now.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, now)
}

// Total returns the number of occurrences counted so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
