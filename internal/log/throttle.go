package log

import (
	"sync"
	"time"
)

// DefaultThrottleInterval is the minimum gap between repeated fault logs.
const DefaultThrottleInterval = 5 * time.Second

// Throttle counts repeated faults and decides when one is worth logging,
// so a dead sensor does not flood the log at its polling rate.
type Throttle struct {
	interval time.Duration

	mu      sync.Mutex
	count   uint64
	lastLog time.Time
	now     func() time.Time
}

// NewThrottle creates a throttle allowing one log per interval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{interval: interval, now: time.Now}
}

// Hit records one fault and reports whether it should be logged,
// together with the running fault count.
func (t *Throttle) Hit() (bool, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	now := t.now()
	if t.lastLog.IsZero() || now.Sub(t.lastLog) >= t.interval {
		t.lastLog = now
		return true, t.count
	}
	return false, t.count
}

// Count returns the total number of faults recorded.
func (t *Throttle) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
