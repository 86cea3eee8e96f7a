package playback

import (
	"sync"
	"time"
)

// Clock reports the current position on the playback timeline, measured from
// an arbitrary epoch. Scheduled chunk start times are expressed on the same
// timeline.
type Clock interface {
	Now() time.Duration
}

// SystemClock is a monotonic wall clock whose epoch is the moment it was
// created.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a SystemClock starting at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

// Now returns the time elapsed since the clock was created.
func (c *SystemClock) Now() time.Duration { return time.Since(c.epoch) }

// ManualClock is a Clock that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
