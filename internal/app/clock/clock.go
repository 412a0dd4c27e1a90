// Package clock provides the drift-corrected session clock.
//
// Elapsed time is always derived from wall-clock deltas against the last resume
// reference; tick intervals are never summed, so late or dropped ticks cannot
// make the countdown drift from real time.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reading is the result of one tick.
type Reading struct {
	Elapsed   time.Duration
	Remaining time.Duration
	// Expired is true on the first reading at which remaining reached zero,
	// and false on every reading after that until the next Start or Reset.
	Expired bool
}

// Clock is a countdown over one phase duration.
type Clock struct {
	mu sync.Mutex

	source clockwork.Clock

	duration    time.Duration
	accumulated time.Duration // Elapsed before the last pause
	resumedAt   time.Time     // Zero while paused or stopped
	running     bool
	expired     bool
}

// New creates a stopped clock driven by source. A nil source uses the real clock.
func New(source clockwork.Clock) *Clock {
	if source == nil {
		source = clockwork.NewRealClock()
	}
	return &Clock{source: source}
}

// Start begins counting down d from zero elapsed.
func (c *Clock) Start(d time.Duration) {
	c.StartAt(d, 0)
}

// StartAt begins counting down d with elapsed already consumed.
// Used when resuming a persisted phase.
func (c *Clock) StartAt(d, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elapsed < 0 {
		elapsed = 0
	}
	c.duration = d
	c.accumulated = elapsed
	c.resumedAt = c.now()
	c.running = true
	c.expired = false
}

// Pause freezes elapsed time. Pausing a paused clock is a no-op.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.accumulated = c.elapsedLocked()
	c.resumedAt = time.Time{}
	c.running = false
}

// Resume continues counting from the frozen elapsed time.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.resumedAt = c.now()
	c.running = true
}

// Reset rewinds elapsed time to zero, keeping the duration and running state.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accumulated = 0
	c.expired = false
	if c.running {
		c.resumedAt = c.now()
	}
}

// Tick reads the clock. Elapsed is clamped to the duration so a late tick never
// reports negative remaining time.
func (c *Clock) Tick() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.elapsedLocked()
	r := Reading{Elapsed: elapsed, Remaining: c.duration - elapsed}
	if r.Remaining <= 0 {
		r.Remaining = 0
		r.Elapsed = c.duration
		if !c.expired {
			c.expired = true
			r.Expired = true
		}
	}
	return r
}

// Elapsed returns the current elapsed time, clamped to the duration.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.elapsedLocked()
	if e > c.duration {
		return c.duration
	}
	return e
}

func (c *Clock) elapsedLocked() time.Duration {
	if !c.running {
		return c.accumulated
	}
	delta := c.now().Sub(c.resumedAt)
	// Wall clock stepped backwards
	if delta < 0 {
		delta = 0
	}
	return c.accumulated + delta
}

func (c *Clock) now() time.Time {
	return toWallTime(c.source.Now())
}

// toWallTime returns the time with the monotonic reading stripped, so time spent
// in system suspend is counted as elapsed.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
