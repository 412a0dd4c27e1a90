package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestClock_Tick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.Start(5 * time.Second)

	fc.Advance(2 * time.Second)
	r := c.Tick()
	assert.Equal(t, 2*time.Second, r.Elapsed)
	assert.Equal(t, 3*time.Second, r.Remaining)
	assert.False(t, r.Expired)

	fc.Advance(3 * time.Second)
	r = c.Tick()
	assert.Zero(t, r.Remaining)
	assert.True(t, r.Expired)
}

func TestClock_LateTickClampsAndExpiresOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.Start(5 * time.Second)

	// A single tick arriving long after the deadline
	fc.Advance(47 * time.Second)
	r := c.Tick()
	assert.Equal(t, time.Duration(0), r.Remaining)
	assert.Equal(t, 5*time.Second, r.Elapsed)
	assert.True(t, r.Expired)

	for i := 0; i < 3; i++ {
		fc.Advance(time.Second)
		r = c.Tick()
		assert.Zero(t, r.Remaining)
		assert.False(t, r.Expired, "expiry must be signalled exactly once")
	}
}

func TestClock_NoAccumulationDrift(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.Start(10 * time.Second)

	// Irregular tick spacing must not change the result
	for _, d := range []time.Duration{250, 900, 30, 1200, 620} {
		fc.Advance(d * time.Millisecond)
		c.Tick()
	}
	assert.Equal(t, 3*time.Second, c.Elapsed())
}

func TestClock_PauseResume(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.Start(10 * time.Second)

	fc.Advance(4 * time.Second)
	c.Pause()

	fc.Advance(time.Hour)
	r := c.Tick()
	assert.Equal(t, 6*time.Second, r.Remaining)

	c.Pause()
	c.Resume()
	c.Resume()
	fc.Advance(time.Second)
	assert.Equal(t, 5*time.Second, c.Elapsed())
}

func TestClock_Reset(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.Start(2 * time.Second)

	fc.Advance(3 * time.Second)
	assert.True(t, c.Tick().Expired)

	c.Reset()
	r := c.Tick()
	assert.Equal(t, 2*time.Second, r.Remaining)
	assert.False(t, r.Expired)

	fc.Advance(2 * time.Second)
	assert.True(t, c.Tick().Expired, "reset re-arms expiry")
}

func TestClock_StartAt(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)
	c.StartAt(30*time.Second, 12*time.Second)

	r := c.Tick()
	assert.Equal(t, 12*time.Second, r.Elapsed)
	assert.Equal(t, 18*time.Second, r.Remaining)

	c.StartAt(30*time.Second, -time.Second)
	assert.Zero(t, c.Elapsed())
}

func TestClock_ZeroDurationExpiresImmediately(t *testing.T) {
	c := New(clockwork.NewFakeClock())
	c.Start(0)
	r := c.Tick()
	assert.True(t, r.Expired)
	assert.Zero(t, r.Remaining)
}

func TestClock_PauseInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pause then resume after any delay leaves remaining unchanged", prop.ForAll(
		func(durationMs, beforeMs, pausedMs int) bool {
			fc := clockwork.NewFakeClock()
			c := New(fc)
			c.Start(time.Duration(durationMs) * time.Millisecond)

			fc.Advance(time.Duration(beforeMs) * time.Millisecond)
			c.Pause()
			before := c.Tick().Remaining

			fc.Advance(time.Duration(pausedMs) * time.Millisecond)
			c.Resume()
			after := c.Tick().Remaining

			return before == after && after >= 0
		},
		gen.IntRange(1, 600000),
		gen.IntRange(0, 600000),
		gen.IntRange(0, 86400000),
	))

	properties.TestingRun(t)
}
