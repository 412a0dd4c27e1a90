// Package cue maps named cue events to tones and plays them off the caller's path.
package cue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/physiocue/internal/app/tone"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/settings"
)

// DefaultQueueSize is the number of cues that may wait for the worker.
const DefaultQueueSize = 32

// Player produces a single tone.
type Player interface {
	Play(t tone.Tone) error
}

// Context describes where in the session a cue was raised.
type Context struct {
	PhaseIndex    int
	ExerciseIndex int
	Side          string
	At            time.Time // Reference for tone offsets; zero means dispatch time
}

type request struct {
	name  string
	ctx   Context
	tones []tone.Tone
}

type state struct {
	settings settings.Settings
	table    Table
}

// Dispatcher resolves cues against the current settings and hands the tones to
// a player on its own goroutine. Dispatch never blocks.
type Dispatcher struct {
	player Player
	clock  clockwork.Clock

	state     atomic.Pointer[state]
	available atomic.Bool

	queue     chan request
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to honour tone offsets.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithQueueSize sets the pending cue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan request, n)
		}
	}
}

// New creates a dispatcher from a settings snapshot and starts its worker.
// An invalid cue table is a configuration error.
func New(player Player, s settings.Settings, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		player: player,
		clock:  clockwork.NewRealClock(),
		queue:  make(chan request, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.UpdateSettings(s); err != nil {
		return nil, err
	}
	d.available.Store(true)

	d.wg.Add(1)
	go d.loop()
	return d, nil
}

// UpdateSettings swaps the settings snapshot. Cues already queued keep the
// tones they were resolved with.
func (d *Dispatcher) UpdateSettings(s settings.Settings) error {
	table, err := ParseTable(s.Tones)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "cue table"), phase.ErrConfiguration)
	}
	d.state.Store(&state{settings: s, table: table})
	return nil
}

// Enabled reports whether a cue would produce sound under the current settings.
func (d *Dispatcher) Enabled(name string) bool {
	st := d.state.Load()
	return st.table.enabled(name, st.settings)
}

// Dispatch queues a cue. Disabled cues are ignored; when the queue is full the
// cue is dropped. Returns whether the cue was queued.
func (d *Dispatcher) Dispatch(name string, ctx Context) bool {
	st := d.state.Load()
	if !st.table.enabled(name, st.settings) {
		return false
	}
	if ctx.At.IsZero() {
		ctx.At = d.clock.Now()
	}
	req := request{name: name, ctx: ctx, tones: st.table.tones(name, st.settings.MasterVolume)}

	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- req:
		return true
	default:
		zlog.Warn().Msgf("cue: queue full, dropping cue: name=%s phase=%d", name, ctx.PhaseIndex)
		return false
	}
}

// Available reports whether the last tone reached the audio output.
func (d *Dispatcher) Available() bool {
	return d.available.Load()
}

// Close plays the cues still queued, then stops the worker.
// Tones already handed to the player keep playing.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			d.drain()
			return
		case req := <-d.queue:
			d.play(req)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case req := <-d.queue:
			d.play(req)
		default:
			return
		}
	}
}

// play issues every tone of a cue at once, each delayed by its offset from the
// cue's reference time minus the time the cue spent queued.
func (d *Dispatcher) play(req request) {
	lag := d.clock.Since(req.ctx.At)
	if lag < 0 {
		lag = 0
	}

	for _, t := range req.tones {
		t.Delay -= lag
		if t.Delay < 0 {
			t.Delay = 0
		}
		if err := d.player.Play(t); err != nil {
			d.fail(req, err)
			return
		}
	}

	if !d.available.Swap(true) {
		zlog.Info().Msgf("cue: audio output available again: name=%s", req.name)
	}
}

func (d *Dispatcher) fail(req request, err error) {
	if errors.Is(err, tone.ErrAudioUnavailable) {
		if d.available.Swap(false) {
			zlog.Warn().Err(err).Msgf("cue: audio unavailable, continuing silently: name=%s", req.name)
		}
		return
	}
	zlog.Error().Err(err).Msgf("cue: failed to play cue: name=%s phase=%d", req.name, req.ctx.PhaseIndex)
}
