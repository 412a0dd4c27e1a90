// Package tone provides envelope-shaped tone synthesis on top of beep streamers.
package tone

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/generators"
)

// ErrAudioUnavailable marks a tone that could not be produced.
var ErrAudioUnavailable = errors.New("audio output unavailable")

// Envelope ramps.
const (
	Attack  = 15 * time.Millisecond
	Release = 30 * time.Millisecond
)

// Tone describes one sound request.
type Tone struct {
	Frequency float64       // Hz
	Duration  time.Duration // Including attack and release
	Volume    float64       // 0.0 - 1.0
	Delay     time.Duration // Silence before the tone starts
}

// Output plays streamers. Each streamer is independent and is dropped by the
// output once drained.
type Output interface {
	SampleRate() beep.SampleRate
	Play(s beep.Streamer) error
}

// Synthesizer turns tones into streamers and hands them to an output.
// It holds no per-tone state once a streamer has drained.
type Synthesizer struct {
	out    Output
	active atomic.Int64
}

// New creates a synthesizer. A nil output makes every Play fail with ErrAudioUnavailable.
func New(out Output) *Synthesizer {
	return &Synthesizer{out: out}
}

// Play starts a tone and returns without waiting for it to finish.
// Overlapping calls each get their own streamer.
func (s *Synthesizer) Play(t Tone) error {
	if s.out == nil {
		return errors.Mark(errors.New("tone: no output configured"), ErrAudioUnavailable)
	}
	if t.Frequency <= 0 || t.Duration <= 0 {
		return errors.Newf("tone: invalid tone: frequency=%v duration=%v", t.Frequency, t.Duration)
	}

	st, err := Stream(s.out.SampleRate(), t)
	if err != nil {
		return errors.Mark(err, ErrAudioUnavailable)
	}

	s.active.Add(1)
	done := beep.Callback(func() {
		s.active.Add(-1)
	})
	if err := s.out.Play(beep.Seq(st, done)); err != nil {
		s.active.Add(-1)
		return errors.Mark(errors.Wrap(err, "tone: play"), ErrAudioUnavailable)
	}
	return nil
}

// Active returns the number of tones that have not finished playing.
func (s *Synthesizer) Active() int {
	return int(s.active.Load())
}

// Stream builds the streamer for one tone: leading silence, then a sine wave
// shaped by the attack/release envelope.
func Stream(sr beep.SampleRate, t Tone) (beep.Streamer, error) {
	sine, err := generators.SineTone(sr, t.Frequency)
	if err != nil {
		return nil, errors.Wrapf(err, "tone: sine generator: frequency=%v", t.Frequency)
	}

	attack, release := ramps(t.Duration)
	total := sr.N(t.Duration)
	env := &envelope{
		src:     beep.Take(total, sine),
		total:   total,
		attack:  sr.N(attack),
		release: sr.N(release),
		volume:  clamp(t.Volume),
	}
	if t.Delay <= 0 {
		return env, nil
	}
	return beep.Seq(beep.Silence(sr.N(t.Delay)), env), nil
}

// ramps returns the envelope ramps, shrunk proportionally for tones shorter than both.
func ramps(d time.Duration) (time.Duration, time.Duration) {
	if d >= Attack+Release {
		return Attack, Release
	}
	attack := d * Attack / (Attack + Release)
	return attack, d - attack
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// envelope applies a linear attack and release to a finite source.
type envelope struct {
	src     beep.Streamer
	total   int
	attack  int
	release int
	volume  float64
	pos     int
}

func (e *envelope) Stream(samples [][2]float64) (int, bool) {
	n, ok := e.src.Stream(samples)
	for i := 0; i < n; i++ {
		g := e.gain(e.pos + i)
		samples[i][0] *= g
		samples[i][1] *= g
	}
	e.pos += n
	return n, ok
}

func (e *envelope) Err() error {
	return e.src.Err()
}

func (e *envelope) gain(pos int) float64 {
	g := e.volume
	if e.attack > 0 && pos < e.attack {
		g *= float64(pos) / float64(e.attack)
	}
	if fromEnd := e.total - 1 - pos; e.release > 0 && fromEnd < e.release {
		g *= float64(fromEnd) / float64(e.release)
	}
	return g
}
