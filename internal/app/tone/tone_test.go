package tone

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = beep.SampleRate(8000)

type recordingOutput struct {
	mu        sync.Mutex
	streamers []beep.Streamer
	err       error
}

func (o *recordingOutput) SampleRate() beep.SampleRate { return testRate }

func (o *recordingOutput) Play(s beep.Streamer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.streamers = append(o.streamers, s)
	return nil
}

func drain(s beep.Streamer) [][2]float64 {
	var out [][2]float64
	buf := make([][2]float64, 256)
	for {
		n, ok := s.Stream(buf)
		out = append(out, buf[:n]...)
		if !ok {
			return out
		}
	}
}

func peak(samples [][2]float64) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(s[0]))
	}
	return p
}

func TestStream_Envelope(t *testing.T) {
	st, err := Stream(testRate, Tone{Frequency: 440, Duration: 200 * time.Millisecond, Volume: 0.5})
	require.NoError(t, err)

	samples := drain(st)
	require.Len(t, samples, testRate.N(200*time.Millisecond))

	assert.Zero(t, samples[0][0], "attack starts from silence")
	assert.InDelta(t, 0, samples[len(samples)-1][0], 1e-9, "release ends in silence")
	assert.InDelta(t, 0.5, peak(samples), 0.02)
	assert.LessOrEqual(t, peak(samples[:testRate.N(Attack)/2]), 0.26, "first half of attack stays under half volume")
	assert.LessOrEqual(t, peak(samples[len(samples)-testRate.N(Release)/4:]), 0.13)
}

func TestStream_Delay(t *testing.T) {
	st, err := Stream(testRate, Tone{Frequency: 440, Duration: 100 * time.Millisecond, Volume: 1, Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	samples := drain(st)
	lead := testRate.N(50 * time.Millisecond)
	require.Len(t, samples, lead+testRate.N(100*time.Millisecond))
	assert.Zero(t, peak(samples[:lead]))
	assert.Greater(t, peak(samples[lead:]), 0.9)
}

func TestStream_ShortToneScalesRamps(t *testing.T) {
	attack, release := ramps(30 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, attack)
	assert.Equal(t, 20*time.Millisecond, release)

	attack, release = ramps(time.Second)
	assert.Equal(t, Attack, attack)
	assert.Equal(t, Release, release)
}

func TestStream_VolumeClamped(t *testing.T) {
	st, err := Stream(testRate, Tone{Frequency: 440, Duration: 200 * time.Millisecond, Volume: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak(drain(st)), 1.0)
}

func TestSynthesizer_OverlappingTonesRelease(t *testing.T) {
	out := &recordingOutput{}
	s := New(out)

	for _, f := range []float64{440, 660, 880} {
		require.NoError(t, s.Play(Tone{Frequency: f, Duration: 50 * time.Millisecond, Volume: 0.8}))
	}
	assert.Equal(t, 3, s.Active())
	require.Len(t, out.streamers, 3)

	for _, st := range out.streamers {
		drain(st)
	}
	assert.Zero(t, s.Active(), "every drained tone releases its slot")
}

func TestSynthesizer_Errors(t *testing.T) {
	tests := []struct {
		name        string
		synth       *Synthesizer
		tone        Tone
		unavailable bool
	}{
		{
			name:        "no output",
			synth:       New(nil),
			tone:        Tone{Frequency: 440, Duration: time.Second},
			unavailable: true,
		},
		{
			name:        "output failure",
			synth:       New(&recordingOutput{err: errors.New("device busy")}),
			tone:        Tone{Frequency: 440, Duration: time.Second},
			unavailable: true,
		},
		{
			name:  "zero duration",
			synth: New(&recordingOutput{}),
			tone:  Tone{Frequency: 440},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.synth.Play(tt.tone)
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, ErrAudioUnavailable))
			assert.Zero(t, tt.synth.Active())
		})
	}
}
