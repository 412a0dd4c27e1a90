// Package audio provides the system audio output for tone playback.
package audio

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	zlog "github.com/rs/zerolog/log"
)

// ErrClosed is returned when playing through a closed speaker.
var ErrClosed = errors.New("speaker closed")

// Speaker plays streamers through beep's speaker, which mixes everything
// queued on it. Only one Speaker may be open per process.
type Speaker struct {
	sr beep.SampleRate

	mu     sync.Mutex
	closed bool
}

// OpenSpeaker initializes the system audio device.
func OpenSpeaker(sampleRate int, buffer time.Duration) (*Speaker, error) {
	sr := beep.SampleRate(sampleRate)
	if err := speaker.Init(sr, sr.N(buffer)); err != nil {
		return nil, errors.Wrapf(err, "failed to initialize speaker: rate=%d buffer=%v", sampleRate, buffer)
	}
	zlog.Info().Msgf("audio: speaker opened: rate=%d buffer=%v", sampleRate, buffer)
	return &Speaker{sr: sr}, nil
}

// SampleRate returns the device sample rate.
func (s *Speaker) SampleRate() beep.SampleRate {
	return s.sr
}

// Play queues a streamer on the device mixer and returns immediately.
func (s *Speaker) Play(st beep.Streamer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	speaker.Play(st)
	return nil
}

// Close stops playback and releases the device. Queued streamers are dropped.
func (s *Speaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	speaker.Clear()
	speaker.Close()
}
