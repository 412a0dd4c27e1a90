package cue

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/osa030/physiocue/internal/app/tone"
	"github.com/osa030/physiocue/internal/domain/settings"
)

// Cue names.
const (
	Countdown3      = "countdown-3"
	Countdown2      = "countdown-2"
	Countdown1      = "countdown-1"
	ExerciseStart   = "exercise-start"
	ExerciseEnd     = "exercise-end"
	RepTick         = "rep-tick"
	RestStart       = "rest-start"
	RestTone        = "rest-tone"
	Warning         = "warning"
	Tick            = "tick"
	SessionComplete = "session-complete"
)

// Countdown returns the countdown cue for the given number of seconds before expiry.
func Countdown(secondsLeft int) (string, bool) {
	switch secondsLeft {
	case 3:
		return Countdown3, true
	case 2:
		return Countdown2, true
	case 1:
		return Countdown1, true
	default:
		return "", false
	}
}

// ToneSpec is one tone of a cue, offset from the cue's dispatch time.
type ToneSpec struct {
	FrequencyHz float64 `yaml:"frequency_hz" mapstructure:"frequency_hz" validate:"gt=0,lt=20000"`
	DurationMs  int     `yaml:"duration_ms" mapstructure:"duration_ms" default:"150" validate:"gt=0,lte=5000"`
	Volume      float64 `yaml:"volume" mapstructure:"volume" default:"1" validate:"gte=0,lte=1"`
	OffsetMs    int     `yaml:"offset_ms" mapstructure:"offset_ms" validate:"gte=0,lte=10000"`
}

// Spec configures one cue.
type Spec struct {
	Enabled *bool      `yaml:"enabled" mapstructure:"enabled"`
	Tones   []ToneSpec `yaml:"tones" mapstructure:"tones" validate:"dive"`
}

// Table maps cue names to their tones.
type Table map[string]Spec

// DefaultTable returns the built-in cue table.
// Countdown pitches rise; the final step is louder and longer to mark "go".
func DefaultTable() Table {
	return Table{
		Countdown3:    {Tones: []ToneSpec{{FrequencyHz: 440, DurationMs: 120, Volume: 0.7}}},
		Countdown2:    {Tones: []ToneSpec{{FrequencyHz: 554, DurationMs: 120, Volume: 0.7}}},
		Countdown1:    {Tones: []ToneSpec{{FrequencyHz: 659, DurationMs: 220, Volume: 0.9}}},
		ExerciseStart: {Tones: []ToneSpec{{FrequencyHz: 880, DurationMs: 300, Volume: 1}}},
		ExerciseEnd: {Tones: []ToneSpec{
			{FrequencyHz: 660, DurationMs: 150, Volume: 0.9},
			{FrequencyHz: 440, DurationMs: 220, Volume: 0.9, OffsetMs: 180},
		}},
		RepTick:   {Tones: []ToneSpec{{FrequencyHz: 1000, DurationMs: 50, Volume: 0.5}}},
		Tick:      {Tones: []ToneSpec{{FrequencyHz: 1200, DurationMs: 40, Volume: 0.4}}},
		RestStart: {Tones: []ToneSpec{{FrequencyHz: 523, DurationMs: 400, Volume: 0.8}}},
		RestTone:  {Tones: []ToneSpec{{FrequencyHz: 523, DurationMs: 250, Volume: 0.7}}},
		Warning: {Tones: []ToneSpec{
			{FrequencyHz: 988, DurationMs: 80, Volume: 0.8},
			{FrequencyHz: 988, DurationMs: 80, Volume: 0.8, OffsetMs: 150},
		}},
		SessionComplete: {Tones: []ToneSpec{
			{FrequencyHz: 523, DurationMs: 180, Volume: 0.9},
			{FrequencyHz: 659, DurationMs: 180, Volume: 0.9, OffsetMs: 200},
			{FrequencyHz: 784, DurationMs: 400, Volume: 1, OffsetMs: 400},
		}},
	}
}

// ParseTable overlays free-form overrides onto the default table.
// Each override key is a cue name; its value may set enabled and/or replace the tones.
func ParseTable(overrides map[string]any) (Table, error) {
	table := DefaultTable()
	validate := validator.New()

	for name, raw := range overrides {
		var spec Spec
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &spec,
			TagName: "mapstructure",
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create decoder")
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, errors.Wrapf(err, "cue %q: failed to decode settings", name)
		}

		for i := range spec.Tones {
			if err := defaults.Set(&spec.Tones[i]); err != nil {
				return nil, errors.Wrapf(err, "cue %q: failed to set defaults", name)
			}
		}
		if err := validate.Struct(spec); err != nil {
			return nil, errors.Wrapf(err, "cue %q: validation failed", name)
		}

		merged := table[name]
		if spec.Enabled != nil {
			merged.Enabled = spec.Enabled
		}
		if spec.Tones != nil {
			merged.Tones = spec.Tones
		}
		table[name] = merged
	}
	return table, nil
}

// enabled reports whether the table and the settings toggles allow the cue.
func (t Table) enabled(name string, s settings.Settings) bool {
	spec, ok := t[name]
	if !ok || len(spec.Tones) == 0 {
		return false
	}
	if spec.Enabled != nil && !*spec.Enabled {
		return false
	}
	if s.MasterVolume <= 0 {
		return false
	}

	switch name {
	case Tick:
		return s.ContinuousTickEnabled
	case RestTone:
		return s.PerSetToneEnabled
	case RepTick:
		return s.RepTickEnabled
	case Warning:
		return s.WarningEnabled
	case Countdown3, Countdown2, Countdown1:
		return s.LeadInEnabled
	default:
		return true
	}
}

// tones resolves a cue into tone requests scaled by the master volume.
func (t Table) tones(name string, master float64) []tone.Tone {
	spec := t[name]
	out := make([]tone.Tone, 0, len(spec.Tones))
	for _, ts := range spec.Tones {
		out = append(out, tone.Tone{
			Frequency: ts.FrequencyHz,
			Duration:  time.Duration(ts.DurationMs) * time.Millisecond,
			Volume:    ts.Volume * master,
			Delay:     time.Duration(ts.OffsetMs) * time.Millisecond,
		})
	}
	return out
}
