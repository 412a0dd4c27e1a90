// Package settings provides the read-only settings snapshot consumed at session start.
package settings

import "time"

// Settings is a snapshot of the user-configurable playback settings.
// It is taken once when a session starts; later changes are pushed explicitly.
type Settings struct {
	LeadInEnabled         bool
	LeadIn                time.Duration
	ContinuousTickEnabled bool
	PerSetToneEnabled     bool
	RepTickEnabled        bool
	WarningEnabled        bool
	WarningLead           time.Duration // Warning is cued this long before a rest ends
	MasterVolume          float64       // 0.0 - 1.0
	Rests                 RestDurations
	Tones                 map[string]any // Cue table overrides, decoded by the cue package
}

// RestDurations holds the rest defaults applied when an exercise does not declare its own.
type RestDurations struct {
	BetweenExercises time.Duration
	BetweenSets      time.Duration
	BetweenReps      time.Duration
}

// Default returns the settings used when no provider is configured.
func Default() Settings {
	return Settings{
		LeadInEnabled:         true,
		LeadIn:                3 * time.Second,
		ContinuousTickEnabled: false,
		PerSetToneEnabled:     true,
		RepTickEnabled:        true,
		WarningEnabled:        true,
		WarningLead:           3 * time.Second,
		MasterVolume:          0.8,
		Rests: RestDurations{
			BetweenExercises: 15 * time.Second,
			BetweenSets:      30 * time.Second,
			BetweenReps:      0,
		},
	}
}

// EffectiveLeadIn returns the lead-in duration, or zero when lead-in is disabled.
func (s Settings) EffectiveLeadIn() time.Duration {
	if !s.LeadInEnabled || s.LeadIn < 0 {
		return 0
	}
	return s.LeadIn
}
