// Package exercise provides exercise definitions and the immutable plan steps built from them.
package exercise

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"

	"github.com/osa030/physiocue/internal/domain/settings"
)

// ErrInvalidDefinition is returned when a definition cannot produce a plan step.
var ErrInvalidDefinition = errors.New("invalid exercise definition")

// Kind represents how an exercise is timed.
type Kind string

const (
	KindDuration Kind = "duration" // Single timed hold
	KindReps     Kind = "reps"     // Repetitions grouped into sets
)

// SideMode represents how an exercise treats body sides.
type SideMode string

const (
	SideNone        SideMode = "none"        // No side labelling
	SideAlternating SideMode = "alternating" // Reps alternate left/right within a set
	SidePerSide     SideMode = "per_side"    // All sets on the left, then all sets on the right
)

// Side labels used on phases.
const (
	SideLeft  = "left"
	SideRight = "right"
)

// Exercise is one entry of a session template with its timing defaults.
// Optional pointer fields fall back to the settings rest defaults.
type Exercise struct {
	ID                      string   `yaml:"id" validate:"required"`
	Name                    string   `yaml:"name"`
	Kind                    Kind     `yaml:"kind" validate:"required,oneof=duration reps"`
	DurationSeconds         float64  `yaml:"duration_seconds" validate:"gte=0"`
	Reps                    int      `yaml:"reps" validate:"gte=0"`
	Sets                    int      `yaml:"sets" default:"1" validate:"gte=0"`
	RepDurationSeconds      float64  `yaml:"rep_duration_seconds" validate:"gte=0"`
	PauseBetweenRepsSeconds *float64 `yaml:"pause_between_reps_seconds" validate:"omitempty,gte=0"`
	RestBetweenSetsSeconds  *float64 `yaml:"rest_between_sets_seconds" validate:"omitempty,gte=0"`
	SideMode                SideMode `yaml:"side_mode" default:"none" validate:"omitempty,oneof=none alternating per_side"`
	RestAfterSeconds        *float64 `yaml:"rest_after_seconds" validate:"omitempty,gte=0"`
}

// Override replaces individual timing values of one exercise.
// Nil fields keep the template value.
type Override struct {
	DurationSeconds         *float64 `yaml:"duration_seconds" validate:"omitempty,gte=0"`
	Reps                    *int     `yaml:"reps" validate:"omitempty,gte=1"`
	Sets                    *int     `yaml:"sets" validate:"omitempty,gte=1"`
	RepDurationSeconds      *float64 `yaml:"rep_duration_seconds" validate:"omitempty,gte=0"`
	PauseBetweenRepsSeconds *float64 `yaml:"pause_between_reps_seconds" validate:"omitempty,gte=0"`
	RestBetweenSetsSeconds  *float64 `yaml:"rest_between_sets_seconds" validate:"omitempty,gte=0"`
	RestAfterSeconds        *float64 `yaml:"rest_after_seconds" validate:"omitempty,gte=0"`
}

// Definition is a session template as supplied by the catalog.
type Definition struct {
	ID        string              `yaml:"id" validate:"required"`
	Name      string              `yaml:"name"`
	Exercises []Exercise          `yaml:"exercises" validate:"dive"`
	Overrides map[string]Override `yaml:"overrides" validate:"dive"` // Keyed by exercise ID
}

// Step is one scheduling unit derived from an exercise definition.
// Steps are value types; a built slice is never mutated.
type Step struct {
	ExerciseID       string
	Name             string
	Kind             Kind
	Duration         time.Duration // KindDuration only
	Reps             int
	Sets             int
	RepDuration      time.Duration
	PauseBetweenReps time.Duration
	RestBetweenSets  time.Duration
	SideMode         SideMode
	RestAfter        time.Duration
}

// SideCount returns how many times each set is performed (2 for per-side exercises).
func (s Step) SideCount() int {
	if s.SideMode == SidePerSide {
		return 2
	}
	return 1
}

// WorkDuration returns the declared duration of the step excluding lead-in and rest after.
func (s Step) WorkDuration() time.Duration {
	if s.Kind == KindDuration {
		return s.Duration
	}
	sets := s.Sets * s.SideCount()
	perSet := time.Duration(s.Reps)*s.RepDuration + time.Duration(s.Reps-1)*s.PauseBetweenReps
	return time.Duration(sets)*perSet + time.Duration(sets-1)*s.RestBetweenSets
}

// Validate checks that the step can be expanded into phases.
func (s Step) Validate() error {
	switch s.Kind {
	case KindDuration:
		if s.Duration <= 0 {
			return errors.Wrapf(ErrInvalidDefinition, "exercise %q: duration must be positive", s.ExerciseID)
		}
	case KindReps:
		if s.Reps < 1 {
			return errors.Wrapf(ErrInvalidDefinition, "exercise %q: reps must be at least 1", s.ExerciseID)
		}
		if s.Sets < 1 {
			return errors.Wrapf(ErrInvalidDefinition, "exercise %q: sets must be at least 1", s.ExerciseID)
		}
		if s.RepDuration <= 0 {
			return errors.Wrapf(ErrInvalidDefinition, "exercise %q: rep duration must be positive", s.ExerciseID)
		}
	default:
		return errors.Wrapf(ErrInvalidDefinition, "exercise %q: unknown kind %q", s.ExerciseID, s.Kind)
	}
	if s.PauseBetweenReps < 0 || s.RestBetweenSets < 0 || s.RestAfter < 0 {
		return errors.Wrapf(ErrInvalidDefinition, "exercise %q: negative rest", s.ExerciseID)
	}
	return nil
}

// BuildSteps snapshots a definition into plan steps.
// Template overrides are applied first, then the overrides recorded at session start.
func BuildSteps(def Definition, startOverrides map[string]Override, s settings.Settings) ([]Step, error) {
	known := make(map[string]bool, len(def.Exercises))
	for _, ex := range def.Exercises {
		known[ex.ID] = true
	}
	for id := range startOverrides {
		if !known[id] {
			return nil, errors.Wrapf(ErrInvalidDefinition, "override for unknown exercise %q", id)
		}
	}

	steps := make([]Step, 0, len(def.Exercises))
	for _, ex := range def.Exercises {
		if o, ok := def.Overrides[ex.ID]; ok {
			ex = o.apply(ex)
		}
		if o, ok := startOverrides[ex.ID]; ok {
			ex = o.apply(ex)
		}

		if err := defaults.Set(&ex); err != nil {
			return nil, errors.Wrapf(err, "exercise %q: failed to apply defaults", ex.ID)
		}
		step := ex.toStep(s.Rests)
		if err := step.Validate(); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// TotalDuration computes the declared session duration from the steps alone.
func TotalDuration(steps []Step, leadIn time.Duration) time.Duration {
	var total time.Duration
	for i, st := range steps {
		total += leadIn + st.WorkDuration()
		if i < len(steps)-1 {
			total += st.RestAfter
		}
	}
	return total
}

func (ex Exercise) toStep(rests settings.RestDurations) Step {
	name := ex.Name
	if name == "" {
		name = ex.ID
	}
	step := Step{
		ExerciseID:       ex.ID,
		Name:             name,
		Kind:             ex.Kind,
		Reps:             ex.Reps,
		Sets:             ex.Sets,
		SideMode:         ex.SideMode,
		PauseBetweenReps: orDefault(ex.PauseBetweenRepsSeconds, rests.BetweenReps),
		RestBetweenSets:  orDefault(ex.RestBetweenSetsSeconds, rests.BetweenSets),
		RestAfter:        orDefault(ex.RestAfterSeconds, rests.BetweenExercises),
	}
	if ex.Kind == KindDuration {
		step.Duration = seconds(ex.DurationSeconds)
		step.Reps, step.Sets = 0, 0
		step.PauseBetweenReps, step.RestBetweenSets = 0, 0
	} else {
		step.RepDuration = seconds(ex.RepDurationSeconds)
	}
	return step
}

func (o Override) apply(ex Exercise) Exercise {
	if o.DurationSeconds != nil {
		ex.DurationSeconds = *o.DurationSeconds
	}
	if o.Reps != nil {
		ex.Reps = *o.Reps
	}
	if o.Sets != nil {
		ex.Sets = *o.Sets
	}
	if o.RepDurationSeconds != nil {
		ex.RepDurationSeconds = *o.RepDurationSeconds
	}
	if o.PauseBetweenRepsSeconds != nil {
		ex.PauseBetweenRepsSeconds = o.PauseBetweenRepsSeconds
	}
	if o.RestBetweenSetsSeconds != nil {
		ex.RestBetweenSetsSeconds = o.RestBetweenSetsSeconds
	}
	if o.RestAfterSeconds != nil {
		ex.RestAfterSeconds = o.RestAfterSeconds
	}
	return ex
}

func orDefault(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return seconds(*v)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
