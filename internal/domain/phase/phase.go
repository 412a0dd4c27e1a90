// Package phase provides the phase plan expanded from exercise steps.
package phase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/physiocue/internal/domain/exercise"
)

// ErrConfiguration marks a plan that must never run: empty or built from invalid steps.
var ErrConfiguration = errors.New("invalid session configuration")

// Type represents the kind of a phase.
type Type int

const (
	TypeLeadIn       Type = iota // Countdown before an active exercise
	TypeActive                   // Exercise or single rep in progress
	TypeRepPause                 // Pause between reps
	TypeSetRest                  // Rest between sets
	TypeExerciseRest             // Rest before the next exercise
	TypeComplete                 // Terminal marker
)

// String returns the string representation of the phase type.
func (t Type) String() string {
	switch t {
	case TypeLeadIn:
		return "lead-in"
	case TypeActive:
		return "active"
	case TypeRepPause:
		return "rep-pause"
	case TypeSetRest:
		return "set-rest"
	case TypeExerciseRest:
		return "exercise-rest"
	case TypeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// IsRest reports whether the phase is a set or exercise rest.
func (t Type) IsRest() bool {
	return t == TypeSetRest || t == TypeExerciseRest
}

// IsWork reports whether time spent in the phase counts toward an exercise's duration.
func (t Type) IsWork() bool {
	return t == TypeActive || t == TypeRepPause || t == TypeSetRest
}

// Phase is one atomic timed segment of a session.
type Phase struct {
	Type          Type
	ExerciseIndex int
	SetIndex      int    // Zero-based; zero for phases outside a set
	RepIndex      int    // Zero-based; zero for phases outside a rep
	Side          string // exercise.SideLeft, exercise.SideRight or empty
	Duration      time.Duration
}

// ExerciseInfo describes where an exercise's phases sit in a plan.
type ExerciseInfo struct {
	ID            string
	Name          string
	FirstPhase    int // Lead-in when present, else the first active phase
	LastWorkPhase int // Phase whose conclusion logs the exercise
}

// Plan is the full ordered list of phases for one session.
// A Plan is immutable once built; accessors return copies.
type Plan struct {
	phases      []Phase
	exercises   []ExerciseInfo
	fingerprint string
}

// Build expands steps into a plan. Zero-length rests and lead-ins are omitted;
// the plan always ends with a single complete phase.
func Build(steps []exercise.Step, leadIn time.Duration) (Plan, error) {
	if len(steps) == 0 {
		return Plan{}, errors.Mark(errors.New("session has no exercises"), ErrConfiguration)
	}

	var b builder
	for i, st := range steps {
		if err := st.Validate(); err != nil {
			return Plan{}, errors.Mark(err, ErrConfiguration)
		}
		b.exercise(i, st, leadIn, i == len(steps)-1)
	}
	b.add(Phase{Type: TypeComplete, ExerciseIndex: len(steps) - 1})

	p := Plan{phases: b.phases, exercises: b.infos}
	p.fingerprint = p.computeFingerprint()
	return p, nil
}

type builder struct {
	phases []Phase
	infos  []ExerciseInfo
}

func (b *builder) add(p Phase) int {
	b.phases = append(b.phases, p)
	return len(b.phases) - 1
}

func (b *builder) exercise(idx int, st exercise.Step, leadIn time.Duration, last bool) {
	info := ExerciseInfo{ID: st.ExerciseID, Name: st.Name, FirstPhase: len(b.phases)}

	if leadIn > 0 {
		b.add(Phase{Type: TypeLeadIn, ExerciseIndex: idx, Duration: leadIn})
	}

	switch st.Kind {
	case exercise.KindDuration:
		info.LastWorkPhase = b.add(Phase{Type: TypeActive, ExerciseIndex: idx, Duration: st.Duration})
	case exercise.KindReps:
		totalSets := st.Sets * st.SideCount()
		for set := 0; set < totalSets; set++ {
			setSide := ""
			if st.SideMode == exercise.SidePerSide {
				setSide = exercise.SideLeft
				if set >= st.Sets {
					setSide = exercise.SideRight
				}
			}
			for rep := 0; rep < st.Reps; rep++ {
				side := setSide
				if st.SideMode == exercise.SideAlternating {
					side = exercise.SideLeft
					if rep%2 == 1 {
						side = exercise.SideRight
					}
				}
				info.LastWorkPhase = b.add(Phase{
					Type:          TypeActive,
					ExerciseIndex: idx,
					SetIndex:      set,
					RepIndex:      rep,
					Side:          side,
					Duration:      st.RepDuration,
				})
				if rep < st.Reps-1 && st.PauseBetweenReps > 0 {
					b.add(Phase{
						Type:          TypeRepPause,
						ExerciseIndex: idx,
						SetIndex:      set,
						RepIndex:      rep,
						Side:          side,
						Duration:      st.PauseBetweenReps,
					})
				}
			}
			if set < totalSets-1 && st.RestBetweenSets > 0 {
				b.add(Phase{Type: TypeSetRest, ExerciseIndex: idx, SetIndex: set, Duration: st.RestBetweenSets})
			}
		}
	}

	if !last && st.RestAfter > 0 {
		b.add(Phase{Type: TypeExerciseRest, ExerciseIndex: idx, Duration: st.RestAfter})
	}
	b.infos = append(b.infos, info)
}

// Len returns the number of phases including the complete marker.
func (p Plan) Len() int {
	return len(p.phases)
}

// IsEmpty reports whether the plan has no phases at all.
func (p Plan) IsEmpty() bool {
	return len(p.phases) == 0
}

// At returns the phase at index i.
func (p Plan) At(i int) Phase {
	return p.phases[i]
}

// ExerciseCount returns the number of exercises in the plan.
func (p Plan) ExerciseCount() int {
	return len(p.exercises)
}

// Exercise returns the layout of exercise i.
func (p Plan) Exercise(i int) ExerciseInfo {
	return p.exercises[i]
}

// IsLastWorkPhase reports whether concluding phase i concludes its exercise.
func (p Plan) IsLastWorkPhase(i int) bool {
	ph := p.phases[i]
	if ph.Type == TypeComplete {
		return false
	}
	return p.exercises[ph.ExerciseIndex].LastWorkPhase == i
}

// CompleteIndex returns the index of the terminal complete phase.
func (p Plan) CompleteIndex() int {
	return len(p.phases) - 1
}

// TotalDuration returns the sum of all phase durations.
func (p Plan) TotalDuration() time.Duration {
	var total time.Duration
	for _, ph := range p.phases {
		total += ph.Duration
	}
	return total
}

// Fingerprint identifies the plan's shape and timings.
// A checkpoint whose fingerprint differs from the current plan cannot be resumed.
func (p Plan) Fingerprint() string {
	return p.fingerprint
}

func (p Plan) computeFingerprint() string {
	h := sha256.New()
	for _, ex := range p.exercises {
		fmt.Fprintf(h, "e:%s|", ex.ID)
	}
	for _, ph := range p.phases {
		fmt.Fprintf(h, "%d:%d:%d:%d:%s:%d|", ph.Type, ph.ExerciseIndex, ph.SetIndex, ph.RepIndex, ph.Side, ph.Duration)
	}
	return hex.EncodeToString(h.Sum(nil))
}
