package sequencer

import (
	"time"

	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
)

// View is the read-only projection of the sequencer state handed to observers.
type View struct {
	SessionID     string
	DefinitionID  string
	Status        session.Status
	PhaseIndex    int
	PhaseCount    int
	Phase         phase.Phase
	ExerciseIndex int
	ExerciseCount int
	ExerciseID    string
	ExerciseName  string
	Elapsed       time.Duration
	Remaining     time.Duration
	Log           []session.LogEntry
	UpdatedAt     time.Time
}

// ResumePoint is the position a sequencer starts from when resuming a checkpoint.
type ResumePoint struct {
	PhaseIndex      int
	Elapsed         time.Duration
	ExerciseElapsed time.Duration
	Log             session.Log
	Seq             uint64
	StartedAt       time.Time
	Paused          bool
}
