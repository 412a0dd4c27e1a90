package checkpoint

import (
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/physiocue/internal/app/sequencer"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
)

// Reconcile turns a persisted snapshot into a resume point for plan.
//
// While the snapshot was running, the wall-clock time since it was taken counts
// as elapsed. When that puts the phase at or past its end, the phase is treated
// as concluded and the session resumes at the start of the following phase.
func Reconcile(snap session.Snapshot, plan phase.Plan, now time.Time) (sequencer.ResumePoint, error) {
	if snap.PlanFingerprint != plan.Fingerprint() {
		return sequencer.ResumePoint{}, errors.Wrapf(ErrStaleResumeState,
			"session %s: plan changed since checkpoint", snap.SessionID)
	}
	if snap.Status.IsTerminal() {
		return sequencer.ResumePoint{}, errors.Wrapf(ErrStaleResumeState,
			"session %s: already %s", snap.SessionID, snap.Status)
	}
	if snap.PhaseIndex < 0 || snap.PhaseIndex >= plan.Len() {
		return sequencer.ResumePoint{}, errors.Wrapf(ErrStaleResumeState,
			"session %s: phase %d out of range", snap.SessionID, snap.PhaseIndex)
	}

	elapsed := snap.Accumulated
	if snap.Status == session.StatusRunning {
		if gap := now.Sub(snap.TakenAt); gap > 0 {
			elapsed += gap
		}
	}

	rp := sequencer.ResumePoint{
		PhaseIndex:      snap.PhaseIndex,
		Elapsed:         elapsed,
		ExerciseElapsed: snap.ExerciseAccumulated,
		Log:             snap.Log.Clone(),
		Seq:             snap.Seq,
		StartedAt:       snap.StartedAt,
		Paused:          snap.Status == session.StatusPaused,
	}

	ph := plan.At(rp.PhaseIndex)
	if ph.Type == phase.TypeComplete || elapsed < ph.Duration {
		return rp, nil
	}

	if ph.Type.IsWork() {
		rp.ExerciseElapsed += ph.Duration
	}
	if plan.IsLastWorkPhase(rp.PhaseIndex) {
		rp.Log.Record(session.LogEntry{
			ExerciseIndex:  ph.ExerciseIndex,
			ExerciseID:     plan.Exercise(ph.ExerciseIndex).ID,
			ActualDuration: rp.ExerciseElapsed,
			Outcome:        session.OutcomeCompleted,
		})
	}

	rp.PhaseIndex++
	rp.Elapsed = 0
	next := plan.At(rp.PhaseIndex)
	if next.Type != phase.TypeComplete && plan.Exercise(next.ExerciseIndex).FirstPhase == rp.PhaseIndex {
		rp.ExerciseElapsed = 0
	}

	zlog.Info().Msgf("checkpoint: expired phase advanced on resume: session=%s from=%d to=%d elapsed=%v",
		snap.SessionID, snap.PhaseIndex, rp.PhaseIndex, elapsed)
	return rp, nil
}
