package checkpoint

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
)

func testPlan(t *testing.T) phase.Plan {
	t.Helper()
	plan, err := phase.Build([]exercise.Step{
		{ExerciseID: "wall-sit", Kind: exercise.KindDuration, Duration: 30 * time.Second, RestAfter: 10 * time.Second},
		{
			ExerciseID:       "heel-slide",
			Kind:             exercise.KindReps,
			Reps:             3,
			Sets:             2,
			RepDuration:      2 * time.Second,
			PauseBetweenReps: time.Second,
			RestBetweenSets:  5 * time.Second,
		},
	}, 3*time.Second)
	require.NoError(t, err)
	return plan
}

func TestReconcile(t *testing.T) {
	plan := testPlan(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	setRest := 9 // 5s set rest of the heel slides
	require.Equal(t, phase.TypeSetRest, plan.At(setRest).Type)

	tests := []struct {
		name        string
		snap        session.Snapshot
		wantIndex   int
		wantElapsed time.Duration
	}{
		{
			name:        "10s into a 5s phase lands on the next phase",
			snap:        session.Snapshot{PhaseIndex: setRest, Status: session.StatusPaused, Accumulated: 10 * time.Second, TakenAt: now},
			wantIndex:   setRest + 1,
			wantElapsed: 0,
		},
		{
			name:        "running gap pushes past the end",
			snap:        session.Snapshot{PhaseIndex: setRest, Status: session.StatusRunning, Accumulated: 2 * time.Second, TakenAt: now.Add(-4 * time.Second)},
			wantIndex:   setRest + 1,
			wantElapsed: 0,
		},
		{
			name:        "running gap within the phase",
			snap:        session.Snapshot{PhaseIndex: setRest, Status: session.StatusRunning, Accumulated: time.Second, TakenAt: now.Add(-2 * time.Second)},
			wantIndex:   setRest,
			wantElapsed: 3 * time.Second,
		},
		{
			name:        "paused snapshot ignores the gap",
			snap:        session.Snapshot{PhaseIndex: setRest, Status: session.StatusPaused, Accumulated: time.Second, TakenAt: now.Add(-time.Hour)},
			wantIndex:   setRest,
			wantElapsed: time.Second,
		},
		{
			name:        "clock skew is not negative elapsed",
			snap:        session.Snapshot{PhaseIndex: setRest, Status: session.StatusRunning, Accumulated: time.Second, TakenAt: now.Add(time.Minute)},
			wantIndex:   setRest,
			wantElapsed: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.snap.PlanFingerprint = plan.Fingerprint()
			rp, err := Reconcile(tt.snap, plan, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, rp.PhaseIndex)
			assert.Equal(t, tt.wantElapsed, rp.Elapsed)
			assert.Equal(t, tt.snap.Status == session.StatusPaused, rp.Paused)
		})
	}
}

func TestReconcile_ConcludesExercise(t *testing.T) {
	plan := testPlan(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rp, err := Reconcile(session.Snapshot{
		SessionID:       "s-1",
		PlanFingerprint: plan.Fingerprint(),
		Seq:             17,
		PhaseIndex:      1,
		Status:          session.StatusRunning,
		Accumulated:     25 * time.Second,
		TakenAt:         now.Add(-3 * time.Hour),
	}, plan, now)
	require.NoError(t, err)

	assert.Equal(t, 2, rp.PhaseIndex)
	assert.Equal(t, uint64(17), rp.Seq)
	assert.Equal(t, []session.LogEntry{
		{ExerciseIndex: 0, ExerciseID: "wall-sit", ActualDuration: 30 * time.Second, Outcome: session.OutcomeCompleted},
	}, rp.Log.Entries())
}

func TestReconcile_Stale(t *testing.T) {
	plan := testPlan(t)
	now := time.Now()

	tests := []struct {
		name string
		snap session.Snapshot
	}{
		{name: "plan changed", snap: session.Snapshot{PlanFingerprint: "other", Status: session.StatusRunning}},
		{name: "already completed", snap: session.Snapshot{PlanFingerprint: plan.Fingerprint(), Status: session.StatusCompleted}},
		{name: "aborted", snap: session.Snapshot{PlanFingerprint: plan.Fingerprint(), Status: session.StatusAborted}},
		{name: "index out of range", snap: session.Snapshot{PlanFingerprint: plan.Fingerprint(), Status: session.StatusPaused, PhaseIndex: 99}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reconcile(tt.snap, plan, now)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStaleResumeState))
		})
	}
}
