package phase

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/physiocue/internal/domain/exercise"
)

func scenarioSteps() []exercise.Step {
	return []exercise.Step{
		{ExerciseID: "wall-sit", Name: "Wall sit", Kind: exercise.KindDuration, Duration: 30 * time.Second, RestAfter: 10 * time.Second},
		{
			ExerciseID:       "heel-slide",
			Name:             "Heel slide",
			Kind:             exercise.KindReps,
			Reps:             3,
			Sets:             2,
			RepDuration:      2 * time.Second,
			PauseBetweenReps: time.Second,
			RestBetweenSets:  5 * time.Second,
			SideMode:         exercise.SideNone,
			RestAfter:        15 * time.Second,
		},
	}
}

func types(p Plan) []Type {
	out := make([]Type, 0, p.Len())
	for _, ph := range p.phases {
		out = append(out, ph.Type)
	}
	return out
}

func TestBuild_Scenario(t *testing.T) {
	plan, err := Build(scenarioSteps(), 3*time.Second)
	require.NoError(t, err)

	want := []Type{
		TypeLeadIn, TypeActive, TypeExerciseRest,
		TypeLeadIn,
		TypeActive, TypeRepPause, TypeActive, TypeRepPause, TypeActive,
		TypeSetRest,
		TypeActive, TypeRepPause, TypeActive, TypeRepPause, TypeActive,
		TypeComplete,
	}
	assert.Equal(t, want, types(plan))

	assert.Equal(t, 30*time.Second, plan.At(1).Duration)
	assert.Equal(t, 10*time.Second, plan.At(2).Duration)
	assert.Equal(t, 5*time.Second, plan.At(9).Duration)
	assert.Equal(t, 1, plan.At(10).SetIndex)
	assert.Equal(t, 2, plan.At(14).RepIndex)
	assert.Zero(t, plan.At(plan.CompleteIndex()).Duration)

	require.Equal(t, 2, plan.ExerciseCount())
	assert.Equal(t, ExerciseInfo{ID: "wall-sit", Name: "Wall sit", FirstPhase: 0, LastWorkPhase: 1}, plan.Exercise(0))
	assert.Equal(t, ExerciseInfo{ID: "heel-slide", Name: "Heel slide", FirstPhase: 3, LastWorkPhase: 14}, plan.Exercise(1))
	assert.True(t, plan.IsLastWorkPhase(1))
	assert.False(t, plan.IsLastWorkPhase(9))
	assert.False(t, plan.IsLastWorkPhase(plan.CompleteIndex()))

	assert.Equal(t, exercise.TotalDuration(scenarioSteps(), 3*time.Second), plan.TotalDuration())
}

func TestBuild_Omissions(t *testing.T) {
	tests := []struct {
		name   string
		steps  []exercise.Step
		leadIn time.Duration
		want   []Type
	}{
		{
			name:  "no lead-in and no rests",
			steps: []exercise.Step{{ExerciseID: "a", Kind: exercise.KindReps, Reps: 2, Sets: 2, RepDuration: time.Second}},
			want:  []Type{TypeActive, TypeActive, TypeActive, TypeActive, TypeComplete},
		},
		{
			name: "no rest after the final exercise",
			steps: []exercise.Step{
				{ExerciseID: "a", Kind: exercise.KindDuration, Duration: time.Second, RestAfter: time.Second},
				{ExerciseID: "b", Kind: exercise.KindDuration, Duration: time.Second, RestAfter: time.Second},
			},
			leadIn: time.Second,
			want:   []Type{TypeLeadIn, TypeActive, TypeExerciseRest, TypeLeadIn, TypeActive, TypeComplete},
		},
		{
			name: "zero rest between exercises",
			steps: []exercise.Step{
				{ExerciseID: "a", Kind: exercise.KindDuration, Duration: time.Second},
				{ExerciseID: "b", Kind: exercise.KindDuration, Duration: time.Second},
			},
			want: []Type{TypeActive, TypeActive, TypeComplete},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Build(tt.steps, tt.leadIn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, types(plan))
		})
	}
}

func TestBuild_Sides(t *testing.T) {
	t.Run("alternating", func(t *testing.T) {
		plan, err := Build([]exercise.Step{{
			ExerciseID: "lunge", Kind: exercise.KindReps, Reps: 3, Sets: 1,
			RepDuration: time.Second, SideMode: exercise.SideAlternating,
		}}, 0)
		require.NoError(t, err)
		var sides []string
		for _, ph := range plan.phases {
			if ph.Type == TypeActive {
				sides = append(sides, ph.Side)
			}
		}
		assert.Equal(t, []string{exercise.SideLeft, exercise.SideRight, exercise.SideLeft}, sides)
	})

	t.Run("per side", func(t *testing.T) {
		plan, err := Build([]exercise.Step{{
			ExerciseID: "clam", Kind: exercise.KindReps, Reps: 1, Sets: 2,
			RepDuration: time.Second, RestBetweenSets: time.Second, SideMode: exercise.SidePerSide,
		}}, 0)
		require.NoError(t, err)
		var sides []string
		var sets []int
		for _, ph := range plan.phases {
			if ph.Type == TypeActive {
				sides = append(sides, ph.Side)
				sets = append(sets, ph.SetIndex)
			}
		}
		assert.Equal(t, []string{exercise.SideLeft, exercise.SideLeft, exercise.SideRight, exercise.SideRight}, sides)
		assert.Equal(t, []int{0, 1, 2, 3}, sets)
		assert.Equal(t, []Type{
			TypeActive, TypeSetRest, TypeActive, TypeSetRest,
			TypeActive, TypeSetRest, TypeActive, TypeComplete,
		}, types(plan))
		assert.Equal(t, 6, plan.Exercise(0).LastWorkPhase)
	})
}

func TestBuild_ConfigurationError(t *testing.T) {
	tests := []struct {
		name  string
		steps []exercise.Step
	}{
		{name: "empty", steps: nil},
		{name: "zero duration", steps: []exercise.Step{{ExerciseID: "a", Kind: exercise.KindDuration}}},
		{name: "zero reps", steps: []exercise.Step{{ExerciseID: "a", Kind: exercise.KindReps, Sets: 1, RepDuration: time.Second}}},
		{name: "unknown kind", steps: []exercise.Step{{ExerciseID: "a", Kind: "jog", Duration: time.Second}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.steps, time.Second)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestPlan_Fingerprint(t *testing.T) {
	a, err := Build(scenarioSteps(), 3*time.Second)
	require.NoError(t, err)
	b, err := Build(scenarioSteps(), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	changed := scenarioSteps()
	changed[0].Duration = 31 * time.Second
	c, err := Build(changed, 3*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d, err := Build(scenarioSteps(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestPlan_TotalDurationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum of phases equals declared total", prop.ForAll(
		func(count, reps, sets, pause, setRest, restAfter, side, leadIn int) bool {
			modes := []exercise.SideMode{exercise.SideNone, exercise.SideAlternating, exercise.SidePerSide}
			steps := make([]exercise.Step, 0, count)
			for i := 0; i < count; i++ {
				if i%2 == 0 {
					steps = append(steps, exercise.Step{
						ExerciseID: "hold",
						Kind:       exercise.KindDuration,
						Duration:   time.Duration(5+i) * time.Second,
						RestAfter:  time.Duration(restAfter) * time.Second,
					})
					continue
				}
				steps = append(steps, exercise.Step{
					ExerciseID:       "reps",
					Kind:             exercise.KindReps,
					Reps:             reps,
					Sets:             sets,
					RepDuration:      1500 * time.Millisecond,
					PauseBetweenReps: time.Duration(pause) * time.Second,
					RestBetweenSets:  time.Duration(setRest) * time.Second,
					SideMode:         modes[side],
					RestAfter:        time.Duration(restAfter) * time.Second,
				})
			}
			lead := time.Duration(leadIn) * time.Second
			plan, err := Build(steps, lead)
			if err != nil {
				return false
			}
			return plan.TotalDuration() == exercise.TotalDuration(steps, lead) &&
				plan.At(plan.CompleteIndex()).Type == TypeComplete
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 6),
		gen.IntRange(1, 4),
		gen.IntRange(0, 3),
		gen.IntRange(0, 20),
		gen.IntRange(0, 30),
		gen.IntRange(0, 2),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
