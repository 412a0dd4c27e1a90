package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/physiocue/internal/domain/exercise"
)

const sample = `
sessions:
  - id: knee
    name: Knee rehab
    exercises:
      - id: wall-sit
        name: Wall sit
        kind: duration
        duration_seconds: 30
        rest_after_seconds: 10
      - id: heel-slide
        kind: reps
        reps: 3
        sets: 2
        rep_duration_seconds: 2
        rest_between_sets_seconds: 5
        side_mode: per_side
    overrides:
      heel-slide:
        reps: 5
  - id: quick
    exercises:
      - id: hold
        kind: duration
        duration_seconds: 5
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFile_GetSessionDefinition(t *testing.T) {
	f := NewFile(writeCatalog(t, sample))

	def, err := f.GetSessionDefinition(context.Background(), "knee")
	require.NoError(t, err)
	assert.Equal(t, "Knee rehab", def.Name)
	require.Len(t, def.Exercises, 2)
	assert.Equal(t, exercise.KindReps, def.Exercises[1].Kind)
	assert.Equal(t, exercise.SidePerSide, def.Exercises[1].SideMode)
	assert.Equal(t, 1, def.Exercises[0].Sets, "sets defaults to one")
	assert.Equal(t, exercise.SideNone, def.Exercises[0].SideMode, "side mode defaults to none")
	require.NotNil(t, def.Exercises[0].RestAfterSeconds)
	assert.InDelta(t, 10, *def.Exercises[0].RestAfterSeconds, 1e-9)
	require.Contains(t, def.Overrides, "heel-slide")
	assert.Equal(t, 5, *def.Overrides["heel-slide"].Reps)

	_, err = f.GetSessionDefinition(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFile_List(t *testing.T) {
	f := NewFile(writeCatalog(t, sample))

	list, err := f.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Summary{
		{ID: "knee", Name: "Knee rehab", ExerciseCount: 2},
		{ID: "quick", Name: "quick", ExerciseCount: 1},
	}, list)
}

func TestFile_KeepsLastGoodCopy(t *testing.T) {
	path := writeCatalog(t, sample)
	f := NewFile(path)

	_, err := f.GetSessionDefinition(context.Background(), "quick")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("sessions: ["), 0o600))
	def, err := f.GetSessionDefinition(context.Background(), "quick")
	require.NoError(t, err)
	assert.Equal(t, "quick", def.ID)

	_, err = NewFile(path).GetSessionDefinition(context.Background(), "quick")
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing session id",
			yaml: "sessions:\n  - name: x\n",
		},
		{
			name: "unknown kind",
			yaml: "sessions:\n  - id: a\n    exercises:\n      - id: e\n        kind: hold\n",
		},
		{
			name: "negative duration",
			yaml: "sessions:\n  - id: a\n    exercises:\n      - id: e\n        kind: duration\n        duration_seconds: -1\n",
		},
		{
			name: "unknown side mode",
			yaml: "sessions:\n  - id: a\n    exercises:\n      - id: e\n        kind: reps\n        reps: 1\n        side_mode: both\n",
		},
		{
			name: "duplicate session",
			yaml: "sessions:\n  - id: a\n  - id: a\n",
		},
		{
			name: "duplicate exercise",
			yaml: "sessions:\n  - id: a\n    exercises:\n      - {id: e, kind: duration, duration_seconds: 1}\n      - {id: e, kind: duration, duration_seconds: 1}\n",
		},
		{
			name: "override for unknown exercise",
			yaml: "sessions:\n  - id: a\n    exercises:\n      - {id: e, kind: duration, duration_seconds: 1}\n    overrides:\n      f:\n        reps: 2\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
