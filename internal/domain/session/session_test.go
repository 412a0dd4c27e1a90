package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusIdle, "idle"},
		{StatusRunning, "running"},
		{StatusPaused, "paused"},
		{StatusCompleted, "completed"},
		{StatusAborted, "aborted"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestParseStatus(t *testing.T) {
	for s := StatusIdle; s <= StatusAborted; s++ {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatus("sleeping")
	assert.Error(t, err)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusAborted.IsTerminal())
}

func TestLog_Record(t *testing.T) {
	var l Log
	l.Record(LogEntry{ExerciseIndex: 2, ExerciseID: "c", Outcome: OutcomeSkipped})
	l.Record(LogEntry{ExerciseIndex: 0, ExerciseID: "a", ActualDuration: 30 * time.Second, Outcome: OutcomeCompleted})
	l.Record(LogEntry{ExerciseIndex: 1, ExerciseID: "b", Outcome: OutcomeSkipped})

	require.Equal(t, 3, l.Len())
	entries := l.Entries()
	assert.Equal(t, []int{0, 1, 2}, []int{entries[0].ExerciseIndex, entries[1].ExerciseIndex, entries[2].ExerciseIndex})

	l.Record(LogEntry{ExerciseIndex: 1, ExerciseID: "b", ActualDuration: 12 * time.Second, Outcome: OutcomeCompleted})
	assert.Equal(t, 3, l.Len(), "re-recording replaces instead of appending")
	got, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, got.Outcome)
	assert.Equal(t, 12*time.Second, got.ActualDuration)

	assert.False(t, l.Has(5))
}

func TestLog_CloneIsIndependent(t *testing.T) {
	l := NewLog(LogEntry{ExerciseIndex: 0, Outcome: OutcomeCompleted})
	c := l.Clone()
	c.Record(LogEntry{ExerciseIndex: 0, Outcome: OutcomeSkipped})
	c.Record(LogEntry{ExerciseIndex: 1, Outcome: OutcomeSkipped})

	got, _ := l.Get(0)
	assert.Equal(t, OutcomeCompleted, got.Outcome)
	assert.Equal(t, 1, l.Len())
}

func TestSnapshot_Newer(t *testing.T) {
	a := Snapshot{Seq: 3}
	b := Snapshot{Seq: 4}
	assert.True(t, b.Newer(a))
	assert.False(t, a.Newer(b))
	assert.False(t, a.Newer(a))
}
