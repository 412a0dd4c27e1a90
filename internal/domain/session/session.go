// Package session provides session runtime status, the exercise log and checkpoint records.
package session

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/physiocue/internal/domain/exercise"
)

// Status represents the session runtime status.
type Status int

const (
	StatusIdle      Status = iota // Created, not yet started
	StatusRunning                 // Clock is counting
	StatusPaused                  // Clock frozen, position kept
	StatusCompleted               // Reached the complete phase
	StatusAborted                 // Ended early
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ParseStatus parses the string form produced by Status.String.
func ParseStatus(v string) (Status, error) {
	for s := StatusIdle; s <= StatusAborted; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return StatusIdle, errors.Newf("unknown session status %q", v)
}

// Outcome records how an exercise ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeIncomplete Outcome = "incomplete" // Interrupted by end-early
)

// LogEntry is one exercise's record in the completed exercise log.
type LogEntry struct {
	ExerciseIndex  int           `json:"exercise_index"`
	ExerciseID     string        `json:"exercise_id"`
	ActualDuration time.Duration `json:"actual_duration"`
	Outcome        Outcome       `json:"outcome"`
}

// Log holds at most one entry per exercise index, ordered by index.
// The zero value is an empty log.
type Log struct {
	entries []LogEntry
}

// NewLog creates a log from entries; a later entry for the same index wins.
func NewLog(entries ...LogEntry) Log {
	var l Log
	for _, e := range entries {
		l.Record(e)
	}
	return l
}

// Record adds the entry, replacing any existing entry for the same exercise.
func (l *Log) Record(e LogEntry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].ExerciseIndex >= e.ExerciseIndex
	})
	if i < len(l.entries) && l.entries[i].ExerciseIndex == e.ExerciseIndex {
		l.entries[i] = e
		return
	}
	l.entries = append(l.entries, LogEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// Get returns the entry for an exercise index.
func (l Log) Get(exerciseIndex int) (LogEntry, bool) {
	for _, e := range l.entries {
		if e.ExerciseIndex == exerciseIndex {
			return e, true
		}
	}
	return LogEntry{}, false
}

// Has reports whether the exercise already has an entry.
func (l Log) Has(exerciseIndex int) bool {
	_, ok := l.Get(exerciseIndex)
	return ok
}

// Len returns the number of entries.
func (l Log) Len() int {
	return len(l.entries)
}

// Entries returns a copy of the entries.
func (l Log) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clone returns an independent copy.
func (l Log) Clone() Log {
	return Log{entries: l.Entries()}
}

// Snapshot is the persisted checkpoint of a running session.
// Seq is a logical clock; a snapshot with a lower Seq never replaces a higher one.
type Snapshot struct {
	SessionID           string
	DefinitionID        string
	PlanFingerprint     string
	Seq                 uint64
	PhaseIndex          int
	Status              Status
	Accumulated         time.Duration // Elapsed time in the current phase
	ExerciseAccumulated time.Duration // Work time in the current exercise
	Log                 Log
	Overrides           map[string]exercise.Override // Recorded at session start
	StartedAt           time.Time
	TakenAt             time.Time
}

// Newer reports whether s supersedes other.
func (s Snapshot) Newer(other Snapshot) bool {
	return s.Seq > other.Seq
}

// FinalRecord is the archived outcome of a finished session.
type FinalRecord struct {
	SessionID    string
	DefinitionID string
	Status       Status
	Log          Log
	StartedAt    time.Time
	EndedAt      time.Time
}
