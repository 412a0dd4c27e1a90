package connect

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/physiocue/internal/app/sequencer"
	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/session"
)

// State is the wire form of a session view.
type State struct {
	SessionID       string     `mapstructure:"session_id"`
	DefinitionID    string     `mapstructure:"definition_id"`
	Status          string     `mapstructure:"status"`
	Sequence        uint64     `mapstructure:"sequence"`
	PhaseIndex      int        `mapstructure:"phase_index"`
	PhaseCount      int        `mapstructure:"phase_count"`
	PhaseType       string     `mapstructure:"phase_type"`
	SetIndex        int        `mapstructure:"set_index"`
	RepIndex        int        `mapstructure:"rep_index"`
	Side            string     `mapstructure:"side"`
	ExerciseIndex   int        `mapstructure:"exercise_index"`
	ExerciseCount   int        `mapstructure:"exercise_count"`
	ExerciseID      string     `mapstructure:"exercise_id"`
	ExerciseName    string     `mapstructure:"exercise_name"`
	ElapsedMs       int64      `mapstructure:"elapsed_ms"`
	RemainingMs     int64      `mapstructure:"remaining_ms"`
	AudioAvailable  bool       `mapstructure:"audio_available"`
	ResumeAvailable bool       `mapstructure:"resume_available"`
	Log             []LogEntry `mapstructure:"log"`
}

// LogEntry is the wire form of one exercise log entry.
type LogEntry struct {
	ExerciseIndex int    `mapstructure:"exercise_index"`
	ExerciseID    string `mapstructure:"exercise_id"`
	ActualMs      int64  `mapstructure:"actual_ms"`
	Outcome       string `mapstructure:"outcome"`
}

// Elapsed returns the elapsed time of the current phase.
func (s State) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMs) * time.Millisecond
}

// Remaining returns the remaining time of the current phase.
func (s State) Remaining() time.Duration {
	return time.Duration(s.RemainingMs) * time.Millisecond
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	st, err := session.ParseStatus(s.Status)
	return err == nil && st.IsTerminal()
}

// Resumable is the wire form of an unfinished session checkpoint.
type Resumable struct {
	SessionID    string `mapstructure:"session_id"`
	DefinitionID string `mapstructure:"definition_id"`
	Status       string `mapstructure:"status"`
	PhaseIndex   int    `mapstructure:"phase_index"`
	TakenAt      string `mapstructure:"taken_at"`
}

// Finished is the wire form of a final session record.
type Finished struct {
	SessionID    string     `mapstructure:"session_id"`
	DefinitionID string     `mapstructure:"definition_id"`
	Status       string     `mapstructure:"status"`
	StartedAt    string     `mapstructure:"started_at"`
	EndedAt      string     `mapstructure:"ended_at"`
	Log          []LogEntry `mapstructure:"log"`
}

// Template is the wire form of a catalog entry.
type Template struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	ExerciseCount int    `mapstructure:"exercise_count"`
}

func stateFromView(v sequencer.View, seq uint64, audio, resume bool) State {
	return State{
		SessionID:       v.SessionID,
		DefinitionID:    v.DefinitionID,
		Status:          v.Status.String(),
		Sequence:        seq,
		PhaseIndex:      v.PhaseIndex,
		PhaseCount:      v.PhaseCount,
		PhaseType:       v.Phase.Type.String(),
		SetIndex:        v.Phase.SetIndex,
		RepIndex:        v.Phase.RepIndex,
		Side:            v.Phase.Side,
		ExerciseIndex:   v.ExerciseIndex,
		ExerciseCount:   v.ExerciseCount,
		ExerciseID:      v.ExerciseID,
		ExerciseName:    v.ExerciseName,
		ElapsedMs:       v.Elapsed.Milliseconds(),
		RemainingMs:     v.Remaining.Milliseconds(),
		AudioAvailable:  audio,
		ResumeAvailable: resume,
		Log:             logEntries(v.Log),
	}
}

func logEntries(entries []session.LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEntry{
			ExerciseIndex: e.ExerciseIndex,
			ExerciseID:    e.ExerciseID,
			ActualMs:      e.ActualDuration.Milliseconds(),
			Outcome:       string(e.Outcome),
		})
	}
	return out
}

func finishedFromRecord(rec session.FinalRecord) Finished {
	return Finished{
		SessionID:    rec.SessionID,
		DefinitionID: rec.DefinitionID,
		Status:       rec.Status.String(),
		StartedAt:    formatTime(rec.StartedAt),
		EndedAt:      formatTime(rec.EndedAt),
		Log:          logEntries(rec.Log.Entries()),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (e LogEntry) toMap() map[string]any {
	return map[string]any{
		"exercise_index": e.ExerciseIndex,
		"exercise_id":    e.ExerciseID,
		"actual_ms":      e.ActualMs,
		"outcome":        e.Outcome,
	}
}

func (s State) toMap() map[string]any {
	return map[string]any{
		"session_id":       s.SessionID,
		"definition_id":    s.DefinitionID,
		"status":           s.Status,
		"sequence":         s.Sequence,
		"phase_index":      s.PhaseIndex,
		"phase_count":      s.PhaseCount,
		"phase_type":       s.PhaseType,
		"set_index":        s.SetIndex,
		"rep_index":        s.RepIndex,
		"side":             s.Side,
		"exercise_index":   s.ExerciseIndex,
		"exercise_count":   s.ExerciseCount,
		"exercise_id":      s.ExerciseID,
		"exercise_name":    s.ExerciseName,
		"elapsed_ms":       s.ElapsedMs,
		"remaining_ms":     s.RemainingMs,
		"audio_available":  s.AudioAvailable,
		"resume_available": s.ResumeAvailable,
		"log":              listOf(s.Log, LogEntry.toMap),
	}
}

func (r Resumable) toMap() map[string]any {
	return map[string]any{
		"session_id":    r.SessionID,
		"definition_id": r.DefinitionID,
		"status":        r.Status,
		"phase_index":   r.PhaseIndex,
		"taken_at":      r.TakenAt,
	}
}

func (f Finished) toMap() map[string]any {
	return map[string]any{
		"session_id":    f.SessionID,
		"definition_id": f.DefinitionID,
		"status":        f.Status,
		"started_at":    f.StartedAt,
		"ended_at":      f.EndedAt,
		"log":           listOf(f.Log, LogEntry.toMap),
	}
}

func (t Template) toMap() map[string]any {
	return map[string]any{
		"id":             t.ID,
		"name":           t.Name,
		"exercise_count": t.ExerciseCount,
	}
}

// newStruct builds a message from a plain map.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return s, nil
}

// decode decodes a message (or one of its fields) into out. Numbers arrive
// as float64 and are narrowed by mapstructure.
func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}
	if err := dec.Decode(in); err != nil {
		return errors.Wrap(err, "failed to decode message")
	}
	return nil
}

// decodeOverrides decodes start overrides keyed by exercise id. Field names
// follow the catalog file.
func decodeOverrides(in any) (map[string]exercise.Override, error) {
	if in == nil {
		return nil, nil
	}
	var out map[string]exercise.Override
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &out,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create decoder")
	}
	if err := dec.Decode(in); err != nil {
		return nil, errors.Wrap(err, "invalid overrides")
	}
	return out, nil
}

func listOf[T any](items []T, toMap func(T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, toMap(it))
	}
	return out
}
