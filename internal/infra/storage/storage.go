// Package storage provides the local persistence store for checkpoints and
// finished sessions.
package storage

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/session"
)

// ErrNotFound is returned when a finished session does not exist.
var ErrNotFound = errors.New("not found")

func encodeLog(l session.Log) (string, error) {
	b, err := json.Marshal(l.Entries())
	if err != nil {
		return "", errors.Wrap(err, "failed to encode exercise log")
	}
	return string(b), nil
}

func decodeLog(s string) (session.Log, error) {
	var entries []session.LogEntry
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return session.Log{}, errors.Wrap(err, "failed to decode exercise log")
	}
	return session.NewLog(entries...), nil
}

func encodeOverrides(o map[string]exercise.Override) (string, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode overrides")
	}
	return string(b), nil
}

func decodeOverrides(s string) (map[string]exercise.Override, error) {
	var o map[string]exercise.Override
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, errors.Wrap(err, "failed to decode overrides")
	}
	if len(o) == 0 {
		return nil, nil
	}
	return o, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
