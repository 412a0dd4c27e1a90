package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/session"
)

// Memory is an in-process store used by tests and by the server when no
// database path is configured.
type Memory struct {
	mu          sync.Mutex
	checkpoints map[string]session.Snapshot
	sessions    map[string]session.FinalRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]session.Snapshot),
		sessions:    make(map[string]session.FinalRecord),
	}
}

// SaveCheckpoint stores snap unless a checkpoint with an equal or higher
// sequence number is already present.
func (m *Memory) SaveCheckpoint(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.checkpoints[snap.SessionID]; ok && !snap.Newer(cur) {
		return nil
	}
	m.checkpoints[snap.SessionID] = cloneSnapshot(snap)
	return nil
}

// LoadCheckpoint returns nil when the session has no checkpoint.
func (m *Memory) LoadCheckpoint(_ context.Context, sessionID string) (*session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

// FinalizeSession stores the final record of a finished session.
func (m *Memory) FinalizeSession(_ context.Context, rec session.FinalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Log = rec.Log.Clone()
	m.sessions[rec.SessionID] = rec
	return nil
}

// ListOpenCheckpoints returns checkpoints of sessions that never reached a
// terminal status, newest first.
func (m *Memory) ListOpenCheckpoints(_ context.Context) ([]session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []session.Snapshot
	for _, snap := range m.checkpoints {
		if snap.Status.IsTerminal() {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TakenAt.After(out[j].TakenAt)
	})
	return out, nil
}

// GetSession returns the final record of a finished session.
func (m *Memory) GetSession(_ context.Context, sessionID string) (session.FinalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return session.FinalRecord{}, ErrNotFound
	}
	rec.Log = rec.Log.Clone()
	return rec, nil
}

// ListSessions returns finished sessions, most recently ended first.
func (m *Memory) ListSessions(_ context.Context, limit int) ([]session.FinalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]session.FinalRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		rec.Log = rec.Log.Clone()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

func cloneSnapshot(s session.Snapshot) session.Snapshot {
	s.Log = s.Log.Clone()
	if s.Overrides != nil {
		o := make(map[string]exercise.Override, len(s.Overrides))
		for k, v := range s.Overrides {
			o[k] = v
		}
		s.Overrides = o
	}
	return s
}
