package storage

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/osa030/physiocue/internal/domain/session"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite is the on-disk store backed by modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory %s", dir)
		}
	}

	if err := runMigrations(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to configure database: %s", pragma)
		}
	}

	zlog.Info().Msgf("storage: opened path=%s", path)
	return &SQLite{db: db}, nil
}

// runMigrations uses its own connection since closing the migrate instance
// closes the underlying database.
func runMigrations(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrapf(err, "failed to open database %s", path)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "failed to create migration driver")
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "failed to load migrations")
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "failed to create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// SaveCheckpoint upserts snap. A stored checkpoint with an equal or higher
// sequence number is left untouched.
func (s *SQLite) SaveCheckpoint(ctx context.Context, snap session.Snapshot) error {
	logJSON, err := encodeLog(snap.Log)
	if err != nil {
		return err
	}
	overridesJSON, err := encodeOverrides(snap.Overrides)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (
    session_id, definition_id, plan_fingerprint, seq, phase_index, status,
    accumulated_ns, exercise_accumulated_ns, log_json, overrides_json,
    started_at_ns, taken_at_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    definition_id = excluded.definition_id,
    plan_fingerprint = excluded.plan_fingerprint,
    seq = excluded.seq,
    phase_index = excluded.phase_index,
    status = excluded.status,
    accumulated_ns = excluded.accumulated_ns,
    exercise_accumulated_ns = excluded.exercise_accumulated_ns,
    log_json = excluded.log_json,
    overrides_json = excluded.overrides_json,
    started_at_ns = excluded.started_at_ns,
    taken_at_ns = excluded.taken_at_ns
WHERE excluded.seq > checkpoints.seq`,
		snap.SessionID, snap.DefinitionID, snap.PlanFingerprint, int64(snap.Seq), snap.PhaseIndex,
		snap.Status.String(), int64(snap.Accumulated), int64(snap.ExerciseAccumulated),
		logJSON, overridesJSON, toNanos(snap.StartedAt), toNanos(snap.TakenAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save checkpoint session=%s", snap.SessionID)
	}
	return nil
}

const checkpointColumns = `session_id, definition_id, plan_fingerprint, seq, phase_index, status,
    accumulated_ns, exercise_accumulated_ns, log_json, overrides_json, started_at_ns, taken_at_ns`

// LoadCheckpoint returns nil when the session has no checkpoint.
func (s *SQLite) LoadCheckpoint(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ?`, sessionID)
	snap, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint session=%s", sessionID)
	}
	return &snap, nil
}

// ListOpenCheckpoints returns checkpoints of sessions that never reached a
// terminal status, newest first.
func (s *SQLite) ListOpenCheckpoints(ctx context.Context) ([]session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
WHERE status NOT IN (?, ?) ORDER BY taken_at_ns DESC`,
		session.StatusCompleted.String(), session.StatusAborted.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []session.Snapshot
	for rows.Next() {
		snap, err := scanCheckpoint(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		out = append(out, snap)
	}
	return out, errors.Wrap(rows.Err(), "failed to list checkpoints")
}

// FinalizeSession stores the final record of a finished session.
func (s *SQLite) FinalizeSession(ctx context.Context, rec session.FinalRecord) error {
	logJSON, err := encodeLog(rec.Log)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO sessions (
    session_id, definition_id, status, log_json, started_at_ns, ended_at_ns
) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.DefinitionID, rec.Status.String(), logJSON,
		toNanos(rec.StartedAt), toNanos(rec.EndedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize session=%s", rec.SessionID)
	}
	return nil
}

const sessionColumns = `session_id, definition_id, status, log_json, started_at_ns, ended_at_ns`

// GetSession returns the final record of a finished session.
func (s *SQLite) GetSession(ctx context.Context, sessionID string) (session.FinalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.FinalRecord{}, ErrNotFound
	}
	if err != nil {
		return session.FinalRecord{}, errors.Wrapf(err, "failed to load session=%s", sessionID)
	}
	return rec, nil
}

// ListSessions returns finished sessions, most recently ended first. A
// non-positive limit returns all of them.
func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]session.FinalRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY ended_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []session.FinalRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to list sessions")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (session.Snapshot, error) {
	var (
		snap                   session.Snapshot
		seq                    int64
		status                 string
		accNs, exAccNs         int64
		logJSON, overridesJSON string
		startedNs, takenNs     int64
	)
	if err := sc.Scan(&snap.SessionID, &snap.DefinitionID, &snap.PlanFingerprint, &seq,
		&snap.PhaseIndex, &status, &accNs, &exAccNs, &logJSON, &overridesJSON,
		&startedNs, &takenNs); err != nil {
		return session.Snapshot{}, err
	}

	st, err := session.ParseStatus(status)
	if err != nil {
		return session.Snapshot{}, err
	}
	log, err := decodeLog(logJSON)
	if err != nil {
		return session.Snapshot{}, err
	}
	overrides, err := decodeOverrides(overridesJSON)
	if err != nil {
		return session.Snapshot{}, err
	}

	snap.Seq = uint64(seq)
	snap.Status = st
	snap.Accumulated = time.Duration(accNs)
	snap.ExerciseAccumulated = time.Duration(exAccNs)
	snap.Log = log
	snap.Overrides = overrides
	snap.StartedAt = fromNanos(startedNs)
	snap.TakenAt = fromNanos(takenNs)
	return snap, nil
}

func scanSession(sc scanner) (session.FinalRecord, error) {
	var (
		rec                session.FinalRecord
		status, logJSON    string
		startedNs, endedNs int64
	)
	if err := sc.Scan(&rec.SessionID, &rec.DefinitionID, &status, &logJSON, &startedNs, &endedNs); err != nil {
		return session.FinalRecord{}, err
	}

	st, err := session.ParseStatus(status)
	if err != nil {
		return session.FinalRecord{}, err
	}
	log, err := decodeLog(logJSON)
	if err != nil {
		return session.FinalRecord{}, err
	}

	rec.Status = st
	rec.Log = log
	rec.StartedAt = fromNanos(startedNs)
	rec.EndedAt = fromNanos(endedNs)
	return rec, nil
}
