// Package checkpoint persists session progress off the sequencer's path and
// reconciles persisted progress on resume.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/physiocue/internal/domain/session"
)

// Errors
var (
	ErrPersistenceWrite = errors.New("checkpoint write failed")
	ErrStaleResumeState = errors.New("persisted session no longer matches its plan")
)

// DefaultWriteTimeout bounds a single background write.
const DefaultWriteTimeout = 5 * time.Second

// Store is the persistence collaborator.
type Store interface {
	// SaveCheckpoint stores snap unless the stored checkpoint has a higher Seq.
	SaveCheckpoint(ctx context.Context, snap session.Snapshot) error
	// LoadCheckpoint returns nil when the session has no checkpoint.
	LoadCheckpoint(ctx context.Context, sessionID string) (*session.Snapshot, error)
	FinalizeSession(ctx context.Context, rec session.FinalRecord) error
}

// Checkpointer writes the newest submitted snapshot in the background.
// Submissions never block; snapshots superseded before they are written are dropped.
type Checkpointer struct {
	store        Store
	writeTimeout time.Duration

	mu        sync.Mutex
	pending   *session.Snapshot
	newest    uint64 // Highest Seq ever submitted
	written   uint64 // Highest Seq known to be stored
	lastErr   error
	finalized bool

	writeMu sync.Mutex // Serializes store writes

	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithWriteTimeout bounds each background write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Checkpointer) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// New creates a checkpointer and starts its writer.
func New(store Store, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		store:        store,
		writeTimeout: DefaultWriteTimeout,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

// Checkpoint submits a snapshot. Snapshots with a Seq not above the newest
// submission are ignored.
func (c *Checkpointer) Checkpoint(snap session.Snapshot) {
	c.mu.Lock()
	if c.finalized || snap.Seq <= c.newest {
		c.mu.Unlock()
		return
	}
	c.newest = snap.Seq
	c.pending = &snap
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Flush writes the pending snapshot, if any, before returning.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	snap := c.pending
	c.pending = nil
	c.mu.Unlock()

	if snap == nil {
		return nil
	}
	return c.write(ctx, *snap)
}

// Finalize drops pending checkpoints older than snap, then synchronously writes
// snap and the final record. Later submissions are ignored.
func (c *Checkpointer) Finalize(ctx context.Context, snap session.Snapshot, rec session.FinalRecord) error {
	c.mu.Lock()
	c.finalized = true
	c.pending = nil
	if snap.Seq > c.newest {
		c.newest = snap.Seq
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.SaveCheckpoint(ctx, snap); err != nil {
		return c.failed(snap, err)
	}
	if err := c.store.FinalizeSession(ctx, rec); err != nil {
		return c.failed(snap, errors.Wrap(err, "finalize session"))
	}
	c.succeeded(snap)
	zlog.Info().Msgf("checkpoint: session finalized: session=%s status=%s entries=%d",
		rec.SessionID, rec.Status, rec.Log.Len())
	return nil
}

// LastError returns the most recent write error, or nil.
func (c *Checkpointer) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Written returns the highest Seq known to be stored.
func (c *Checkpointer) Written() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Close stops the writer after writing any pending snapshot.
func (c *Checkpointer) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Checkpointer) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			if err := c.Flush(ctx); err != nil {
				zlog.Warn().Err(err).Msg("checkpoint: final flush failed")
			}
			cancel()
			return
		case <-c.wake:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			_ = c.Flush(ctx)
			cancel()
		}
	}
}

func (c *Checkpointer) write(ctx context.Context, snap session.Snapshot) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	stale := snap.Seq < c.newest && c.pending != nil || snap.Seq <= c.written
	c.mu.Unlock()
	if stale {
		zlog.Debug().Msgf("checkpoint: discarding superseded snapshot: session=%s seq=%d", snap.SessionID, snap.Seq)
		return nil
	}

	if err := c.store.SaveCheckpoint(ctx, snap); err != nil {
		return c.failed(snap, err)
	}
	c.succeeded(snap)
	return nil
}

func (c *Checkpointer) succeeded(snap session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Seq > c.written {
		c.written = snap.Seq
	}
	if c.lastErr != nil {
		zlog.Info().Msgf("checkpoint: writes recovered: session=%s seq=%d", snap.SessionID, snap.Seq)
	}
	c.lastErr = nil
}

// failed records a write error. The next submission carries newer state and
// is written in its place.
func (c *Checkpointer) failed(snap session.Snapshot, err error) error {
	err = errors.Mark(errors.Wrapf(err, "checkpoint: session=%s seq=%d", snap.SessionID, snap.Seq), ErrPersistenceWrite)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil && !c.finalized {
		c.pending = &snap
	}
	c.lastErr = err
	zlog.Warn().Err(err).Msg("checkpoint: write failed, session continues in memory")
	return err
}
