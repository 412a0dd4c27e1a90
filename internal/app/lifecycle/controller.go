// Package lifecycle provides the session controller exposed to user interfaces.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/physiocue/internal/app/checkpoint"
	"github.com/osa030/physiocue/internal/app/cue"
	"github.com/osa030/physiocue/internal/app/notification"
	"github.com/osa030/physiocue/internal/app/sequencer"
	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
	"github.com/osa030/physiocue/internal/domain/settings"
)

// Errors
var (
	ErrNoSession     = errors.New("no session")
	ErrSessionActive = errors.New("a session is already active")
	ErrNoCheckpoint  = errors.New("no checkpoint for session")
)

// finalizeTimeout bounds the terminal write on natural completion.
const finalizeTimeout = 10 * time.Second

// Catalog supplies session templates.
type Catalog interface {
	GetSessionDefinition(ctx context.Context, id string) (exercise.Definition, error)
}

// SettingsProvider supplies the settings snapshot taken at session start.
type SettingsProvider interface {
	Snapshot(ctx context.Context) (settings.Settings, error)
}

// Store is the persistence collaborator.
type Store interface {
	checkpoint.Store
	ListOpenCheckpoints(ctx context.Context) ([]session.Snapshot, error)
}

// Platform holds the screen wake lock and reports visibility changes
// (true when the player becomes visible).
type Platform interface {
	AcquireWakeLock(ctx context.Context) error
	ReleaseWakeLock() error
	Visibility() <-chan bool
}

// Config holds controller configuration.
type Config struct {
	TickInterval        time.Duration
	CheckpointInterval  time.Duration
	RestartThreshold    time.Duration
	AutoPauseOnHidden   bool
	AutoResumeOnVisible bool
}

// Deps holds the controller collaborators.
type Deps struct {
	Catalog  Catalog
	Settings SettingsProvider
	Store    Store
	Platform Platform
	Player   cue.Player
	Clock    clockwork.Clock
}

// Controller starts, drives and finishes sessions. One session is active at a time.
type Controller struct {
	mu sync.Mutex

	config Config
	deps   Deps
	active *run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// run is one started session and the components built for it.
type run struct {
	id           string
	definitionID string
	overrides    map[string]exercise.Override
	plan         phase.Plan

	seq  *sequencer.Sequencer
	cues *cue.Dispatcher
	cp   *checkpoint.Checkpointer

	cancel     context.CancelFunc
	finished   chan struct{}
	autoPaused bool

	// powerMu orders pause and resume against wake lock changes.
	powerMu    sync.Mutex
	wakeMu     sync.Mutex
	wakeLocked bool
}

// New creates a controller and starts watching platform visibility.
func New(config Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config: config,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
	}

	if deps.Platform != nil {
		c.wg.Add(1)
		go c.visibilityLoop()
	}
	return c
}

// Start builds the plan for a session template and starts playing it.
// Overrides are applied on top of the template and recorded with the session.
func (c *Controller) Start(ctx context.Context, definitionID string, overrides map[string]exercise.Override) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busyLocked() {
		return "", ErrSessionActive
	}

	s, err := c.deps.Settings.Snapshot(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to read settings")
	}
	def, err := c.deps.Catalog.GetSessionDefinition(ctx, definitionID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load session definition %q", definitionID)
	}
	plan, err := buildPlan(def, overrides, s)
	if err != nil {
		return "", err
	}

	r := &run{
		id:           uuid.New().String(),
		definitionID: definitionID,
		overrides:    overrides,
		plan:         plan,
	}
	if err := c.launchLocked(ctx, r, s, func(seq *sequencer.Sequencer) error {
		return seq.Start()
	}); err != nil {
		return "", err
	}
	zlog.Info().Msgf("lifecycle: session started: session=%s definition=%s exercises=%d duration=%v",
		r.id, definitionID, plan.ExerciseCount(), plan.TotalDuration())
	return r.id, nil
}

// ResumeSession continues a checkpointed session. A checkpoint that no longer
// matches its template fails with checkpoint.ErrStaleResumeState.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busyLocked() {
		return ErrSessionActive
	}

	snap, err := c.deps.Store.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load checkpoint for session %s", sessionID)
	}
	if snap == nil {
		return errors.Wrapf(ErrNoCheckpoint, "session %s", sessionID)
	}

	s, err := c.deps.Settings.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read settings")
	}
	def, err := c.deps.Catalog.GetSessionDefinition(ctx, snap.DefinitionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load session definition %q", snap.DefinitionID)
	}
	plan, err := buildPlan(def, snap.Overrides, s)
	if err != nil {
		// The template was edited into something unplayable
		return errors.Mark(err, checkpoint.ErrStaleResumeState)
	}

	rp, err := checkpoint.Reconcile(*snap, plan, c.deps.Clock.Now())
	if err != nil {
		return err
	}

	r := &run{
		id:           snap.SessionID,
		definitionID: snap.DefinitionID,
		overrides:    snap.Overrides,
		plan:         plan,
	}
	if err := c.launchLocked(ctx, r, s, func(seq *sequencer.Sequencer) error {
		return seq.StartFrom(rp)
	}); err != nil {
		return err
	}
	zlog.Info().Msgf("lifecycle: session resumed: session=%s phase=%d", r.id, rp.PhaseIndex)
	return nil
}

// ListResumable returns the checkpoints of sessions that never finished.
func (c *Controller) ListResumable(ctx context.Context) ([]session.Snapshot, error) {
	snaps, err := c.deps.Store.ListOpenCheckpoints(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	return snaps, nil
}

// Pause pauses the active session.
func (c *Controller) Pause() error {
	r, err := c.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	r.autoPaused = false
	c.mu.Unlock()
	return r.seq.Pause()
}

// Resume resumes the active session and takes the wake lock again if an
// auto-pause released it.
func (c *Controller) Resume() error {
	r, err := c.current()
	if err != nil {
		return err
	}
	r.powerMu.Lock()
	defer r.powerMu.Unlock()
	if err := r.seq.Resume(); err != nil {
		return err
	}
	c.mu.Lock()
	r.autoPaused = false
	c.mu.Unlock()
	c.acquireWakeLock(c.ctx, r)
	return nil
}

// SkipForward skips the current exercise.
func (c *Controller) SkipForward() error {
	r, err := c.current()
	if err != nil {
		return err
	}
	return r.seq.SkipForward()
}

// SkipBackward restarts the current or previous exercise.
func (c *Controller) SkipBackward() error {
	r, err := c.current()
	if err != nil {
		return err
	}
	return r.seq.SkipBackward()
}

// EndEarly aborts the active session and synchronously writes its final record.
// A failed write is logged; the returned record is still authoritative.
func (c *Controller) EndEarly(ctx context.Context) (session.FinalRecord, error) {
	r, err := c.current()
	if err != nil {
		return session.FinalRecord{}, err
	}

	snap, err := r.seq.EndEarly()
	if err != nil {
		return session.FinalRecord{}, err
	}
	snap.Overrides = r.overrides
	rec := c.finalRecord(snap)
	if err := r.cp.Finalize(ctx, snap, rec); err != nil {
		zlog.Error().Err(err).Msgf("lifecycle: failed to finalize aborted session: session=%s", r.id)
	}
	<-r.finished
	return rec, nil
}

// RefreshSettings re-reads settings; cue changes apply from the next dispatch.
func (c *Controller) RefreshSettings(ctx context.Context) error {
	r, err := c.current()
	if err != nil {
		return err
	}
	s, err := c.deps.Settings.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read settings")
	}
	return r.cues.UpdateSettings(s)
}

// View returns the active or most recent session's state.
func (c *Controller) View() (sequencer.View, error) {
	r, err := c.last()
	if err != nil {
		return sequencer.View{}, err
	}
	return r.seq.View(), nil
}

// Subscribe observes the active or most recent session.
func (c *Controller) Subscribe(buffer int) (<-chan notification.Message[sequencer.View], string, error) {
	r, err := c.last()
	if err != nil {
		return nil, "", err
	}
	ch, id := r.seq.Subscribe(buffer)
	return ch, id, nil
}

// Unsubscribe removes an observer of the active session.
func (c *Controller) Unsubscribe(id string) {
	if r, err := c.last(); err == nil {
		r.seq.Unsubscribe(id)
	}
}

// Done is closed once the active session has finished and been finalized.
func (c *Controller) Done() (<-chan struct{}, error) {
	r, err := c.last()
	if err != nil {
		return nil, err
	}
	return r.finished, nil
}

// AudioAvailable reports whether cues are currently reaching the audio output.
func (c *Controller) AudioAvailable() bool {
	r, err := c.last()
	if err != nil {
		return true
	}
	return r.cues.Available()
}

// ResumeAvailable reports whether checkpoints are currently being persisted.
func (c *Controller) ResumeAvailable() bool {
	r, err := c.last()
	if err != nil {
		return true
	}
	return r.cp.LastError() == nil
}

// Close pauses any running session so it can be resumed later, flushes its
// checkpoint and releases the wake lock.
func (c *Controller) Close() {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r != nil {
		select {
		case <-r.finished:
		default:
			r.powerMu.Lock()
			if err := r.seq.Pause(); err != nil && !errors.Is(err, sequencer.ErrNotRunning) {
				zlog.Warn().Err(err).Msg("lifecycle: failed to pause on close")
			}
			r.cancel()
			r.cues.Close()
			r.cp.Close()
			c.releaseWakeLock(r)
			r.powerMu.Unlock()
		}
		r.seq.Close()
	}

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) launchLocked(ctx context.Context, r *run, s settings.Settings, start func(*sequencer.Sequencer) error) error {
	cues, err := cue.New(c.deps.Player, s, cue.WithClock(c.deps.Clock))
	if err != nil {
		return err
	}
	cp := checkpoint.New(c.deps.Store)

	seq, err := sequencer.New(r.plan, sequencer.Config{
		SessionID:          r.id,
		DefinitionID:       r.definitionID,
		TickInterval:       c.config.TickInterval,
		CheckpointInterval: c.config.CheckpointInterval,
		RestartThreshold:   c.config.RestartThreshold,
		WarningLead:        s.WarningLead,
	}, sequencer.Deps{
		Clock:        c.deps.Clock,
		Cues:         cues,
		Checkpointer: stamped{cp: cp, overrides: r.overrides},
	})
	if err != nil {
		cues.Close()
		cp.Close()
		return err
	}

	r.seq, r.cues, r.cp = seq, cues, cp
	r.finished = make(chan struct{})
	c.acquireWakeLock(ctx, r)

	if err := start(seq); err != nil {
		cues.Close()
		cp.Close()
		c.releaseWakeLock(r)
		return err
	}

	if c.active != nil {
		c.active.seq.Close()
	}
	c.active = r

	runCtx, cancel := context.WithCancel(c.ctx)
	r.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := seq.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error().Err(err).Msgf("lifecycle: tick loop stopped: session=%s", r.id)
		}
	}()
	go c.watch(r)
	return nil
}

// watch finalizes a naturally completed session and releases its resources.
// Aborted sessions are finalized by EndEarly itself.
func (c *Controller) watch(r *run) {
	defer c.wg.Done()
	defer close(r.finished)

	select {
	case <-r.seq.Done():
	case <-c.ctx.Done():
		return
	}

	snap := r.seq.Snapshot()
	snap.Overrides = r.overrides
	if snap.Status == session.StatusCompleted {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		if err := r.cp.Finalize(ctx, snap, c.finalRecord(snap)); err != nil {
			zlog.Error().Err(err).Msgf("lifecycle: failed to finalize completed session: session=%s", r.id)
		}
		cancel()
	}

	r.cancel()
	r.cues.Close()
	r.cp.Close()
	r.powerMu.Lock()
	c.releaseWakeLock(r)
	r.powerMu.Unlock()
	zlog.Info().Msgf("lifecycle: session finished: session=%s status=%s stored_seq=%d", r.id, snap.Status, r.cp.Written())
}

func (c *Controller) visibilityLoop() {
	defer c.wg.Done()
	visibility := c.deps.Platform.Visibility()
	for {
		select {
		case <-c.ctx.Done():
			return
		case visible, ok := <-visibility:
			if !ok {
				return
			}
			c.onVisibility(visible)
		}
	}
}

func (c *Controller) onVisibility(visible bool) {
	r, err := c.current()
	if err != nil {
		return
	}

	r.powerMu.Lock()
	defer r.powerMu.Unlock()

	if !visible {
		if !c.config.AutoPauseOnHidden {
			return
		}
		if err := r.seq.Pause(); err != nil {
			return
		}
		c.mu.Lock()
		r.autoPaused = true
		c.mu.Unlock()
		c.releaseWakeLock(r)
		zlog.Info().Msgf("lifecycle: auto-paused while hidden: session=%s", r.id)
		return
	}

	c.acquireWakeLock(c.ctx, r)
	c.mu.Lock()
	resume := r.autoPaused && c.config.AutoResumeOnVisible
	r.autoPaused = false
	c.mu.Unlock()
	if resume {
		if err := r.seq.Resume(); err == nil {
			zlog.Info().Msgf("lifecycle: auto-resumed on visible: session=%s", r.id)
		}
	}
}

func (c *Controller) acquireWakeLock(ctx context.Context, r *run) {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if c.deps.Platform == nil || r.wakeLocked {
		return
	}
	if err := c.deps.Platform.AcquireWakeLock(ctx); err != nil {
		zlog.Warn().Err(err).Msg("lifecycle: failed to acquire wake lock")
		return
	}
	r.wakeLocked = true
}

func (c *Controller) releaseWakeLock(r *run) {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if c.deps.Platform == nil || !r.wakeLocked {
		return
	}
	if err := c.deps.Platform.ReleaseWakeLock(); err != nil {
		zlog.Warn().Err(err).Msg("lifecycle: failed to release wake lock")
	}
	r.wakeLocked = false
}

func (c *Controller) finalRecord(snap session.Snapshot) session.FinalRecord {
	return session.FinalRecord{
		SessionID:    snap.SessionID,
		DefinitionID: snap.DefinitionID,
		Status:       snap.Status,
		Log:          snap.Log,
		StartedAt:    snap.StartedAt,
		EndedAt:      c.deps.Clock.Now(),
	}
}

// current returns the active session if it has not finished.
func (c *Controller) current() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busyLocked() {
		return nil, ErrNoSession
	}
	return c.active, nil
}

// last returns the active or most recently finished session.
func (c *Controller) last() (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNoSession
	}
	return c.active, nil
}

func (c *Controller) busyLocked() bool {
	if c.active == nil {
		return false
	}
	select {
	case <-c.active.finished:
		return false
	default:
		return true
	}
}

func buildPlan(def exercise.Definition, overrides map[string]exercise.Override, s settings.Settings) (phase.Plan, error) {
	steps, err := exercise.BuildSteps(def, overrides, s)
	if err != nil {
		return phase.Plan{}, errors.Mark(err, phase.ErrConfiguration)
	}
	return phase.Build(steps, s.EffectiveLeadIn())
}

// stamped records the session-start overrides on every checkpoint.
type stamped struct {
	cp        *checkpoint.Checkpointer
	overrides map[string]exercise.Override
}

func (s stamped) Checkpoint(snap session.Snapshot) {
	snap.Overrides = s.overrides
	s.cp.Checkpoint(snap)
}
