// Package sequencer provides the phase state machine that walks a session plan.
package sequencer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/physiocue/internal/app/clock"
	"github.com/osa030/physiocue/internal/app/cue"
	"github.com/osa030/physiocue/internal/app/notification"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
)

// Errors
var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotRunning     = errors.New("session not running")
	ErrNotPaused      = errors.New("session not paused")
	ErrTerminal       = errors.New("session already ended")
)

// Default timings.
const (
	DefaultTickInterval       = 200 * time.Millisecond
	DefaultCheckpointInterval = 15 * time.Second
	DefaultRestartThreshold   = 2 * time.Second
)

// Cues receives cue events. Dispatch must not block.
type Cues interface {
	Enabled(name string) bool
	Dispatch(name string, ctx cue.Context) bool
}

// Checkpointer receives progress snapshots. Checkpoint must not block.
type Checkpointer interface {
	Checkpoint(snap session.Snapshot)
}

// Config holds sequencer configuration.
type Config struct {
	SessionID          string
	DefinitionID       string
	TickInterval       time.Duration // Nominal tick period; never assumed exact
	CheckpointInterval time.Duration // Periodic checkpoint period within a phase
	RestartThreshold   time.Duration // Skip-backward within this of an exercise start goes to the previous one
	WarningLead        time.Duration // Warning cue this long before a rest ends; zero disables
}

// Deps holds the sequencer collaborators. Nil Cues or Checkpointer disable them.
type Deps struct {
	Clock        clockwork.Clock
	Cues         Cues
	Checkpointer Checkpointer
}

// Sequencer walks a phase plan. It is the only writer of the session runtime state;
// observers get View copies.
type Sequencer struct {
	mu sync.Mutex

	plan   phase.Plan
	config Config

	// Collaborators
	src     clockwork.Clock
	clock   *clock.Clock
	cues    Cues
	cp      Checkpointer
	hub     *notification.Hub[View]
	limiter *rate.Limiter

	// Runtime state
	status          session.Status
	index           int
	log             session.Log
	exerciseElapsed time.Duration // Work time from concluded phases of the current exercise
	seq             uint64
	startedAt       time.Time

	// Per-phase cue bookkeeping
	lastCountdown int
	lastTick      int
	warned        bool
	pendingEntry  bool // Entry cues held back because the phase was entered while paused

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a sequencer for plan. An empty plan is a configuration error.
func New(plan phase.Plan, config Config, deps Deps) (*Sequencer, error) {
	if plan.IsEmpty() || plan.ExerciseCount() == 0 {
		return nil, errors.Mark(errors.New("sequencer: plan has no phases"), phase.ErrConfiguration)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = DefaultCheckpointInterval
	}
	if config.RestartThreshold <= 0 {
		config.RestartThreshold = DefaultRestartThreshold
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	return &Sequencer{
		plan:    plan,
		config:  config,
		src:     deps.Clock,
		clock:   clock.New(deps.Clock),
		cues:    deps.Cues,
		cp:      deps.Checkpointer,
		hub:     notification.NewHub[View](),
		limiter: rate.NewLimiter(rate.Every(config.CheckpointInterval), 1),
		status:  session.StatusIdle,
		done:    make(chan struct{}),
	}, nil
}

// Start begins the session at the first phase.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startableLocked(); err != nil {
		return err
	}
	s.status = session.StatusRunning
	s.startedAt = s.src.Now()
	zlog.Info().Msgf("sequencer: session started: session=%s phases=%d total=%v",
		s.config.SessionID, s.plan.Len(), s.plan.TotalDuration())

	s.enterPhaseLocked(0, 0)
	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// StartFrom begins the session at a reconciled resume point.
// Entry cues are replayed only when the phase starts from zero elapsed.
func (s *Sequencer) StartFrom(rp ResumePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startableLocked(); err != nil {
		return err
	}
	if rp.PhaseIndex < 0 || rp.PhaseIndex >= s.plan.Len() {
		return errors.Newf("sequencer: resume phase out of range: index=%d phases=%d", rp.PhaseIndex, s.plan.Len())
	}

	s.status = session.StatusRunning
	if rp.Paused {
		s.status = session.StatusPaused
	}
	s.log = rp.Log.Clone()
	s.seq = rp.Seq
	s.startedAt = rp.StartedAt
	if s.startedAt.IsZero() {
		s.startedAt = s.src.Now()
	}
	zlog.Info().Msgf("sequencer: session resumed: session=%s phase=%d elapsed=%v paused=%t",
		s.config.SessionID, rp.PhaseIndex, rp.Elapsed, rp.Paused)

	s.enterPhaseLocked(rp.PhaseIndex, rp.Elapsed)
	if !s.status.IsTerminal() {
		s.exerciseElapsed = rp.ExerciseElapsed
	}
	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// Pause freezes the current phase. Tones already playing are not cut.
func (s *Sequencer) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != session.StatusRunning {
		return s.statusErrLocked()
	}
	s.clock.Pause()
	s.status = session.StatusPaused
	zlog.Info().Msgf("sequencer: paused: phase=%d elapsed=%v", s.index, s.clock.Elapsed())

	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// Resume continues a paused phase from its frozen elapsed time.
func (s *Sequencer) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != session.StatusPaused {
		if s.status.IsTerminal() {
			return ErrTerminal
		}
		return ErrNotPaused
	}
	if s.pendingEntry {
		s.pendingEntry = false
		s.entryCuesLocked(s.plan.At(s.index))
	}
	s.status = session.StatusRunning
	s.clock.Resume()
	zlog.Info().Msgf("sequencer: resumed: phase=%d elapsed=%v", s.index, s.clock.Elapsed())

	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// SkipForward abandons the current exercise and moves to the next exercise's
// first phase. Work not yet concluded is logged as skipped.
func (s *Sequencer) SkipForward() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked() {
		return s.statusErrLocked()
	}

	ph := s.plan.At(s.index)
	ex := ph.ExerciseIndex
	info := s.plan.Exercise(ex)
	if s.index <= info.LastWorkPhase {
		s.log.Record(session.LogEntry{
			ExerciseIndex:  ex,
			ExerciseID:     info.ID,
			ActualDuration: s.workElapsedLocked(),
			Outcome:        session.OutcomeSkipped,
		})
		zlog.Info().Msgf("sequencer: exercise skipped: index=%d id=%s", ex, info.ID)
	}

	target := s.plan.CompleteIndex()
	if ex+1 < s.plan.ExerciseCount() {
		target = s.plan.Exercise(ex + 1).FirstPhase
	}
	s.enterPhaseLocked(target, 0)
	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// SkipBackward restarts the current exercise, or the previous one when the
// current exercise has only just started.
func (s *Sequencer) SkipBackward() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked() {
		return s.statusErrLocked()
	}

	ex := s.plan.At(s.index).ExerciseIndex
	target := s.plan.Exercise(ex).FirstPhase
	if s.index == target && s.clock.Elapsed() < s.config.RestartThreshold && ex > 0 {
		target = s.plan.Exercise(ex - 1).FirstPhase
	}
	zlog.Info().Msgf("sequencer: skip backward: from=%d to=%d", s.index, target)

	s.enterPhaseLocked(target, 0)
	s.checkpointLocked()
	s.publishLocked()
	return nil
}

// EndEarly aborts the session and returns the terminal snapshot.
// An exercise interrupted mid-work is logged as incomplete.
func (s *Sequencer) EndEarly() (session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked() {
		return session.Snapshot{}, s.statusErrLocked()
	}

	ph := s.plan.At(s.index)
	info := s.plan.Exercise(ph.ExerciseIndex)
	if ph.Type != phase.TypeLeadIn && s.index <= info.LastWorkPhase && !s.log.Has(ph.ExerciseIndex) {
		s.log.Record(session.LogEntry{
			ExerciseIndex:  ph.ExerciseIndex,
			ExerciseID:     info.ID,
			ActualDuration: s.workElapsedLocked(),
			Outcome:        session.OutcomeIncomplete,
		})
	}

	s.clock.Pause()
	s.status = session.StatusAborted
	zlog.Info().Msgf("sequencer: session ended early: phase=%d logged=%d", s.index, s.log.Len())

	snap := s.snapshotLocked()
	s.publishLocked()
	s.finishLocked()
	return snap, nil
}

// Tick reads the clock, raises progress cues and advances on expiry.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != session.StatusRunning {
		return
	}

	r := s.clock.Tick()
	s.progressCuesLocked(r)
	if r.Expired {
		s.advanceLocked()
		s.checkpointLocked()
	} else if s.limiter.AllowN(s.src.Now(), 1) {
		s.checkpointLocked()
	}
	s.publishLocked()
}

// Run drives Tick from a ticker until the session ends or ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("sequencer: panic in tick loop: %v", r)
			err = errors.Newf("sequencer: panic: %v", r)
		}
	}()

	ticker := s.src.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.Chan():
			s.Tick()
		}
	}
}

// View returns the current state projection.
func (s *Sequencer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Snapshot returns a checkpoint of the current state.
func (s *Sequencer) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers an observer. The current view is delivered first.
func (s *Sequencer) Subscribe(buffer int) (<-chan notification.Message[View], string) {
	return s.hub.Subscribe(buffer)
}

// Unsubscribe removes an observer.
func (s *Sequencer) Unsubscribe(id string) {
	s.hub.Unsubscribe(id)
}

// Done is closed when the session completes or is aborted.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Close releases observers. The session state is left as is.
func (s *Sequencer) Close() {
	s.hub.Close()
}

// advanceLocked concludes the current phase and enters the next one.
func (s *Sequencer) advanceLocked() {
	ph := s.plan.At(s.index)
	if ph.Type.IsWork() {
		s.exerciseElapsed += s.clock.Elapsed()
	}

	if s.plan.IsLastWorkPhase(s.index) {
		info := s.plan.Exercise(ph.ExerciseIndex)
		s.log.Record(session.LogEntry{
			ExerciseIndex:  ph.ExerciseIndex,
			ExerciseID:     info.ID,
			ActualDuration: s.exerciseElapsed,
			Outcome:        session.OutcomeCompleted,
		})
		s.cueLocked(cue.ExerciseEnd, ph)
		zlog.Info().Msgf("sequencer: exercise completed: index=%d id=%s duration=%v",
			ph.ExerciseIndex, info.ID, s.exerciseElapsed)
	}

	s.enterPhaseLocked(s.index+1, 0)
}

// enterPhaseLocked moves to phase i. Entry cues are issued before the clock starts.
func (s *Sequencer) enterPhaseLocked(i int, elapsed time.Duration) {
	s.index = i
	s.lastCountdown = math.MaxInt
	s.lastTick = 0
	s.warned = false
	s.pendingEntry = false

	ph := s.plan.At(i)
	if i == s.plan.Exercise(ph.ExerciseIndex).FirstPhase && ph.Type != phase.TypeComplete {
		s.exerciseElapsed = 0
	}
	if ph.Type == phase.TypeComplete {
		s.completeLocked()
		return
	}

	zlog.Debug().Msgf("sequencer: phase entered: index=%d type=%s exercise=%d set=%d rep=%d side=%s duration=%v",
		i, ph.Type, ph.ExerciseIndex, ph.SetIndex, ph.RepIndex, ph.Side, ph.Duration)

	if elapsed == 0 {
		if s.status == session.StatusPaused {
			s.pendingEntry = true
		} else {
			s.entryCuesLocked(ph)
		}
	}

	s.clock.StartAt(ph.Duration, elapsed)
	if s.status == session.StatusPaused {
		s.clock.Pause()
	}
	// Transition checkpoints restart the periodic interval
	s.limiter.AllowN(s.src.Now(), 1)

	if s.status == session.StatusRunning {
		s.progressCuesLocked(s.clock.Tick())
	}
}

func (s *Sequencer) completeLocked() {
	s.index = s.plan.CompleteIndex()
	s.status = session.StatusCompleted
	s.clock.Start(0)
	s.cueLocked(cue.SessionComplete, s.plan.At(s.index))
	zlog.Info().Msgf("sequencer: session completed: session=%s logged=%d", s.config.SessionID, s.log.Len())
	s.finishLocked()
}

func (s *Sequencer) finishLocked() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Sequencer) entryCuesLocked(ph phase.Phase) {
	switch ph.Type {
	case phase.TypeActive:
		if ph.RepIndex == 0 {
			s.cueLocked(cue.ExerciseStart, ph)
		}
	case phase.TypeRepPause:
		s.cueLocked(cue.RepTick, ph)
	case phase.TypeSetRest:
		s.cueLocked(cue.RestTone, ph)
	case phase.TypeExerciseRest:
		s.cueLocked(cue.RestStart, ph)
	}
}

// progressCuesLocked raises the cues tied to the position within a phase.
// Only the latest due cue is raised when ticks arrive late.
func (s *Sequencer) progressCuesLocked(r clock.Reading) {
	ph := s.plan.At(s.index)
	if r.Remaining <= 0 {
		return
	}

	switch {
	case ph.Type == phase.TypeLeadIn:
		n := int(math.Ceil(r.Remaining.Seconds()))
		if n < s.lastCountdown {
			if name, ok := cue.Countdown(n); ok {
				s.lastCountdown = n
				s.cueLocked(name, ph)
			}
		}
	case ph.Type == phase.TypeActive:
		sec := int(r.Elapsed / time.Second)
		if sec > s.lastTick {
			s.lastTick = sec
			s.cueLocked(cue.Tick, ph)
		}
	case ph.Type.IsRest():
		lead := s.config.WarningLead
		if !s.warned && lead > 0 && ph.Duration > lead && r.Remaining <= lead {
			s.warned = true
			s.cueLocked(cue.Warning, ph)
		}
	}
}

func (s *Sequencer) cueLocked(name string, ph phase.Phase) {
	if s.cues == nil || !s.cues.Enabled(name) {
		return
	}
	s.cues.Dispatch(name, cue.Context{
		PhaseIndex:    s.index,
		ExerciseIndex: ph.ExerciseIndex,
		Side:          ph.Side,
		At:            s.src.Now(),
	})
}

// workElapsedLocked returns the exercise's work time including the current phase.
func (s *Sequencer) workElapsedLocked() time.Duration {
	total := s.exerciseElapsed
	if s.plan.At(s.index).Type.IsWork() {
		total += s.clock.Elapsed()
	}
	return total
}

func (s *Sequencer) activeLocked() bool {
	return s.status == session.StatusRunning || s.status == session.StatusPaused
}

func (s *Sequencer) startableLocked() error {
	switch {
	case s.status == session.StatusIdle:
		return nil
	case s.status.IsTerminal():
		return ErrTerminal
	default:
		return ErrAlreadyStarted
	}
}

func (s *Sequencer) statusErrLocked() error {
	switch {
	case s.status.IsTerminal():
		return ErrTerminal
	case s.status == session.StatusIdle:
		return ErrNotStarted
	default:
		return ErrNotRunning
	}
}

func (s *Sequencer) checkpointLocked() {
	if s.cp == nil {
		return
	}
	s.cp.Checkpoint(s.snapshotLocked())
}

func (s *Sequencer) snapshotLocked() session.Snapshot {
	s.seq++
	return session.Snapshot{
		SessionID:           s.config.SessionID,
		DefinitionID:        s.config.DefinitionID,
		PlanFingerprint:     s.plan.Fingerprint(),
		Seq:                 s.seq,
		PhaseIndex:          s.index,
		Status:              s.status,
		Accumulated:         s.clock.Elapsed(),
		ExerciseAccumulated: s.exerciseElapsed,
		Log:                 s.log.Clone(),
		StartedAt:           s.startedAt,
		TakenAt:             s.src.Now(),
	}
}

func (s *Sequencer) publishLocked() {
	s.hub.Publish(s.viewLocked())
}

func (s *Sequencer) viewLocked() View {
	ph := s.plan.At(s.index)
	info := s.plan.Exercise(ph.ExerciseIndex)
	elapsed := s.clock.Elapsed()
	return View{
		SessionID:     s.config.SessionID,
		DefinitionID:  s.config.DefinitionID,
		Status:        s.status,
		PhaseIndex:    s.index,
		PhaseCount:    s.plan.Len(),
		Phase:         ph,
		ExerciseIndex: ph.ExerciseIndex,
		ExerciseCount: s.plan.ExerciseCount(),
		ExerciseID:    info.ID,
		ExerciseName:  info.Name,
		Elapsed:       elapsed,
		Remaining:     ph.Duration - elapsed,
		Log:           s.log.Entries(),
		UpdatedAt:     s.src.Now(),
	}
}
