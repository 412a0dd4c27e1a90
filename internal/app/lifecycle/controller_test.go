package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/physiocue/internal/app/checkpoint"
	"github.com/osa030/physiocue/internal/app/tone"
	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
	"github.com/osa030/physiocue/internal/domain/settings"
	"github.com/osa030/physiocue/internal/infra/storage"
)

var errUnknownDefinition = errors.New("unknown definition")

type fakeCatalog struct {
	defs map[string]exercise.Definition
}

func (f *fakeCatalog) GetSessionDefinition(_ context.Context, id string) (exercise.Definition, error) {
	def, ok := f.defs[id]
	if !ok {
		return exercise.Definition{}, errUnknownDefinition
	}
	return def, nil
}

type fakeSettings struct {
	mu sync.Mutex
	s  settings.Settings
}

func (f *fakeSettings) Snapshot(context.Context) (settings.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, nil
}

func (f *fakeSettings) set(s settings.Settings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s = s
}

type fakePlatform struct {
	mu       sync.Mutex
	acquired int
	released int
	held     bool
	visible  chan bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{visible: make(chan bool)}
}

func (f *fakePlatform) AcquireWakeLock(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	f.held = true
	return nil
}

func (f *fakePlatform) ReleaseWakeLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	f.held = false
	return nil
}

func (f *fakePlatform) Visibility() <-chan bool {
	return f.visible
}

func (f *fakePlatform) state() (acquired, released int, held bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released, f.held
}

type silentPlayer struct {
	mu    sync.Mutex
	tones int
}

func (p *silentPlayer) Play(tone.Tone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tones++
	return nil
}

func definitions() map[string]exercise.Definition {
	rest := 5.0
	return map[string]exercise.Definition{
		"knee": {
			ID:   "knee",
			Name: "Knee rehab",
			Exercises: []exercise.Exercise{
				{ID: "wall-sit", Name: "Wall sit", Kind: exercise.KindDuration, DurationSeconds: 30, Sets: 1, SideMode: exercise.SideNone, RestAfterSeconds: &rest},
				{ID: "heel-slide", Name: "Heel slide", Kind: exercise.KindReps, Reps: 3, Sets: 2, RepDurationSeconds: 2, SideMode: exercise.SideNone},
			},
		},
		"short": {
			ID: "short",
			Exercises: []exercise.Exercise{
				{ID: "hold", Kind: exercise.KindDuration, DurationSeconds: 2, Sets: 1, SideMode: exercise.SideNone},
			},
		},
		"broken": {
			ID: "broken",
			Exercises: []exercise.Exercise{
				{ID: "squat", Kind: exercise.KindReps, Reps: 0, Sets: 1, SideMode: exercise.SideNone},
			},
		},
		"empty": {ID: "empty"},
	}
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *storage.Memory
	platform *fakePlatform
	settings *fakeSettings
	catalog  *fakeCatalog
	player   *silentPlayer
}

func newHarness() *harness {
	s := settings.Default()
	s.LeadInEnabled = false
	return &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		store:    storage.NewMemory(),
		platform: newFakePlatform(),
		settings: &fakeSettings{s: s},
		catalog:  &fakeCatalog{defs: definitions()},
		player:   &silentPlayer{},
	}
}

func (h *harness) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	c := New(cfg, Deps{
		Catalog:  h.catalog,
		Settings: h.settings,
		Store:    h.store,
		Platform: h.platform,
		Player:   h.player,
		Clock:    h.clock,
	})
	t.Cleanup(c.Close)
	return c
}

func statusOf(t *testing.T, c *Controller) session.Status {
	t.Helper()
	v, err := c.View()
	require.NoError(t, err)
	return v.Status
}

func TestController_NoSession(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})

	assert.ErrorIs(t, c.Pause(), ErrNoSession)
	assert.ErrorIs(t, c.Resume(), ErrNoSession)
	assert.ErrorIs(t, c.SkipForward(), ErrNoSession)
	assert.ErrorIs(t, c.SkipBackward(), ErrNoSession)
	_, err := c.EndEarly(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = c.View()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.True(t, c.AudioAvailable())
	assert.True(t, c.ResumeAvailable())
}

func TestController_StartErrors(t *testing.T) {
	tests := []struct {
		name       string
		definition string
		overrides  map[string]exercise.Override
		want       error
	}{
		{name: "unknown definition", definition: "missing", want: errUnknownDefinition},
		{name: "invalid exercise", definition: "broken", want: phase.ErrConfiguration},
		{name: "empty template", definition: "empty", want: phase.ErrConfiguration},
		{
			name:       "override for unknown exercise",
			definition: "knee",
			overrides:  map[string]exercise.Override{"lunge": {}},
			want:       phase.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.controller(t, Config{})

			_, err := c.Start(context.Background(), tt.definition, tt.overrides)
			assert.ErrorIs(t, err, tt.want)

			acquired, _, _ := h.platform.state()
			assert.Zero(t, acquired)
		})
	}
}

func TestController_StartPauseEndEarly(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})
	ctx := context.Background()

	id, err := c.Start(ctx, "knee", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, session.StatusRunning, statusOf(t, c))

	_, err = c.Start(ctx, "knee", nil)
	assert.ErrorIs(t, err, ErrSessionActive)

	acquired, _, held := h.platform.state()
	assert.Equal(t, 1, acquired)
	assert.True(t, held)

	require.NoError(t, c.Pause())
	assert.Equal(t, session.StatusPaused, statusOf(t, c))
	require.NoError(t, c.Resume())
	assert.Equal(t, session.StatusRunning, statusOf(t, c))

	rec, err := c.EndEarly(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, rec.SessionID)
	assert.Equal(t, session.StatusAborted, rec.Status)
	assert.Equal(t, "knee", rec.DefinitionID)

	stored, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAborted, stored.Status)

	_, released, held := h.platform.state()
	assert.Equal(t, 1, released)
	assert.False(t, held)

	done, err := c.Done()
	require.NoError(t, err)
	select {
	case <-done:
	default:
		t.Fatal("session not finished after EndEarly")
	}

	// The finished session stays observable and a new one may start.
	assert.Equal(t, session.StatusAborted, statusOf(t, c))
	assert.ErrorIs(t, c.Pause(), ErrNoSession)
	_, err = c.Start(ctx, "knee", nil)
	require.NoError(t, err)
}

func TestController_EndEarlyRecordsIncomplete(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})
	ctx := context.Background()

	_, err := c.Start(ctx, "knee", nil)
	require.NoError(t, err)
	require.NoError(t, c.SkipForward())

	rec, err := c.EndEarly(ctx)
	require.NoError(t, err)

	first, ok := rec.Log.Get(0)
	require.True(t, ok)
	assert.Equal(t, session.OutcomeSkipped, first.Outcome)
	second, ok := rec.Log.Get(1)
	require.True(t, ok)
	assert.Equal(t, session.OutcomeIncomplete, second.Outcome)
	assert.Zero(t, second.ActualDuration)
}

func TestController_NaturalCompletion(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})
	ctx := context.Background()

	id, err := c.Start(ctx, "short", nil)
	require.NoError(t, err)
	done, err := c.Done()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.clock.Advance(500 * time.Millisecond)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, session.StatusCompleted, statusOf(t, c))

	rec, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, rec.Status)
	entry, ok := rec.Log.Get(0)
	require.True(t, ok)
	assert.Equal(t, session.OutcomeCompleted, entry.Outcome)

	open, err := c.ListResumable(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, released, held := h.platform.state()
	assert.Equal(t, 1, released)
	assert.False(t, held)
}

func TestController_CloseAndResume(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := New(Config{TickInterval: 100 * time.Millisecond}, Deps{
		Catalog:  h.catalog,
		Settings: h.settings,
		Store:    h.store,
		Platform: h.platform,
		Player:   h.player,
		Clock:    h.clock,
	})
	id, err := first.Start(ctx, "knee", nil)
	require.NoError(t, err)
	require.NoError(t, first.SkipForward())
	first.Close()

	_, _, held := h.platform.state()
	assert.False(t, held)

	c := h.controller(t, Config{})
	open, err := c.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].SessionID)
	assert.Equal(t, session.StatusPaused, open[0].Status)

	require.NoError(t, c.ResumeSession(ctx, id))
	v, err := c.View()
	require.NoError(t, err)
	assert.Equal(t, id, v.SessionID)
	assert.Equal(t, session.StatusPaused, v.Status)
	assert.Equal(t, "heel-slide", v.ExerciseID)
	entry, ok := session.NewLog(v.Log...).Get(0)
	require.True(t, ok)
	assert.Equal(t, session.OutcomeSkipped, entry.Outcome)

	require.NoError(t, c.Resume())
	assert.Equal(t, session.StatusRunning, statusOf(t, c))
}

func TestController_ResumeErrors(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	require.NoError(t, h.store.SaveCheckpoint(ctx, session.Snapshot{
		SessionID:       "stale",
		DefinitionID:    "knee",
		PlanFingerprint: "edited-since",
		Seq:             3,
		Status:          session.StatusPaused,
	}))
	require.NoError(t, h.store.SaveCheckpoint(ctx, session.Snapshot{
		SessionID:    "gone",
		DefinitionID: "empty",
		Seq:          1,
		Status:       session.StatusPaused,
	}))

	c := h.controller(t, Config{})

	assert.ErrorIs(t, c.ResumeSession(ctx, "missing"), ErrNoCheckpoint)
	assert.ErrorIs(t, c.ResumeSession(ctx, "stale"), checkpoint.ErrStaleResumeState)
	assert.ErrorIs(t, c.ResumeSession(ctx, "gone"), checkpoint.ErrStaleResumeState)

	_, err := c.View()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestController_Visibility(t *testing.T) {
	tests := []struct {
		name        string
		config       Config
		manualPause  bool
		resumeHidden bool
		wantHidden   session.Status
		wantVisible  session.Status
	}{
		{
			name:        "auto pause and resume",
			config:      Config{AutoPauseOnHidden: true, AutoResumeOnVisible: true},
			wantHidden:  session.StatusPaused,
			wantVisible: session.StatusRunning,
		},
		{
			name:        "auto pause only",
			config:      Config{AutoPauseOnHidden: true},
			wantHidden:  session.StatusPaused,
			wantVisible: session.StatusPaused,
		},
		{
			name:        "disabled",
			config:      Config{},
			wantHidden:  session.StatusRunning,
			wantVisible: session.StatusRunning,
		},
		{
			name:        "manual pause is kept",
			config:      Config{AutoPauseOnHidden: true, AutoResumeOnVisible: true},
			manualPause: true,
			wantHidden:  session.StatusPaused,
			wantVisible: session.StatusPaused,
		},
		{
			name:         "manual resume while hidden",
			config:       Config{AutoPauseOnHidden: true},
			resumeHidden: true,
			wantHidden:   session.StatusRunning,
			wantVisible:  session.StatusRunning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.controller(t, tt.config)

			_, err := c.Start(context.Background(), "knee", nil)
			require.NoError(t, err)
			if tt.manualPause {
				require.NoError(t, c.Pause())
			}

			h.platform.visible <- false
			if tt.resumeHidden {
				require.Eventually(t, func() bool {
					_, _, held := h.platform.state()
					return !held && statusOf(t, c) == session.StatusPaused
				}, time.Second, 5*time.Millisecond)
				require.NoError(t, c.Resume())
				_, _, held := h.platform.state()
				assert.True(t, held, "resumed session must hold the wake lock")
			}
			require.Eventually(t, func() bool {
				return statusOf(t, c) == tt.wantHidden
			}, time.Second, 5*time.Millisecond)

			h.platform.visible <- true
			require.Eventually(t, func() bool {
				_, _, held := h.platform.state()
				return held && statusOf(t, c) == tt.wantVisible
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestController_RefreshSettings(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})

	assert.ErrorIs(t, c.RefreshSettings(context.Background()), ErrNoSession)

	_, err := c.Start(context.Background(), "knee", nil)
	require.NoError(t, err)

	muted := settings.Default()
	muted.MasterVolume = 0
	h.settings.set(muted)
	require.NoError(t, c.RefreshSettings(context.Background()))
}

func TestController_Subscribe(t *testing.T) {
	h := newHarness()
	c := h.controller(t, Config{})

	_, _, err := c.Subscribe(1)
	assert.ErrorIs(t, err, ErrNoSession)

	id, err := c.Start(context.Background(), "knee", nil)
	require.NoError(t, err)

	ch, sub, err := c.Subscribe(4)
	require.NoError(t, err)
	defer c.Unsubscribe(sub)

	select {
	case msg := <-ch:
		assert.Equal(t, id, msg.Value.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no initial state")
	}

	require.NoError(t, c.Pause())
	require.Eventually(t, func() bool {
		select {
		case msg := <-ch:
			return msg.Value.Status == session.StatusPaused
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
