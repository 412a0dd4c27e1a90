package connect

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/physiocue/internal/app/checkpoint"
	"github.com/osa030/physiocue/internal/app/lifecycle"
	"github.com/osa030/physiocue/internal/app/notification"
	"github.com/osa030/physiocue/internal/app/sequencer"
	"github.com/osa030/physiocue/internal/domain/exercise"
	"github.com/osa030/physiocue/internal/domain/phase"
	"github.com/osa030/physiocue/internal/domain/session"
	"github.com/osa030/physiocue/internal/infra/catalog"
	"github.com/osa030/physiocue/internal/infra/storage"
)

// ServiceName is the fully qualified control service name.
const ServiceName = "physiocue.v1.ControlService"

// Procedures
const (
	StartProcedure           = "/" + ServiceName + "/Start"
	ResumeSessionProcedure   = "/" + ServiceName + "/ResumeSession"
	ListResumableProcedure   = "/" + ServiceName + "/ListResumable"
	PauseProcedure           = "/" + ServiceName + "/Pause"
	ResumeProcedure          = "/" + ServiceName + "/Resume"
	SkipForwardProcedure     = "/" + ServiceName + "/SkipForward"
	SkipBackwardProcedure    = "/" + ServiceName + "/SkipBackward"
	EndEarlyProcedure        = "/" + ServiceName + "/EndEarly"
	RefreshSettingsProcedure = "/" + ServiceName + "/RefreshSettings"
	GetStateProcedure        = "/" + ServiceName + "/GetState"
	ListTemplatesProcedure   = "/" + ServiceName + "/ListTemplates"
	ListHistoryProcedure     = "/" + ServiceName + "/ListHistory"
	GetHistoryProcedure      = "/" + ServiceName + "/GetHistory"
	WatchStateProcedure      = "/" + ServiceName + "/WatchState"
)

// watchBuffer is the per-stream subscriber buffer.
const watchBuffer = 8

// Controller is the session controller driven by the service.
type Controller interface {
	Start(ctx context.Context, definitionID string, overrides map[string]exercise.Override) (string, error)
	ResumeSession(ctx context.Context, sessionID string) error
	ListResumable(ctx context.Context) ([]session.Snapshot, error)
	Pause() error
	Resume() error
	SkipForward() error
	SkipBackward() error
	EndEarly(ctx context.Context) (session.FinalRecord, error)
	RefreshSettings(ctx context.Context) error
	View() (sequencer.View, error)
	Subscribe(buffer int) (<-chan notification.Message[sequencer.View], string, error)
	Unsubscribe(id string)
	AudioAvailable() bool
	ResumeAvailable() bool
}

// Templates lists the session catalog.
type Templates interface {
	List(ctx context.Context) ([]catalog.Summary, error)
}

// History reads finished sessions.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]session.FinalRecord, error)
	GetSession(ctx context.Context, sessionID string) (session.FinalRecord, error)
}

// ControlService implements the control RPCs over structpb messages.
type ControlService struct {
	ctrl      Controller
	templates Templates
	history   History
}

// NewControlService creates a new ControlService. templates and history may be nil.
func NewControlService(ctrl Controller, templates Templates, history History) *ControlService {
	return &ControlService{
		ctrl:      ctrl,
		templates: templates,
		history:   history,
	}
}

type unaryFunc = func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// NewHandler builds an HTTP handler serving every control procedure and
// returns the path prefix to mount it on.
func NewHandler(svc *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	unary := map[string]unaryFunc{
		StartProcedure:           svc.Start,
		ResumeSessionProcedure:   svc.ResumeSession,
		ListResumableProcedure:   svc.ListResumable,
		PauseProcedure:           svc.command("pause", svc.ctrl.Pause),
		ResumeProcedure:          svc.command("resume", svc.ctrl.Resume),
		SkipForwardProcedure:     svc.command("skip forward", svc.ctrl.SkipForward),
		SkipBackwardProcedure:    svc.command("skip backward", svc.ctrl.SkipBackward),
		EndEarlyProcedure:        svc.EndEarly,
		RefreshSettingsProcedure: svc.RefreshSettings,
		GetStateProcedure:        svc.GetState,
		ListTemplatesProcedure:   svc.ListTemplates,
		ListHistoryProcedure:     svc.ListHistory,
		GetHistoryProcedure:      svc.GetHistory,
	}
	for procedure, fn := range unary {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	mux.Handle(WatchStateProcedure, connect.NewServerStreamHandler(WatchStateProcedure, svc.WatchState, opts...))
	return "/" + ServiceName + "/", mux
}

// Start starts a session from a template.
// Request: {definition_id, overrides?}. Response: {session_id}.
func (s *ControlService) Start(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	fields := req.Msg.AsMap()
	definitionID, _ := fields["definition_id"].(string)
	if definitionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("definition_id is required"))
	}
	overrides, err := decodeOverrides(fields["overrides"])
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	id, err := s.ctrl.Start(ctx, definitionID, overrides)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"session_id": id})
}

// ResumeSession resumes a checkpointed session.
// Request: {session_id}. Response: the session state.
func (s *ControlService) ResumeSession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, _ := req.Msg.AsMap()["session_id"].(string)
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("session_id is required"))
	}
	if err := s.ctrl.ResumeSession(ctx, id); err != nil {
		return nil, toConnectError(err)
	}
	return s.GetState(ctx, req)
}

// ListResumable lists unfinished sessions. Response: {sessions: [...]}.
func (s *ControlService) ListResumable(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	snaps, err := s.ctrl.ListResumable(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	items := make([]Resumable, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, Resumable{
			SessionID:    snap.SessionID,
			DefinitionID: snap.DefinitionID,
			Status:       snap.Status.String(),
			PhaseIndex:   snap.PhaseIndex,
			TakenAt:      formatTime(snap.TakenAt),
		})
	}
	return respond(map[string]any{"sessions": listOf(items, Resumable.toMap)})
}

// command wraps a session command that takes no arguments and answers with
// the resulting state.
func (s *ControlService) command(name string, fn func() error) unaryFunc {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		if err := fn(); err != nil {
			zlog.Debug().Err(err).Msgf("connect: %s rejected", name)
			return nil, toConnectError(err)
		}
		return s.GetState(ctx, req)
	}
}

// EndEarly aborts the session. Response: the final record.
func (s *ControlService) EndEarly(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	rec, err := s.ctrl.EndEarly(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(finishedFromRecord(rec).toMap())
}

// RefreshSettings re-reads settings for the active session.
func (s *ControlService) RefreshSettings(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if err := s.ctrl.RefreshSettings(ctx); err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{})
}

// GetState returns the state of the active or most recent session.
func (s *ControlService) GetState(
	_ context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	v, err := s.ctrl.View()
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(s.state(v, 0).toMap())
}

// ListTemplates lists the session catalog. Response: {templates: [...]}.
func (s *ControlService) ListTemplates(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.templates == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("no catalog configured"))
	}
	list, err := s.templates.List(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	items := make([]Template, 0, len(list))
	for _, t := range list {
		items = append(items, Template{ID: t.ID, Name: t.Name, ExerciseCount: t.ExerciseCount})
	}
	return respond(map[string]any{"templates": listOf(items, Template.toMap)})
}

// ListHistory lists finished sessions. Request: {limit?}. Response: {sessions: [...]}.
func (s *ControlService) ListHistory(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.history == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("no history configured"))
	}
	var in struct {
		Limit int `mapstructure:"limit"`
	}
	if err := decode(req.Msg.AsMap(), &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	recs, err := s.history.ListSessions(ctx, in.Limit)
	if err != nil {
		return nil, toConnectError(err)
	}
	items := make([]Finished, 0, len(recs))
	for _, rec := range recs {
		items = append(items, finishedFromRecord(rec))
	}
	return respond(map[string]any{"sessions": listOf(items, Finished.toMap)})
}

// GetHistory returns one finished session. Request: {session_id}. Response: the final record.
func (s *ControlService) GetHistory(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.history == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("no history configured"))
	}
	id, _ := req.Msg.AsMap()["session_id"].(string)
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("session_id is required"))
	}
	rec, err := s.history.GetSession(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(finishedFromRecord(rec).toMap())
}

// WatchState streams state updates until the session ends or the client goes away.
func (s *ControlService) WatchState(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	ch, id, err := s.ctrl.Subscribe(watchBuffer)
	if err != nil {
		return toConnectError(err)
	}
	defer s.ctrl.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			st := s.state(msg.Value, msg.SequenceNo)
			out, err := newStruct(st.toMap())
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			if err := stream.Send(out); err != nil {
				return err
			}
			if msg.Value.Status.IsTerminal() {
				return nil
			}
		}
	}
}

func (s *ControlService) state(v sequencer.View, seq uint64) State {
	return stateFromView(v, seq, s.ctrl.AudioAvailable(), s.ctrl.ResumeAvailable())
}

func respond(m map[string]any) (*connect.Response[structpb.Struct], error) {
	out, err := newStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// toConnectError maps domain errors to RPC codes.
func toConnectError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, phase.ErrConfiguration):
		code = connect.CodeInvalidArgument
	case errors.Is(err, lifecycle.ErrSessionActive):
		code = connect.CodeAlreadyExists
	case errors.Is(err, lifecycle.ErrNoCheckpoint),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, lifecycle.ErrNoSession),
		errors.Is(err, checkpoint.ErrStaleResumeState),
		errors.Is(err, sequencer.ErrNotStarted),
		errors.Is(err, sequencer.ErrAlreadyStarted),
		errors.Is(err, sequencer.ErrNotRunning),
		errors.Is(err, sequencer.ErrNotPaused),
		errors.Is(err, sequencer.ErrTerminal):
		code = connect.CodeFailedPrecondition
	}
	if code == connect.CodeInternal {
		zlog.Error().Err(err).Msg("connect: internal error")
	}
	return connect.NewError(code, err)
}
