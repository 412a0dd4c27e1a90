package connect

import (
	"context"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// requestTimeout bounds unary calls made by Client.
const requestTimeout = 15 * time.Second

// Client calls the control service.
type Client struct {
	unary map[string]*connect.Client[structpb.Struct, structpb.Struct]
	watch *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a client for the service at baseURL, authenticating with token.
func NewClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithInterceptors(NewTokenInterceptor(token))}, opts...)

	c := &Client{unary: make(map[string]*connect.Client[structpb.Struct, structpb.Struct])}
	for _, procedure := range []string{
		StartProcedure, ResumeSessionProcedure, ListResumableProcedure,
		PauseProcedure, ResumeProcedure, SkipForwardProcedure, SkipBackwardProcedure,
		EndEarlyProcedure, RefreshSettingsProcedure, GetStateProcedure,
		ListTemplatesProcedure, ListHistoryProcedure, GetHistoryProcedure,
	} {
		c.unary[procedure] = connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	}
	c.watch = connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+WatchStateProcedure, opts...)
	return c
}

// Start starts a session and returns its id. Overrides are keyed by exercise
// id and use the catalog field names.
func (c *Client) Start(ctx context.Context, definitionID string, overrides map[string]any) (string, error) {
	req := map[string]any{"definition_id": definitionID}
	if len(overrides) > 0 {
		req["overrides"] = overrides
	}
	var out struct {
		SessionID string `mapstructure:"session_id"`
	}
	if err := c.call(ctx, StartProcedure, req, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// ResumeSession resumes a checkpointed session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (State, error) {
	var st State
	err := c.call(ctx, ResumeSessionProcedure, map[string]any{"session_id": sessionID}, &st)
	return st, err
}

// Pause pauses the active session.
func (c *Client) Pause(ctx context.Context) (State, error) {
	return c.stateCall(ctx, PauseProcedure)
}

// Resume resumes the active session.
func (c *Client) Resume(ctx context.Context) (State, error) {
	return c.stateCall(ctx, ResumeProcedure)
}

// SkipForward skips the current exercise.
func (c *Client) SkipForward(ctx context.Context) (State, error) {
	return c.stateCall(ctx, SkipForwardProcedure)
}

// SkipBackward restarts the current or previous exercise.
func (c *Client) SkipBackward(ctx context.Context) (State, error) {
	return c.stateCall(ctx, SkipBackwardProcedure)
}

// GetState returns the current session state.
func (c *Client) GetState(ctx context.Context) (State, error) {
	return c.stateCall(ctx, GetStateProcedure)
}

// EndEarly aborts the active session and returns its final record.
func (c *Client) EndEarly(ctx context.Context) (Finished, error) {
	var f Finished
	err := c.call(ctx, EndEarlyProcedure, nil, &f)
	return f, err
}

// RefreshSettings asks the server to re-read settings.
func (c *Client) RefreshSettings(ctx context.Context) error {
	return c.call(ctx, RefreshSettingsProcedure, nil, nil)
}

// ListResumable lists unfinished sessions.
func (c *Client) ListResumable(ctx context.Context) ([]Resumable, error) {
	var out struct {
		Sessions []Resumable `mapstructure:"sessions"`
	}
	err := c.call(ctx, ListResumableProcedure, nil, &out)
	return out.Sessions, err
}

// ListTemplates lists the session catalog.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	var out struct {
		Templates []Template `mapstructure:"templates"`
	}
	err := c.call(ctx, ListTemplatesProcedure, nil, &out)
	return out.Templates, err
}

// ListHistory lists finished sessions, most recent first.
func (c *Client) ListHistory(ctx context.Context, limit int) ([]Finished, error) {
	var out struct {
		Sessions []Finished `mapstructure:"sessions"`
	}
	err := c.call(ctx, ListHistoryProcedure, map[string]any{"limit": limit}, &out)
	return out.Sessions, err
}

// GetHistory returns the final record of one finished session.
func (c *Client) GetHistory(ctx context.Context, sessionID string) (Finished, error) {
	var f Finished
	err := c.call(ctx, GetHistoryProcedure, map[string]any{"session_id": sessionID}, &f)
	return f, err
}

// Watch calls fn with every state update until the session ends, ctx is
// cancelled or the stream fails.
func (c *Client) Watch(ctx context.Context, fn func(State)) error {
	stream, err := c.watch.CallServerStream(ctx, connect.NewRequest(&structpb.Struct{}))
	if err != nil {
		return errors.Wrap(err, "failed to watch state")
	}
	defer stream.Close()

	for stream.Receive() {
		var st State
		if err := decode(stream.Msg().AsMap(), &st); err != nil {
			return err
		}
		fn(st)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "state stream failed")
	}
	return nil
}

func (c *Client) stateCall(ctx context.Context, procedure string) (State, error) {
	var st State
	err := c.call(ctx, procedure, nil, &st)
	return st, err
}

func (c *Client) call(ctx context.Context, procedure string, in map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if in == nil {
		in = map[string]any{}
	}
	msg, err := newStruct(in)
	if err != nil {
		return err
	}
	resp, err := c.unary[procedure].CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp.Msg.AsMap(), out)
}
