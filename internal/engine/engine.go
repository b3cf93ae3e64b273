// Package engine runs chat completions: it validates requests, claims the
// session, drives the provider in streaming or non-streaming mode, runs the
// tool loop, and finalizes session accounting.
//
// DESIGN: A completion advances Pending -> Dispatched -> {Streaming |
// Completed} -> Terminal(Succeeded | Failed | Cancelled). The run context is
// detached from the HTTP request context: a vanished client cancels chunk
// delivery, not session finalization. EndRun fires exactly once per
// completion, on every path, via the run's finalizer.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/mcp"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/project"
	"github.com/agentdeck/chat-gateway/internal/provider"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// State is a completion's lifecycle position.
type State int32

const (
	StatePending State = iota
	StateDispatched
	StateStreaming
	StateCompleted
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Request is one completion request against an existing session.
type Request struct {
	SessionID   string
	Messages    []session.Message // New turns, appended before dispatch
	Stream      bool
	MaxTokens   int
	Temperature *float32
}

// Chunk is one streaming increment delivered to the transport layer.
// Indexes are strictly monotonic within a completion. The terminal chunk
// carries FinishReason (or Err) and nothing else follows it.
type Chunk struct {
	Index        int
	Delta        string
	FinishReason string
	Err          error
}

// Result is a finished non-streaming completion.
type Result struct {
	Content      string
	FinishReason string
	Usage        session.Usage
	Cost         float64
}

// Handle identifies one completion in flight.
type Handle struct {
	ID        string
	SessionID string
	Model     string
	Created   int64
	Chunks    <-chan Chunk // Non-nil only for streaming completions
	Result    Result       // Populated before Complete returns, non-streaming only

	state atomicState
}

// State returns the completion's current lifecycle state.
func (h *Handle) State() State { return h.state.load() }

// Notifier receives completion and tool lifecycle events. Implementations
// must not block; all methods may be called concurrently.
type Notifier interface {
	CompletionStarted(sessionID, model string, stream bool)
	CompletionFinished(sessionID, model string, state State, usage session.Usage, cost float64, elapsed time.Duration)
	ToolExecuted(sessionID, serverID, tool string, success bool, elapsed time.Duration)
}

// Options wires an Engine.
type Options struct {
	Sessions   *session.Store
	Models     *models.Registry
	Providers  *provider.Registry
	Dispatcher *mcp.Dispatcher // nil disables tool use
	Projects   *project.Store
	UserScope  *session.ToolConfig
	Config     config.EngineConfig
	Notifier   Notifier // nil disables notifications
}

// Engine executes chat completions.
type Engine struct {
	sessions   *session.Store
	models     *models.Registry
	providers  *provider.Registry
	dispatcher *mcp.Dispatcher
	projects   *project.Store
	userScope  *session.ToolConfig
	cfg        config.EngineConfig
	notifier   Notifier
	est        tokenEstimator
}

// New builds an engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = config.DefaultMaxToolDepth
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = config.DefaultStreamIdleTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = config.DefaultRetryBackoff
	}
	return &Engine{
		sessions:   opts.Sessions,
		models:     opts.Models,
		providers:  opts.Providers,
		dispatcher: opts.Dispatcher,
		projects:   opts.Projects,
		userScope:  opts.UserScope,
		cfg:        cfg,
		notifier:   opts.Notifier,
	}
}

// Complete starts one completion. Non-streaming requests block until the
// turn finishes and return the result on the handle. Streaming requests
// return immediately; chunks arrive on Handle.Chunks.
//
// A second completion on a busy session fails with Conflict before any
// session state changes.
func (e *Engine) Complete(ctx context.Context, req Request) (*Handle, error) {
	if len(req.Messages) == 0 {
		return nil, apierror.Validation("at least one message is required")
	}
	for _, m := range req.Messages {
		if m.Role != session.RoleUser && m.Role != session.RoleSystem {
			return nil, apierror.Validation("new messages must have role user or system, got %q", m.Role)
		}
	}

	sess, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	desc, err := e.models.Get(sess.Model)
	if err != nil {
		return nil, err
	}
	if req.Stream && !desc.SupportsStreaming {
		return nil, apierror.UnsupportedMode("model " + desc.ID + " does not support streaming")
	}

	// Detach from the caller's context: client disconnect must not abort
	// session finalization. The cancel func is handed to the session store
	// so Cancel/Delete can stop the run.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)

	if err := e.sessions.BeginRun(req.SessionID, cancel); err != nil {
		cancel()
		return nil, err
	}
	if err := e.sessions.Append(req.SessionID, req.Messages...); err != nil {
		e.sessions.EndRun(req.SessionID, session.Usage{}, 0)
		cancel()
		return nil, err
	}
	history, err := e.sessions.History(req.SessionID)
	if err != nil {
		e.sessions.EndRun(req.SessionID, session.Usage{}, 0)
		cancel()
		return nil, err
	}

	h := &Handle{
		ID:        newCompletionID(),
		SessionID: sess.ID,
		Model:     sess.Model,
		Created:   time.Now().Unix(),
	}
	r := &run{
		e:       e,
		handle:  h,
		sess:    sess,
		desc:    desc,
		req:     req,
		history: history,
		cancel:  cancel,
		started: time.Now(),
	}
	if e.notifier != nil {
		e.notifier.CompletionStarted(sess.ID, sess.Model, req.Stream)
	}

	if !req.Stream {
		result, err := r.blocking(runCtx)
		if err != nil {
			return nil, err
		}
		h.Result = result
		return h, nil
	}

	chunks := make(chan Chunk, config.DefaultBufferSize/256)
	h.Chunks = chunks
	go r.stream(runCtx, chunks)
	return h, nil
}

// Cancel stops the session's in-flight completion, if any.
func (e *Engine) Cancel(sessionID string) error {
	return e.sessions.Cancel(sessionID)
}

// scope assembles the three tool configuration layers for a session.
func (e *Engine) scope(sess session.Session) mcp.Scope {
	s := mcp.Scope{Session: sess.Tools, User: e.userScope}
	if e.projects != nil && sess.ProjectID != "" {
		s.Project = e.projects.ToolConfig(sess.ProjectID)
	}
	return s
}

// newCompletionID mirrors the OpenAI id shape: "chatcmpl-" + 29 hex chars.
func newCompletionID() string {
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "chatcmpl-" + hex[:29]
}

// classify maps a provider failure onto the wire error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return apierror.Cancelled("completion cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() == context.DeadlineExceeded {
			return apierror.Upstream("completion timed out")
		}
		return apierror.Upstream("upstream timed out")
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if status, ok := provider.StatusCode(err); ok && status >= 500 {
		return apierror.UpstreamUnavailable(err.Error())
	}
	return apierror.Upstream(err.Error())
}

type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) load() State { return State(a.v.Load()) }

func (a *atomicState) store(s State) { a.v.Store(int32(s)) }
