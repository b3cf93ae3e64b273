package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/mcp"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/provider"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// run is one completion execution. It owns session finalization: finalize
// runs exactly once and performs the EndRun, whatever path ended the run.
type run struct {
	e       *Engine
	handle  *Handle
	sess    session.Session
	desc    models.Descriptor
	req     Request
	history []session.Message
	cancel  context.CancelFunc
	started time.Time

	usage    session.Usage
	sawUsage bool
	output   strings.Builder // All assistant text produced this run
	tools    []mcp.EnabledTool
}

// finalize releases the session and reports the terminal state. Usage falls
// back to a tokenizer estimate when no provider call reported any.
func (r *run) finalize(state State) {
	r.cancel()

	if !r.sawUsage {
		in := r.e.est.countMessages(r.sess.SystemPrompt, r.history)
		out := r.e.est.countText(r.output.String())
		r.usage = session.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	}
	cost := r.desc.Cost(r.usage.InputTokens, r.usage.OutputTokens)

	r.e.sessions.EndRun(r.sess.ID, r.usage, cost)
	r.handle.state.store(state)

	elapsed := time.Since(r.started)
	log.Info().
		Str("session_id", r.sess.ID).
		Str("model", r.sess.Model).
		Str("state", state.String()).
		Int("total_tokens", r.usage.TotalTokens).
		Float64("cost_usd", cost).
		Dur("elapsed", elapsed).
		Msg("completion finished")

	if r.e.notifier != nil {
		r.e.notifier.CompletionFinished(r.sess.ID, r.sess.Model, state, r.usage, cost, elapsed)
	}
}

func (r *run) addUsage(u provider.Usage) {
	if u.TotalTokens == 0 && u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	r.sawUsage = true
	r.usage.Add(session.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	})
}

// record appends a message to both the session store and the local history
// used for the next provider call.
func (r *run) record(msg session.Message) {
	r.history = append(r.history, msg)
	if err := r.e.sessions.Append(r.sess.ID, msg); err != nil {
		// Session deleted mid-run; keep going, finalize is a no-op there too.
		log.Debug().Err(err).Str("session_id", r.sess.ID).Msg("append after delete")
	}
}

func (r *run) providerRequest() provider.Request {
	preq := provider.Request{
		Model:       r.desc.ID,
		System:      r.sess.SystemPrompt,
		Messages:    r.history,
		MaxTokens:   r.req.MaxTokens,
		Temperature: r.req.Temperature,
	}
	for _, t := range r.tools {
		preq.Tools = append(preq.Tools, provider.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return preq
}

func (r *run) loadTools(ctx context.Context) {
	if r.e.dispatcher == nil || !r.desc.SupportsTools {
		return
	}
	r.tools = r.e.dispatcher.EnabledTools(ctx, r.e.scope(r.sess))
}

// serverFor maps a model-requested tool name back to the serving server.
func (r *run) serverFor(name string) (string, bool) {
	for _, t := range r.tools {
		if t.Name == name {
			return t.ServerID, true
		}
	}
	return "", false
}

// runTools executes the turn's tool calls and records one tool-result
// message per call. Failures become result data; they never abort the turn.
func (r *run) runTools(ctx context.Context, calls []session.ToolCall) {
	for _, call := range calls {
		content := r.runTool(ctx, call)
		r.record(session.Message{
			Role:       session.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}
}

func (r *run) runTool(ctx context.Context, call session.ToolCall) string {
	serverID, ok := r.serverFor(call.Name)
	if !ok {
		return toolErrorPayload(mcp.KindToolNotEnabled, "tool "+call.Name+" is not enabled")
	}

	start := time.Now()
	res, err := r.e.dispatcher.Execute(ctx, mcp.ExecRequest{
		SessionID: r.sess.ID,
		ServerID:  serverID,
		Tool:      call.Name,
		Args:      call.Args,
		Scope:     r.e.scope(r.sess),
	})
	if r.e.notifier != nil {
		r.e.notifier.ToolExecuted(r.sess.ID, serverID, call.Name, err == nil, time.Since(start))
	}
	if err != nil {
		var dispErr *mcp.DispatchError
		if errors.As(err, &dispErr) {
			return toolErrorPayload(dispErr.Kind, dispErr.Message)
		}
		return toolErrorPayload(mcp.KindExecutionError, err.Error())
	}
	return string(res.Output.Encode())
}

func toolErrorPayload(kind, message string) string {
	payload := struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}{}
	payload.Error.Kind = kind
	payload.Error.Message = message
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"error":{"kind":"execution_error","message":"unencodable tool error"}}`
	}
	return string(data)
}

// blocking drives a non-streaming completion to its terminal state.
func (r *run) blocking(ctx context.Context) (Result, error) {
	p, err := r.e.providers.Get(r.desc.Provider)
	if err != nil {
		r.finalize(StateFailed)
		return Result{}, err
	}
	r.handle.state.store(StateDispatched)
	r.loadTools(ctx)

	depth := 0
	for {
		res, err := r.callWithRetry(ctx, p)
		if err != nil {
			classified := classify(ctx, err)
			if apierror.Is(classified, apierror.CodeCancelled) {
				r.finalize(StateCancelled)
			} else {
				r.finalize(StateFailed)
			}
			return Result{}, classified
		}

		r.addUsage(res.Usage)
		r.output.WriteString(res.Content)
		r.record(session.Message{
			Role:      session.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})

		if res.FinishReason != provider.FinishToolCalls || len(res.ToolCalls) == 0 {
			r.handle.state.store(StateCompleted)
			r.finalize(StateSucceeded)
			// finalize may have substituted an estimate; report what the
			// session was billed.
			return Result{
				Content:      res.Content,
				FinishReason: res.FinishReason,
				Usage:        r.usage,
				Cost:         r.desc.Cost(r.usage.InputTokens, r.usage.OutputTokens),
			}, nil
		}

		depth++
		if depth > r.e.cfg.MaxToolDepth {
			r.finalize(StateFailed)
			return Result{}, apierror.Internal("tool call depth exceeded limit")
		}
		r.runTools(ctx, res.ToolCalls)
	}
}

// callWithRetry performs one provider call with a single retry on transient
// failure. Streaming never retries; a broken stream is terminal.
func (r *run) callWithRetry(ctx context.Context, p provider.Provider) (provider.Result, error) {
	res, err := p.Complete(ctx, r.providerRequest())
	if err == nil || !provider.Transient(err) {
		return res, err
	}

	log.Warn().Err(err).Str("session_id", r.sess.ID).Msg("transient upstream failure, retrying once")
	select {
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	case <-time.After(r.e.cfg.RetryBackoff):
	}
	return p.Complete(ctx, r.providerRequest())
}

// stream drives a streaming completion, forwarding chunks to out. The
// channel closes after the terminal chunk; the client reading the channel
// may disappear at any time without affecting finalization.
func (r *run) stream(ctx context.Context, out chan<- Chunk) {
	defer close(out)

	emit := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-time.After(r.e.cfg.StreamIdleTimeout):
			// Receiver stopped draining; the run still finalizes.
			return false
		}
	}

	p, err := r.e.providers.Get(r.desc.Provider)
	if err != nil {
		r.finalize(StateFailed)
		emit(Chunk{Err: err})
		return
	}
	r.handle.state.store(StateDispatched)
	r.loadTools(ctx)

	idx := 0
	depth := 0
	for {
		events, err := p.Stream(ctx, r.providerRequest())
		if err != nil {
			classified := classify(ctx, err)
			r.finalize(StateFailed)
			emit(Chunk{Err: classified})
			return
		}
		r.handle.state.store(StateStreaming)

		turn, streamErr := r.drainTurn(ctx, events, &idx, emit)
		if streamErr != nil {
			// Keep whatever the model said before the break.
			if turn.content != "" {
				r.record(session.Message{
					Role:      session.RoleAssistant,
					Content:   turn.content,
					Truncated: true,
				})
			}
			if apierror.Is(streamErr, apierror.CodeCancelled) {
				r.finalize(StateCancelled)
				emit(Chunk{Index: idx, FinishReason: "cancelled"})
			} else {
				r.finalize(StateFailed)
				emit(Chunk{Err: streamErr})
			}
			return
		}

		r.record(session.Message{
			Role:      session.RoleAssistant,
			Content:   turn.content,
			ToolCalls: turn.toolCalls,
		})

		if turn.finishReason != provider.FinishToolCalls || len(turn.toolCalls) == 0 {
			r.finalize(StateSucceeded)
			emit(Chunk{Index: idx, FinishReason: turn.finishReason})
			return
		}

		depth++
		if depth > r.e.cfg.MaxToolDepth {
			r.finalize(StateFailed)
			emit(Chunk{Err: apierror.Internal("tool call depth exceeded limit")})
			return
		}
		r.runTools(ctx, turn.toolCalls)
	}
}

// turnResult is what one provider stream produced.
type turnResult struct {
	content      string
	toolCalls    []session.ToolCall
	finishReason string
}

// drainTurn consumes one provider stream, forwarding text deltas as chunks.
// It enforces the idle timeout between upstream events.
func (r *run) drainTurn(ctx context.Context, events <-chan provider.Event, idx *int, emit func(Chunk) bool) (turnResult, error) {
	var turn turnResult
	var content strings.Builder

	idle := time.NewTimer(r.e.cfg.StreamIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-idle.C:
			turn.content = content.String()
			return turn, apierror.Upstream("stream idle timeout exceeded")

		case ev, ok := <-events:
			if !ok {
				// Closed without a terminal event; treat as a clean stop.
				turn.content = content.String()
				if turn.finishReason == "" {
					turn.finishReason = provider.FinishStop
				}
				return turn, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.e.cfg.StreamIdleTimeout)

			switch {
			case ev.Err != nil:
				turn.content = content.String()
				return turn, classify(ctx, ev.Err)
			case ev.Text != "":
				content.WriteString(ev.Text)
				r.output.WriteString(ev.Text)
				emit(Chunk{Index: *idx, Delta: ev.Text})
				*idx++
			case ev.ToolCall != nil:
				turn.toolCalls = append(turn.toolCalls, *ev.ToolCall)
			case ev.Usage != nil:
				r.addUsage(*ev.Usage)
			case ev.FinishReason != "":
				turn.content = content.String()
				turn.finishReason = ev.FinishReason
				return turn, nil
			}
		}
	}
}
