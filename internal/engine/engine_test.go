package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/jsonval"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/provider"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// fakeProvider scripts one or more turns. Each turn is returned once, in
// order, for both Complete and Stream.
type fakeProvider struct {
	mu    sync.Mutex
	turns []provider.Result
	calls int

	// lastRequest captures the request of the most recent call.
	lastRequest provider.Request

	// block, when set, makes Stream emit one delta and then wait for ctx
	// cancellation before closing the channel.
	block bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) next(req provider.Request) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	res := f.turns[f.calls]
	f.calls++
	return res
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Complete(ctx context.Context, req provider.Request) (provider.Result, error) {
	return f.next(req), nil
}

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	res := f.next(req)
	out := make(chan provider.Event, 16)
	go func() {
		defer close(out)
		out <- provider.Event{Text: res.Content}
		if f.block {
			<-ctx.Done()
			out <- provider.Event{Err: ctx.Err()}
			return
		}
		for i := range res.ToolCalls {
			out <- provider.Event{ToolCall: &res.ToolCalls[i]}
		}
		out <- provider.Event{Usage: &res.Usage}
		out <- provider.Event{FinishReason: res.FinishReason}
	}()
	return out, nil
}

// failingProvider fails n times before delegating to inner.
type failingProvider struct {
	inner    provider.Provider
	failures int
	err      error
}

func (f *failingProvider) Name() string { return "failing" }

func (f *failingProvider) Complete(ctx context.Context, req provider.Request) (provider.Result, error) {
	if f.failures > 0 {
		f.failures--
		return provider.Result{}, f.err
	}
	return f.inner.Complete(ctx, req)
}

func (f *failingProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.inner.Stream(ctx, req)
}

func testCatalog() *models.Registry {
	r, err := models.NewRegistry([]models.Descriptor{
		{
			ID: "test-model", Provider: "fake",
			ContextWindow: 8192, SupportsStreaming: true, SupportsTools: true,
			Pricing: models.Pricing{InputPerMTok: 1, OutputPerMTok: 2},
		},
		{
			ID: "batch-only", Provider: "fake",
			ContextWindow: 8192, SupportsStreaming: false,
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

func newTestEngine(t *testing.T, p provider.Provider) (*Engine, *session.Store) {
	t.Helper()
	sessions := session.NewStore()
	t.Cleanup(func() { _ = sessions.Close() })

	e := New(Options{
		Sessions:  sessions,
		Models:    testCatalog(),
		Providers: provider.NewRegistryFromProviders(map[string]provider.Provider{"fake": p}),
		Config: config.EngineConfig{
			RequestTimeout:    5 * time.Second,
			StreamIdleTimeout: 2 * time.Second,
			RetryBackoff:      time.Millisecond,
		},
	})
	return e, sessions
}

func userTurn(text string) []session.Message {
	return []session.Message{{Role: session.RoleUser, Content: text}}
}

func TestCompleteBlocking(t *testing.T) {
	p := &fakeProvider{turns: []provider.Result{{
		Content:      "hello there",
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "be brief")

	h, err := e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("hi")})
	require.NoError(t, err)

	assert.Equal(t, "hello there", h.Result.Content)
	assert.Equal(t, provider.FinishStop, h.Result.FinishReason)
	assert.Equal(t, 15, h.Result.Usage.TotalTokens)
	assert.InDelta(t, 10.0/1e6*1+5.0/1e6*2, h.Result.Cost, 1e-12)
	assert.Equal(t, StateSucceeded, h.State())
	assert.Contains(t, h.ID, "chatcmpl-")
	assert.Len(t, h.ID, len("chatcmpl-")+29)

	// The session is released and accounted.
	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, 15, got.Usage.TotalTokens)
	assert.Equal(t, 2, got.MessageCount) // user + assistant

	// The provider saw the system prompt and the user turn.
	assert.Equal(t, "be brief", p.lastRequest.System)
	require.Len(t, p.lastRequest.Messages, 1)
	assert.Equal(t, "hi", p.lastRequest.Messages[0].Content)
}

func TestCompleteValidation(t *testing.T) {
	e, sessions := newTestEngine(t, &fakeProvider{})
	sess := sessions.Create("", "test-model", "")

	_, err := e.Complete(context.Background(), Request{SessionID: sess.ID})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = e.Complete(context.Background(), Request{
		SessionID: sess.ID,
		Messages:  []session.Message{{Role: session.RoleAssistant, Content: "nope"}},
	})
	assert.True(t, apierror.Is(err, apierror.CodeValidation))

	_, err = e.Complete(context.Background(), Request{SessionID: "missing", Messages: userTurn("hi")})
	assert.True(t, apierror.Is(err, apierror.CodeNotFound))
}

func TestCompleteUnsupportedStreaming(t *testing.T) {
	e, sessions := newTestEngine(t, &fakeProvider{})
	sess := sessions.Create("", "batch-only", "")

	_, err := e.Complete(context.Background(), Request{
		SessionID: sess.ID, Messages: userTurn("hi"), Stream: true,
	})
	assert.True(t, apierror.Is(err, apierror.CodeUnsupportedMode))

	// The rejection happened before any session state changed.
	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, 0, got.MessageCount)
}

func TestCompleteConflict(t *testing.T) {
	e, sessions := newTestEngine(t, &fakeProvider{block: true, turns: []provider.Result{{Content: "..."}}})
	sess := sessions.Create("", "test-model", "")

	h, err := e.Complete(context.Background(), Request{
		SessionID: sess.ID, Messages: userTurn("hi"), Stream: true,
	})
	require.NoError(t, err)

	_, err = e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("again")})
	assert.True(t, apierror.Is(err, apierror.CodeConflict))

	require.NoError(t, e.Cancel(sess.ID))
	for range h.Chunks {
	}
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	p := &fakeProvider{turns: []provider.Result{{
		Content:      "streamed text",
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
	}}}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "")

	h, err := e.Complete(context.Background(), Request{
		SessionID: sess.ID, Messages: userTurn("hi"), Stream: true,
	})
	require.NoError(t, err)

	var content string
	var finish string
	last := -1
	for c := range h.Chunks {
		require.NoError(t, c.Err)
		if c.FinishReason != "" {
			finish = c.FinishReason
			continue
		}
		assert.Greater(t, c.Index, last)
		last = c.Index
		content += c.Delta
	}

	assert.Equal(t, "streamed text", content)
	assert.Equal(t, provider.FinishStop, finish)
	assert.Equal(t, StateSucceeded, h.State())

	// Streaming and blocking leave the same session state behind.
	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, 5, got.Usage.TotalTokens)

	history, err := sessions.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "streamed text", history[1].Content)
	assert.False(t, history[1].Truncated)
}

func TestCancelMidStream(t *testing.T) {
	p := &fakeProvider{block: true, turns: []provider.Result{{Content: "partial "}}}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "")

	h, err := e.Complete(context.Background(), Request{
		SessionID: sess.ID, Messages: userTurn("hi"), Stream: true,
	})
	require.NoError(t, err)

	first := <-h.Chunks
	assert.Equal(t, "partial ", first.Delta)

	require.NoError(t, e.Cancel(sess.ID))

	var finish string
	for c := range h.Chunks {
		require.NoError(t, c.Err)
		finish = c.FinishReason
	}
	assert.Equal(t, "cancelled", finish)
	assert.Equal(t, StateCancelled, h.State())

	// Exactly one EndRun: the session is idle, a new run can start.
	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)

	// The partial output survives, marked truncated.
	history, err := sessions.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "partial ", history[1].Content)
	assert.True(t, history[1].Truncated)
}

func TestBlockingRetriesTransientOnce(t *testing.T) {
	inner := &fakeProvider{turns: []provider.Result{{
		Content: "after retry", FinishReason: provider.FinishStop,
		Usage: provider.Usage{TotalTokens: 1, InputTokens: 1},
	}}}
	p := &failingProvider{inner: inner, failures: 1, err: apierror.UpstreamUnavailable("overloaded")}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "")

	h, err := e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("hi")})
	require.NoError(t, err)
	assert.Equal(t, "after retry", h.Result.Content)
}

func TestBlockingDoesNotRetryTerminal(t *testing.T) {
	p := &failingProvider{
		inner:    &fakeProvider{},
		failures: 2,
		err:      apierror.Validation("bad request upstream"),
	}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "")

	_, err := e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("hi")})
	require.Error(t, err)
	assert.Equal(t, 1, p.failures) // only one call consumed a failure

	got, getErr := sessions.Get(sess.ID)
	require.NoError(t, getErr)
	assert.False(t, got.Running)
}

func TestUsageEstimateFallback(t *testing.T) {
	// Provider reports no usage at all; the engine estimates from text.
	p := &fakeProvider{turns: []provider.Result{{
		Content: "some assistant output text", FinishReason: provider.FinishStop,
	}}}
	e, sessions := newTestEngine(t, p)
	sess := sessions.Create("", "test-model", "system prompt")

	_, err := e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("hello world")})
	require.NoError(t, err)

	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Usage.InputTokens, 0)
	assert.Greater(t, got.Usage.OutputTokens, 0)
	assert.Equal(t, got.Usage.InputTokens+got.Usage.OutputTokens, got.Usage.TotalTokens)
}

func TestToolLoopDepthLimit(t *testing.T) {
	args, err := jsonval.Decode([]byte(`{"q":"x"}`))
	require.NoError(t, err)

	// Every turn asks for another tool call, forever.
	turns := make([]provider.Result, 0, 4)
	for i := 0; i < 4; i++ {
		turns = append(turns, provider.Result{
			FinishReason: provider.FinishToolCalls,
			ToolCalls:    []session.ToolCall{{ID: "call_1", Name: "search", Args: args}},
		})
	}
	p := &fakeProvider{turns: turns}

	sessions := session.NewStore()
	t.Cleanup(func() { _ = sessions.Close() })
	e := New(Options{
		Sessions:  sessions,
		Models:    testCatalog(),
		Providers: provider.NewRegistryFromProviders(map[string]provider.Provider{"fake": p}),
		Config: config.EngineConfig{
			MaxToolDepth:   2,
			RequestTimeout: 5 * time.Second,
			RetryBackoff:   time.Millisecond,
		},
	})
	sess := sessions.Create("", "test-model", "")

	_, err = e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("go")})
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.CodeInternal))
	// Depth 2 means the provider was consulted at most three times.
	assert.LessOrEqual(t, p.callCount(), 3)

	got, getErr := sessions.Get(sess.ID)
	require.NoError(t, getErr)
	assert.False(t, got.Running)
}

// recordingNotifier collects lifecycle events.
type recordingNotifier struct {
	mu       sync.Mutex
	started  int
	finished []State
}

func (n *recordingNotifier) CompletionStarted(sessionID, model string, stream bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
}

func (n *recordingNotifier) CompletionFinished(sessionID, model string, state State, usage session.Usage, cost float64, elapsed time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, state)
}

func (n *recordingNotifier) ToolExecuted(sessionID, serverID, tool string, success bool, elapsed time.Duration) {
}

func TestNotifierSeesLifecycle(t *testing.T) {
	p := &fakeProvider{turns: []provider.Result{{
		Content: "ok", FinishReason: provider.FinishStop,
		Usage: provider.Usage{TotalTokens: 2, InputTokens: 1, OutputTokens: 1},
	}}}
	n := &recordingNotifier{}

	sessions := session.NewStore()
	t.Cleanup(func() { _ = sessions.Close() })
	e := New(Options{
		Sessions:  sessions,
		Models:    testCatalog(),
		Providers: provider.NewRegistryFromProviders(map[string]provider.Provider{"fake": p}),
		Notifier:  n,
		Config:    config.EngineConfig{RequestTimeout: 5 * time.Second},
	})
	sess := sessions.Create("", "test-model", "")

	_, err := e.Complete(context.Background(), Request{SessionID: sess.ID, Messages: userTurn("hi")})
	require.NoError(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, 1, n.started)
	require.Len(t, n.finished, 1)
	assert.Equal(t, StateSucceeded, n.finished[0])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
