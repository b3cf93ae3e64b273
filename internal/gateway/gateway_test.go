package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentdeck/chat-gateway/internal/audit"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/mcp"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/project"
	"github.com/agentdeck/chat-gateway/internal/provider"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// scriptedProvider returns canned results; streams emit the content as two
// deltas followed by usage and the finish event.
type scriptedProvider struct {
	content string
	block   chan struct{} // non-nil: stream stalls until closed or ctx done
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.Result{
		Content:      p.content,
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
	}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	out := make(chan provider.Event, 8)
	go func() {
		defer close(out)
		half := len(p.content) / 2
		out <- provider.Event{Text: p.content[:half]}
		if p.block != nil {
			select {
			case <-p.block:
			case <-ctx.Done():
				out <- provider.Event{Err: ctx.Err()}
				return
			}
		}
		out <- provider.Event{Text: p.content[half:]}
		out <- provider.Event{Usage: &provider.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}}
		out <- provider.Event{FinishReason: provider.FinishStop}
	}()
	return out, nil
}

type testGateway struct {
	*Gateway
	sessions *session.Store
	server   *httptest.Server
}

func newTestGateway(t *testing.T, p provider.Provider) *testGateway {
	t.Helper()

	cfg := config.Default()
	sessions := session.NewStore()
	t.Cleanup(func() { _ = sessions.Close() })
	projects := project.NewStore()
	registry, err := models.NewRegistry([]models.Descriptor{
		{
			ID: "test-model", Provider: "scripted",
			ContextWindow: 8192, SupportsStreaming: true, SupportsTools: true,
			Pricing: models.Pricing{InputPerMTok: 1, OutputPerMTok: 2},
		},
	})
	require.NoError(t, err)

	eng := engine.New(engine.Options{
		Sessions:  sessions,
		Models:    registry,
		Providers: provider.NewRegistryFromProviders(map[string]provider.Provider{"scripted": p}),
		Config:    config.EngineConfig{RequestTimeout: 5 * time.Second, StreamIdleTimeout: 2 * time.Second},
	})

	auditLog, err := audit.NewLog()
	require.NoError(t, err)

	g := New(Options{
		Config:   cfg,
		Engine:   eng,
		Sessions: sessions,
		Projects: projects,
		Models:   registry,
		AuditLog: auditLog,
	})

	srv := httptest.NewServer(g.routes())
	t.Cleanup(srv.Close)
	return &testGateway{Gateway: g, sessions: sessions, server: srv}
}

func (tg *testGateway) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(tg.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (tg *testGateway) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(tg.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionLifecycle(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model","system_prompt":"be kind"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	resp = tg.get(t, "/v1/sessions/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, "test-model", got["model"])

	resp = tg.get(t, "/v1/sessions")
	list := decodeBody(t, resp)
	assert.Len(t, list["sessions"], 1)

	req, _ := http.NewRequest(http.MethodDelete, tg.server.URL+"/v1/sessions/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	resp = tg.get(t, "/v1/sessions/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody := decodeBody(t, resp)
	errObj := errBody["error"].(map[string]any)
	assert.Equal(t, "not_found", errObj["code"])
}

func TestCreateSessionUnknownModel(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.post(t, "/v1/sessions", `{"model":"no-such-model"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSessionToolConfigRoutes(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"].(string)

	// POST and PUT both set the per-session tool config.
	resp = tg.post(t, "/v1/sessions/"+id+"/tools", `{"enabled_servers":["files"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tg.get(t, "/v1/sessions/"+id+"/tools")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, []any{"files"}, got["enabled_servers"])

	req, _ := http.NewRequest(http.MethodPut, tg.server.URL+"/v1/sessions/"+id+"/tools",
		strings.NewReader(`{"enabled_servers":["files","web"]}`))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, putResp.StatusCode)
	_ = putResp.Body.Close()

	resp = tg.get(t, "/v1/sessions/"+id+"/tools")
	got = decodeBody(t, resp)
	assert.Equal(t, []any{"files", "web"}, got["enabled_servers"])
}

func TestToolServerDiscoveryScopeParam(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tools":[{"name":"read_file"}]}`))
	}))
	t.Cleanup(up.Close)

	auditLog, err := audit.NewLog()
	require.NoError(t, err)
	tg.dispatcher = mcp.NewDispatcher([]config.MCPServerConfig{
		{ID: "files", Name: "Files", Endpoint: up.URL},
		{ID: "web", Name: "Web", Endpoint: up.URL},
	}, auditLog)

	// User scope by default: every configured server is listed.
	resp := tg.get(t, "/v1/mcp/servers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Len(t, body["servers"], 2)

	// Project scope narrows the list to the project's enabled servers.
	proj, err := tg.projects.Create("demo", "")
	require.NoError(t, err)
	servers := []string{"web"}
	require.NoError(t, tg.projects.SetToolConfig(proj.ID, &session.ToolConfig{EnabledServers: &servers}))

	resp = tg.get(t, "/v1/mcp/servers?scope=project&project_id="+proj.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	list := body["servers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "web", list[0].(map[string]any)["id"])

	resp = tg.get(t, "/v1/mcp/servers?scope=project")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChatCompletionBlocking(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "hello world"})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model"}`)
	id := decodeBody(t, resp)["id"].(string)

	resp = tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	assert.Equal(t, "chat.completion", body["object"])
	assert.Contains(t, body["id"], "chatcmpl-")
	assert.Equal(t, id, body["session_id"])

	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "hello world", msg["content"])

	usage := body["usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["total_tokens"])
}

func TestChatCompletionImplicitSession(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "hello"})

	// No session_id at all: the model starts a fresh session.
	resp := tg.post(t, "/v1/chat/completions",
		`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)

	sess, err := tg.sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "test-model", sess.Model)
	assert.Equal(t, 2, sess.MessageCount)

	// The returned id continues the same conversation.
	resp = tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"again"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	sess, err = tg.sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, sess.MessageCount)
}

func TestChatCompletionAdoptsNewSessionID(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "hello"})

	resp := tg.post(t, "/v1/chat/completions",
		`{"session_id":"client-chosen-1","model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "client-chosen-1", body["session_id"])

	resp = tg.get(t, "/v1/sessions/client-chosen-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeBody(t, resp)
	assert.Equal(t, "test-model", sess["model"])

	// Unknown model cannot create anything.
	resp = tg.post(t, "/v1/chat/completions",
		`{"session_id":"client-chosen-2","model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
	resp = tg.get(t, "/v1/sessions/client-chosen-2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChatCompletionConflictIs409(t *testing.T) {
	block := make(chan struct{})
	tg := newTestGateway(t, &scriptedProvider{content: "slow reply", block: block})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model"}`)
	id := decodeBody(t, resp)["id"].(string)

	// Start a streaming completion that stalls mid-way.
	streamResp := tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	// Wait for the run to claim the session.
	require.Eventually(t, func() bool {
		sess, err := tg.sessions.Get(id)
		return err == nil && sess.Running
	}, 2*time.Second, 10*time.Millisecond)

	resp = tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"again"}]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errObj := decodeBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "conflict", errObj["code"])

	close(block)
	_ = streamResp.Body.Close()
}

func TestChatCompletionStreamWire(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "streamed!"})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model"}`)
	id := decodeBody(t, resp)["id"].(string)

	streamResp := tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer func() { _ = streamResp.Body.Close() }()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))
	assert.Equal(t, "no", streamResp.Header.Get("X-Accel-Buffering"))

	var content bytes.Buffer
	sawDone := false
	finish := ""

	scanner := bufio.NewScanner(streamResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		assert.Equal(t, "chat.completion.chunk", gjson.Get(payload, "object").String())
		assert.Equal(t, id, gjson.Get(payload, "session_id").String())
		content.WriteString(gjson.Get(payload, "choices.0.delta.content").String())
		if fr := gjson.Get(payload, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}

	assert.True(t, sawDone)
	assert.Equal(t, "streamed!", content.String())
	assert.Equal(t, "stop", finish)
}

func TestCompletionStatusAndCancel(t *testing.T) {
	block := make(chan struct{})
	tg := newTestGateway(t, &scriptedProvider{content: "slow reply", block: block})

	resp := tg.post(t, "/v1/sessions", `{"model":"test-model"}`)
	id := decodeBody(t, resp)["id"].(string)

	streamResp := tg.post(t, "/v1/chat/completions",
		`{"session_id":"`+id+`","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	defer func() { _ = streamResp.Body.Close() }()

	require.Eventually(t, func() bool {
		sess, err := tg.sessions.Get(id)
		return err == nil && sess.Running
	}, 2*time.Second, 10*time.Millisecond)

	resp = tg.get(t, "/v1/chat/completions/"+id+"/status")
	status := decodeBody(t, resp)
	assert.Equal(t, "running", status["status"])

	req, _ := http.NewRequest(http.MethodDelete, tg.server.URL+"/v1/chat/completions/"+id, nil)
	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)
	_ = cancelResp.Body.Close()

	require.Eventually(t, func() bool {
		sess, err := tg.sessions.Get(id)
		return err == nil && !sess.Running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestModelsEndpoints(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.get(t, "/v1/models")
	body := decodeBody(t, resp)
	assert.Equal(t, "list", body["object"])
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "test-model", data[0].(map[string]any)["id"])

	resp = tg.get(t, "/v1/models/test-model")
	model := decodeBody(t, resp)
	assert.Equal(t, true, model["supports_streaming"])

	resp = tg.get(t, "/v1/models/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tg.get(t, "/v1/models/capabilities")
	caps := decodeBody(t, resp)
	assert.Len(t, caps["models"], 1)
}

func TestProjectCRUD(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.post(t, "/v1/projects", `{"name":"demo","description":"a project"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decodeBody(t, resp)
	id := p["id"].(string)

	resp = tg.post(t, "/v1/projects", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPut, tg.server.URL+"/v1/projects/"+id,
		strings.NewReader(`{"name":"renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	updResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	updated := decodeBody(t, updResp)
	assert.Equal(t, "renamed", updated["name"])

	resp = tg.get(t, "/v1/projects")
	list := decodeBody(t, resp)
	assert.Len(t, list["projects"], 1)
}

func TestValidationErrors(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	resp := tg.post(t, "/v1/chat/completions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = tg.post(t, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := decodeBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errObj["code"])

	resp = tg.post(t, "/v1/chat/completions",
		`{"session_id":"missing","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBearerAuth(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})
	tg.cfg.Server.AuthToken = "secret-token"

	resp := tg.get(t, "/v1/models")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Health stays open for probes.
	resp = tg.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, tg.server.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	authResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, authResp.StatusCode)
	_ = authResp.Body.Close()
}

func TestRequestIDPropagation(t *testing.T) {
	tg := newTestGateway(t, &scriptedProvider{content: "ok"})

	req, _ := http.NewRequest(http.MethodGet, tg.server.URL+"/health", nil)
	req.Header.Set(headerRequestID, "fixed-id-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "fixed-id-123", resp.Header.Get(headerRequestID))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:5000"))
	assert.True(t, isLoopback("[::1]:5000"))
	assert.True(t, isLoopback("localhost:8000"))
	assert.False(t, isLoopback("10.0.0.5:443"))
}

func TestRateLimiter(t *testing.T) {
	l := newIPRateLimiter(2)

	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
	// Other IPs have their own bucket.
	assert.True(t, l.allow("5.6.7.8"))
}
