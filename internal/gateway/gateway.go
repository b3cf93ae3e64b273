// HTTP surface of the chat gateway.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): Entry point for completion requests
//   - handleCompletionStream(): SSE delivery of streaming completions
//   - session/project/model/tool handlers: REST resources around the engine
//
// Every error leaves through apierror.Write so clients see one envelope.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/audit"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/mcp"
	"github.com/agentdeck/chat-gateway/internal/models"
	"github.com/agentdeck/chat-gateway/internal/monitoring"
	"github.com/agentdeck/chat-gateway/internal/project"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Options wires a Gateway.
type Options struct {
	Config     *config.Config
	Engine     *engine.Engine
	Sessions   *session.Store
	Projects   *project.Store
	Models     *models.Registry
	Dispatcher *mcp.Dispatcher
	AuditLog   *audit.Log
	Metrics    *monitoring.MetricsCollector
	Tracker    *monitoring.Tracker
	Events     *EventHub
	UserScope  *session.ToolConfig
}

// Gateway is the HTTP server for the chat completion API.
type Gateway struct {
	cfg        *config.Config
	engine     *engine.Engine
	sessions   *session.Store
	projects   *project.Store
	models     *models.Registry
	dispatcher *mcp.Dispatcher
	auditLog   *audit.Log
	metrics    *monitoring.MetricsCollector
	tracker    *monitoring.Tracker
	events     *EventHub
	userScope  *session.ToolConfig
	limiter    *ipRateLimiter
	startedAt  time.Time

	server *http.Server
}

// New builds a gateway and its route table.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:        opts.Config,
		engine:     opts.Engine,
		sessions:   opts.Sessions,
		projects:   opts.Projects,
		models:     opts.Models,
		dispatcher: opts.Dispatcher,
		auditLog:   opts.AuditLog,
		metrics:    opts.Metrics,
		tracker:    opts.Tracker,
		events:     opts.Events,
		userScope:  opts.UserScope,
		limiter:    newIPRateLimiter(opts.Config.Server.RateLimit),
		startedAt:  time.Now(),
	}

	if g.tracker != nil {
		g.tracker.RecordInit(buildInitEvent(opts.Config, len(opts.Models.List())))
	}

	addr := fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port)
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.routes(),
		ReadTimeout:  opts.Config.Server.ReadTimeout,
		WriteTimeout: opts.Config.Server.WriteTimeout,
	}
	return g
}

// routes builds the route table with the middleware chain applied.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /v1/chat/completions/{session}/status", g.handleCompletionStatus)
	mux.HandleFunc("DELETE /v1/chat/completions/{session}", g.handleCompletionCancel)

	mux.HandleFunc("GET /v1/models", g.handleListModels)
	mux.HandleFunc("GET /v1/models/capabilities", g.handleModelCapabilities)
	mux.HandleFunc("GET /v1/models/{id}", g.handleGetModel)

	mux.HandleFunc("POST /v1/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", g.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/stats", g.handleSessionStats)
	mux.HandleFunc("GET /v1/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", g.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", g.handleSessionMessages)
	mux.HandleFunc("GET /v1/sessions/{id}/tools", g.handleGetSessionTools)
	mux.HandleFunc("POST /v1/sessions/{id}/tools", g.handleSetSessionTools)
	mux.HandleFunc("PUT /v1/sessions/{id}/tools", g.handleSetSessionTools)

	mux.HandleFunc("POST /v1/projects", g.handleCreateProject)
	mux.HandleFunc("GET /v1/projects", g.handleListProjects)
	mux.HandleFunc("GET /v1/projects/{id}", g.handleGetProject)
	mux.HandleFunc("PUT /v1/projects/{id}", g.handleUpdateProject)
	mux.HandleFunc("DELETE /v1/projects/{id}", g.handleDeleteProject)
	mux.HandleFunc("PUT /v1/projects/{id}/tools", g.handleSetProjectTools)

	mux.HandleFunc("GET /v1/mcp/servers", g.handleListToolServers)
	mux.HandleFunc("GET /v1/mcp/servers/{id}/tools", g.handleListServerTools)
	mux.HandleFunc("POST /v1/mcp/confirm", g.handleConfirmTool)
	mux.HandleFunc("POST /v1/mcp/execute", g.handleExecuteTool)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /ws/events", g.handleEvents)

	return g.withRecovery(g.withRateLimit(g.withRequestLog(g.withSecurityHeaders(g.withAuth(mux)))))
}

// Start runs the HTTP server until Shutdown.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Str("version", Version).
		Msg("gateway listening")
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// writeJSON serializes v with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"version":        Version,
		"time":           time.Now().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(g.startedAt).Seconds()),
	})
}

// scopeFor assembles the three tool configuration layers for a session.
func (g *Gateway) scopeFor(projectID string, sessionTools *session.ToolConfig) mcp.Scope {
	s := mcp.Scope{Session: sessionTools, User: g.userScope}
	if g.projects != nil && projectID != "" {
		s.Project = g.projects.ToolConfig(projectID)
	}
	return s
}

// isLoopback reports whether the remote address is local. Operational
// endpoints are restricted to the host the gateway runs on.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
