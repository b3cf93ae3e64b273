package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/audit"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/jsonval"
)

// Dispatch error kinds. These travel back to the model as tool-result data
// and to HTTP clients through the tool endpoints.
const (
	KindToolNotEnabled       = "tool_not_enabled"
	KindServerUnavailable    = "server_unavailable"
	KindConfirmationRequired = "confirmation_required"
	KindInvalidArgs          = "invalid_arguments"
	KindExecutionError       = "execution_error"
)

// DispatchError is a classified tool dispatch failure.
type DispatchError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *DispatchError) Error() string { return e.Kind + ": " + e.Message }

func dispatchErrorf(kind, format string, args ...any) *DispatchError {
	return &DispatchError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ServerStatus is one server's discovery result. Servers that are down are
// reported unavailable, never omitted.
type ServerStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"` // "available" | "unavailable"
	ToolCount int    `json:"tool_count"`
}

// Result is the structured outcome of one tool execution.
type Result struct {
	Output   jsonval.Value `json:"output"`
	Duration time.Duration `json:"duration_ms"`
	Err      string        `json:"error,omitempty"`
}

// ExecRequest identifies one tool call.
type ExecRequest struct {
	SessionID string
	ServerID  string
	Tool      string
	Args      jsonval.Value
	Scope     Scope
}

type serverEntry struct {
	cfg    config.MCPServerConfig
	client *client

	mu    sync.Mutex
	tools []Tool // Last successful discovery; nil until first contact
}

// Dispatcher routes tool calls to configured servers, enforcing the layered
// tool configuration and the dangerous-tool confirmation gate.
type Dispatcher struct {
	servers  []*serverEntry
	byID     map[string]*serverEntry
	auditLog *audit.Log

	mu        sync.Mutex
	confirmed map[string]map[string]bool // sessionID -> "serverID/tool"
}

// NewDispatcher builds a dispatcher for the configured servers.
func NewDispatcher(servers []config.MCPServerConfig, auditLog *audit.Log) *Dispatcher {
	d := &Dispatcher{
		byID:      make(map[string]*serverEntry, len(servers)),
		auditLog:  auditLog,
		confirmed: make(map[string]map[string]bool),
	}
	for _, cfg := range servers {
		entry := &serverEntry{cfg: cfg, client: newClient(cfg.Endpoint, cfg.Timeout)}
		d.servers = append(d.servers, entry)
		d.byID[cfg.ID] = entry
	}
	return d
}

// DiscoverServers probes the servers the scope enables, in parallel. The
// result lists every enabled server; unreachable ones carry status
// "unavailable", so the caller can tell "not configured for this scope"
// from "configured but down".
func (d *Dispatcher) DiscoverServers(ctx context.Context, scope Scope) []ServerStatus {
	cfg := Resolve(scope)
	targets := make([]*serverEntry, 0, len(d.servers))
	for _, entry := range d.servers {
		if cfg.allowsServer(entry.cfg.ID) {
			targets = append(targets, entry)
		}
	}

	out := make([]ServerStatus, len(targets))
	var wg sync.WaitGroup

	for i, entry := range targets {
		wg.Add(1)
		go func(i int, entry *serverEntry) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, config.DefaultDiscoveryTimeout)
			defer cancel()

			status := ServerStatus{ID: entry.cfg.ID, Name: entry.cfg.Name, Status: "available"}
			tools, err := entry.client.ListTools(probeCtx)
			if err != nil {
				log.Debug().Err(err).Str("server", entry.cfg.ID).Msg("tool server unreachable")
				status.Status = "unavailable"
			} else {
				status.ToolCount = len(tools)
				entry.mu.Lock()
				entry.tools = tools
				entry.mu.Unlock()
			}
			out[i] = status
		}(i, entry)
	}
	wg.Wait()
	return out
}

// ListTools returns the tools advertised by one server, contacting it if no
// cached discovery exists.
func (d *Dispatcher) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	entry, ok := d.byID[serverID]
	if !ok {
		return nil, apierror.NotFound("tool server", serverID)
	}
	return d.toolsFor(ctx, entry)
}

func (d *Dispatcher) toolsFor(ctx context.Context, entry *serverEntry) ([]Tool, error) {
	tools, err := entry.client.ListTools(ctx)
	if err != nil {
		// Fall back to the last known catalog so a brief outage does not
		// blind tool listing; execution still probes the live server.
		entry.mu.Lock()
		cached := entry.tools
		entry.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, dispatchErrorf(KindServerUnavailable, "server %s unreachable: %v", entry.cfg.ID, err)
	}
	entry.mu.Lock()
	entry.tools = tools
	entry.mu.Unlock()
	return tools, nil
}

// Confirm records a one-time approval for a dangerous tool in a session.
func (d *Dispatcher) Confirm(sessionID, serverID, tool string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed[sessionID] == nil {
		d.confirmed[sessionID] = make(map[string]bool)
	}
	d.confirmed[sessionID][serverID+"/"+tool] = true
}

func (d *Dispatcher) isConfirmed(sessionID, serverID, tool string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed[sessionID][serverID+"/"+tool]
}

// ForgetSession drops confirmation state for a deleted session.
func (d *Dispatcher) ForgetSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.confirmed, sessionID)
}

// EnabledTool is a tool the session may call, bound to the server that
// will serve it.
type EnabledTool struct {
	Tool
	ServerID string `json:"server_id"`
}

// EnabledTools resolves the scope and returns the tools the session may
// call, as offered to the model: configured intersected with discovered.
// When several servers advertise the same tool name, the priority list
// decides which one serves it; servers absent from the list come after it
// in configuration order.
func (d *Dispatcher) EnabledTools(ctx context.Context, scope Scope) []EnabledTool {
	cfg := Resolve(scope)

	seen := map[string]bool{}
	var out []EnabledTool
	for _, entry := range d.serversByPriority(cfg.Priority) {
		if !cfg.allowsServer(entry.cfg.ID) {
			continue
		}
		tools, err := d.toolsFor(ctx, entry)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if !cfg.allowsTool(t.Name) || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			out = append(out, EnabledTool{Tool: t, ServerID: entry.cfg.ID})
		}
	}
	return out
}

func (d *Dispatcher) serversByPriority(priority []string) []*serverEntry {
	if len(priority) == 0 {
		return d.servers
	}
	ordered := make([]*serverEntry, 0, len(d.servers))
	taken := map[string]bool{}
	for _, id := range priority {
		if entry, ok := d.byID[id]; ok && !taken[id] {
			ordered = append(ordered, entry)
			taken[id] = true
		}
	}
	for _, entry := range d.servers {
		if !taken[entry.cfg.ID] {
			ordered = append(ordered, entry)
		}
	}
	return ordered
}

// Execute runs one tool call. Every call produces exactly one audit entry,
// whatever the outcome; the scope's audit_log flag widens the entry with the
// raw argument payload on top of the always-present hash.
func (d *Dispatcher) Execute(ctx context.Context, req ExecRequest) (Result, error) {
	cfg := Resolve(req.Scope)

	start := time.Now()
	result, err := d.execute(ctx, cfg, req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = err.Error()
	}

	entry := audit.Entry{
		SessionID: req.SessionID,
		ServerID:  req.ServerID,
		Tool:      req.Tool,
		ArgsHash:  audit.HashArgs(req.Args),
		Duration:  result.Duration.Milliseconds(),
		Success:   err == nil,
		Error:     result.Err,
	}
	if cfg.AuditLog {
		entry.Args = json.RawMessage(req.Args.Encode())
	}
	d.auditLog.Record(entry)
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, cfg EffectiveConfig, req ExecRequest) (Result, error) {
	if !cfg.allowsServer(req.ServerID) || !cfg.allowsTool(req.Tool) {
		return Result{}, dispatchErrorf(KindToolNotEnabled,
			"tool %s on server %s is not enabled for this session", req.Tool, req.ServerID)
	}

	entry, ok := d.byID[req.ServerID]
	if !ok {
		return Result{}, dispatchErrorf(KindServerUnavailable, "unknown tool server %s", req.ServerID)
	}

	tools, err := d.toolsFor(ctx, entry)
	if err != nil {
		return Result{}, err
	}
	var tool *Tool
	for i := range tools {
		if tools[i].Name == req.Tool {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		// Configured but not discovered means not enabled.
		return Result{}, dispatchErrorf(KindToolNotEnabled,
			"tool %s is not advertised by server %s", req.Tool, req.ServerID)
	}

	if d.isDangerous(entry, *tool) && !d.isConfirmed(req.SessionID, req.ServerID, req.Tool) {
		return Result{}, dispatchErrorf(KindConfirmationRequired,
			"tool %s requires confirmation before first use in this session", req.Tool)
	}

	if len(tool.InputSchema) > 0 {
		if err := validateArgs(tool.InputSchema, req.Args); err != nil {
			return Result{}, err
		}
	}

	output, err := entry.client.Invoke(ctx, req.Tool, req.Args)
	if err != nil {
		return Result{}, dispatchErrorf(KindExecutionError, "%v", err)
	}
	return Result{Output: output}, nil
}

func (d *Dispatcher) isDangerous(entry *serverEntry, tool Tool) bool {
	if tool.Dangerous {
		return true
	}
	for _, name := range entry.cfg.DangerousTools {
		if name == tool.Name {
			return true
		}
	}
	return false
}

// validateArgs checks the call arguments against the tool's JSON schema.
func validateArgs(schema map[string]any, args jsonval.Value) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args.ToAny()),
	)
	if err != nil {
		return dispatchErrorf(KindInvalidArgs, "schema validation failed: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return dispatchErrorf(KindInvalidArgs, "%s", strings.Join(msgs, "; "))
	}
	return nil
}
