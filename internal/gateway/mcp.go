// Package gateway - mcp.go serves the tool server endpoints.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/jsonval"
	"github.com/agentdeck/chat-gateway/internal/mcp"
)

// handleListToolServers probes the configured servers visible in the
// requested scope: ?scope=user (default) or ?scope=project&project_id=...,
// which layers the project's tool config over the user scope.
func (g *Gateway) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	if g.dispatcher == nil {
		writeJSON(w, map[string]any{"servers": []mcp.ServerStatus{}})
		return
	}

	scope := mcp.Scope{User: g.userScope}
	if r.URL.Query().Get("scope") == "project" {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			apierror.Write(w, apierror.Validation("scope=project requires project_id"))
			return
		}
		if g.projects != nil {
			scope.Project = g.projects.ToolConfig(projectID)
		}
	}
	writeJSON(w, map[string]any{"servers": g.dispatcher.DiscoverServers(r.Context(), scope)})
}

func (g *Gateway) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	if g.dispatcher == nil {
		apierror.Write(w, apierror.NotFound("tool server", r.PathValue("id")))
		return
	}
	tools, err := g.dispatcher.ListTools(r.Context(), r.PathValue("id"))
	if err != nil {
		apierror.Write(w, dispatchToAPIError(err))
		return
	}
	writeJSON(w, map[string]any{"tools": tools})
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
	Tool      string `json:"tool"`
}

// handleConfirmTool records a one-time approval for a dangerous tool.
func (g *Gateway) handleConfirmTool(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("malformed confirm request: %v", err))
		return
	}
	if req.SessionID == "" || req.ServerID == "" || req.Tool == "" {
		apierror.Write(w, apierror.Validation("session_id, server_id and tool are required"))
		return
	}
	if g.dispatcher == nil {
		apierror.Write(w, apierror.NotFound("tool server", req.ServerID))
		return
	}
	if _, err := g.sessions.Get(req.SessionID); err != nil {
		apierror.Write(w, err)
		return
	}
	g.dispatcher.Confirm(req.SessionID, req.ServerID, req.Tool)
	writeJSON(w, map[string]string{"status": "confirmed"})
}

type executeRequest struct {
	SessionID string        `json:"session_id"`
	ServerID  string        `json:"server_id"`
	Tool      string        `json:"tool"`
	Args      jsonval.Value `json:"args"`
}

// handleExecuteTool runs one tool call outside a completion, under the
// same scope, confirmation and audit rules the engine applies.
func (g *Gateway) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("malformed execute request: %v", err))
		return
	}
	if g.dispatcher == nil {
		apierror.Write(w, apierror.NotFound("tool server", req.ServerID))
		return
	}
	sess, err := g.sessions.Get(req.SessionID)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	res, err := g.dispatcher.Execute(r.Context(), mcp.ExecRequest{
		SessionID: req.SessionID,
		ServerID:  req.ServerID,
		Tool:      req.Tool,
		Args:      req.Args,
		Scope:     g.scopeFor(sess.ProjectID, sess.Tools),
	})
	if err != nil {
		apierror.Write(w, dispatchToAPIError(err))
		return
	}
	writeJSON(w, res)
}

// dispatchToAPIError maps tool dispatch failures onto the wire taxonomy.
func dispatchToAPIError(err error) error {
	var dispErr *mcp.DispatchError
	if !errors.As(err, &dispErr) {
		return err
	}
	switch dispErr.Kind {
	case mcp.KindToolNotEnabled:
		return apierror.Validation("%s", dispErr.Message)
	case mcp.KindInvalidArgs:
		return apierror.Validation("%s", dispErr.Message)
	case mcp.KindConfirmationRequired:
		return apierror.Conflict(dispErr.Message)
	case mcp.KindServerUnavailable:
		return apierror.UpstreamUnavailable(dispErr.Message)
	default:
		return apierror.Upstream(dispErr.Message)
	}
}
