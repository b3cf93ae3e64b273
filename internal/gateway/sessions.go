// Package gateway - sessions.go serves the session resource.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/session"
)

type createSessionRequest struct {
	ProjectID    string              `json:"project_id"`
	Model        string              `json:"model"`
	SystemPrompt string              `json:"system_prompt"`
	Tools        *session.ToolConfig `json:"tools"`
}

// handleCreateSession registers a new session. The model must exist in the
// catalog; sessions never reference unknown models.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("malformed session request: %v", err))
		return
	}
	if req.Model == "" {
		apierror.Write(w, apierror.Validation("model is required"))
		return
	}
	if _, err := g.models.Get(req.Model); err != nil {
		apierror.Write(w, err)
		return
	}
	if req.ProjectID != "" {
		if _, err := g.projects.Get(req.ProjectID); err != nil {
			apierror.Write(w, err)
			return
		}
	}

	sess := g.sessions.Create(req.ProjectID, req.Model, req.SystemPrompt)
	if req.Tools != nil {
		if err := g.sessions.SetToolConfig(sess.ID, req.Tools); err != nil {
			apierror.Write(w, err)
			return
		}
		sess.Tools = req.Tools
	}
	writeJSONStatus(w, http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	writeJSON(w, map[string]any{"sessions": g.sessions.List(projectID)})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, sess)
}

// handleDeleteSession removes a session, cancelling any in-flight
// completion and dropping tool confirmation state.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.sessions.Delete(id); err != nil {
		apierror.Write(w, err)
		return
	}
	if g.dispatcher != nil {
		g.dispatcher.ForgetSession(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	history, err := g.sessions.History(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"messages": history})
}

func (g *Gateway) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.sessions.Stats())
}

func (g *Gateway) handleGetSessionTools(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.sessions.ToolConfig(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if cfg == nil {
		cfg = &session.ToolConfig{}
	}
	writeJSON(w, cfg)
}

func (g *Gateway) handleSetSessionTools(w http.ResponseWriter, r *http.Request) {
	var cfg session.ToolConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		apierror.Write(w, apierror.Validation("malformed tool config: %v", err))
		return
	}
	if err := g.sessions.SetToolConfig(r.PathValue("id"), &cfg); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, cfg)
}
