// Package gateway - projects.go serves the project resource.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/session"
)

type projectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (g *Gateway) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("malformed project request: %v", err))
		return
	}
	p, err := g.projects.Create(req.Name, req.Description)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, p)
}

func (g *Gateway) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"projects": g.projects.List()})
}

func (g *Gateway) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := g.projects.Get(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, p)
}

func (g *Gateway) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("malformed project request: %v", err))
		return
	}
	p, err := g.projects.Update(r.PathValue("id"), req.Name, req.Description)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, p)
}

func (g *Gateway) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := g.projects.Delete(r.PathValue("id")); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSetProjectTools(w http.ResponseWriter, r *http.Request) {
	var cfg session.ToolConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		apierror.Write(w, apierror.Validation("malformed tool config: %v", err))
		return
	}
	if err := g.projects.SetToolConfig(r.PathValue("id"), &cfg); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, cfg)
}
