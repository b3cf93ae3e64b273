// Package gateway - models.go serves the model catalog endpoints. The list
// endpoint follows the OpenAI /v1/models shape; capabilities exposes the
// full descriptors.
package gateway

import (
	"net/http"

	"github.com/agentdeck/chat-gateway/internal/apierror"
)

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // "model"
	OwnedBy string `json:"owned_by"`
}

func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	descriptors := g.models.List()
	data := make([]modelListEntry, 0, len(descriptors))
	for _, d := range descriptors {
		data = append(data, modelListEntry{ID: d.ID, Object: "model", OwnedBy: d.Provider})
	}
	writeJSON(w, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	d, err := g.models.Get(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, d)
}

func (g *Gateway) handleModelCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"models": g.models.Capabilities()})
}
