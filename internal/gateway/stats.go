// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns combined completion, token, tool, and session metrics.
package gateway

import (
	"net/http"

	"github.com/agentdeck/chat-gateway/internal/monitoring"
)

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var resp monitoring.StatsResponse
	if g.metrics != nil {
		resp = g.metrics.FullStats()
	}

	sessionStats := g.sessions.Stats()
	resp.Sessions.Active = int64(sessionStats.ActiveSessions)
	for _, s := range g.sessions.List("") {
		if s.Running {
			resp.Sessions.Running++
		}
	}

	writeJSON(w, resp)
}
