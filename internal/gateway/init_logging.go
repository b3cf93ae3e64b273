package gateway

import (
	"sort"
	"strings"
	"time"

	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/monitoring"
)

// buildInitEvent summarizes the startup configuration for the init JSONL.
// Secrets never appear; only their presence is recorded.
func buildInitEvent(cfg *config.Config, modelCount int) *monitoring.InitEvent {
	ev := &monitoring.InitEvent{
		Timestamp:     time.Now(),
		Event:         "gateway_init",
		Version:       Version,
		ServerHost:    cfg.Server.Host,
		ServerPort:    cfg.Server.Port,
		ModelCount:    modelCount,
		TelemetryPath: cfg.Monitoring.TelemetryPath,
	}

	providerNames := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		providerNames = append(providerNames, name)
	}
	sort.Strings(providerNames)

	for _, name := range providerNames {
		p := cfg.Providers[name]
		ev.Providers = append(ev.Providers, monitoring.InitProvider{
			Name:      name,
			Type:      p.Type,
			Endpoint:  p.BaseURL,
			HasAPIKey: strings.TrimSpace(p.APIKey) != "",
		})
	}

	for _, s := range cfg.MCP.Servers {
		ev.ToolServers = append(ev.ToolServers, s.ID)
	}
	return ev
}
