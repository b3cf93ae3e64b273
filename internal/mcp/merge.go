package mcp

import (
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// EffectiveConfig is the resolved tool configuration for one dispatch. Nil
// slices mean "no restriction at any scope".
type EffectiveConfig struct {
	EnabledServers []string `json:"enabled_servers,omitempty"`
	EnabledTools   []string `json:"enabled_tools,omitempty"`
	Priority       []string `json:"priority,omitempty"`
	AuditLog       bool     `json:"audit_log"`
}

// Scope identifies the layers feeding one resolution. Any layer may be nil.
type Scope struct {
	Session *session.ToolConfig
	Project *session.ToolConfig
	User    *session.ToolConfig
}

// UserScopeFromConfig converts the config-file user layer into the common
// layer shape.
func UserScopeFromConfig(cfg config.ToolScopeConfig) *session.ToolConfig {
	return &session.ToolConfig{
		EnabledServers: cfg.EnabledServers,
		EnabledTools:   cfg.EnabledTools,
		Priority:       cfg.Priority,
		AuditLog:       cfg.AuditLog,
	}
}

// Resolve merges the three scopes field by field. For each field the most
// specific layer that sets it wins: session over project over user. A set
// empty list is a real value ("nothing enabled"), distinct from unset.
// Resolution is deterministic: the same layers always produce the same
// result.
func Resolve(scope Scope) EffectiveConfig {
	layers := []*session.ToolConfig{scope.Session, scope.Project, scope.User}

	var out EffectiveConfig
	out.AuditLog = true // Audited unless some scope opts out

	for _, field := range []struct {
		pick func(*session.ToolConfig) *[]string
		dst  *[]string
	}{
		{func(c *session.ToolConfig) *[]string { return c.EnabledServers }, &out.EnabledServers},
		{func(c *session.ToolConfig) *[]string { return c.EnabledTools }, &out.EnabledTools},
		{func(c *session.ToolConfig) *[]string { return c.Priority }, &out.Priority},
	} {
		for _, layer := range layers {
			if layer == nil {
				continue
			}
			if v := field.pick(layer); v != nil {
				*field.dst = append([]string(nil), *v...)
				break
			}
		}
	}

	for _, layer := range layers {
		if layer != nil && layer.AuditLog != nil {
			out.AuditLog = *layer.AuditLog
			break
		}
	}
	return out
}

// allowsServer reports whether the config permits the server. Nil means no
// restriction.
func (c EffectiveConfig) allowsServer(serverID string) bool {
	if c.EnabledServers == nil {
		return true
	}
	for _, id := range c.EnabledServers {
		if id == serverID {
			return true
		}
	}
	return false
}

// allowsTool reports whether the config permits the tool.
func (c EffectiveConfig) allowsTool(tool string) bool {
	if c.EnabledTools == nil {
		return true
	}
	for _, name := range c.EnabledTools {
		if name == tool {
			return true
		}
	}
	return false
}
