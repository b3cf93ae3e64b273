// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from a YAML file with ${VAR:-default} env
// expansion, so deployments can template secrets without rewriting files.
// Defaults for tunables live in defaults.go; Load applies them to any field
// left unset so a minimal config stays minimal.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the chat gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Models     ModelsConfig     `yaml:"models"`
	Engine     EngineConfig     `yaml:"engine"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	MCP        MCPConfig        `yaml:"mcp"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // Must exceed the longest stream
	AuthToken    string        `yaml:"auth_token"`    // Optional static bearer token
	RateLimit    int           `yaml:"rate_limit"`    // Requests per second per IP
}

// ProvidersConfig holds upstream LLM provider settings keyed by name.
type ProvidersConfig map[string]ProviderConfig

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	Type    string `yaml:"type"` // "openai", "anthropic", or "bedrock"
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional override (proxies, compatible servers)
	Region  string `yaml:"region"`   // Bedrock only
}

// ModelsConfig points the registry at a model catalog.
type ModelsConfig struct {
	CatalogPath string `yaml:"catalog_path"` // YAML catalog; empty = built-in defaults
	Watch       bool   `yaml:"watch"`        // Hot-reload the catalog on file change
}

// EngineConfig tunes the completion engine.
type EngineConfig struct {
	MaxToolDepth      int           `yaml:"max_tool_depth"`      // Tool-call recursion bound
	RequestTimeout    time.Duration `yaml:"request_timeout"`     // Whole-completion deadline
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"` // Max silence between chunks
	RetryBackoff      time.Duration `yaml:"retry_backoff"`       // Delay before the single retry
}

// SessionsConfig tunes the session store.
type SessionsConfig struct {
	TTL    time.Duration `yaml:"ttl"`     // Idle session eviction
	DBPath string        `yaml:"db_path"` // Optional sqlite turn log; empty = memory only
}

// MCPConfig lists configured tool servers and the user-scope tool settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
	User    ToolScopeConfig   `yaml:"user"` // User-scope layer of the tool config merge
}

// MCPServerConfig describes one external tool server.
type MCPServerConfig struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	DangerousTools []string      `yaml:"dangerous_tools"` // Require per-session confirmation
}

// ToolScopeConfig is one layer of the user/project/session tool config.
// Pointer fields distinguish "unset" (inherit) from "set to empty".
type ToolScopeConfig struct {
	EnabledServers *[]string `yaml:"enabled_servers"`
	EnabledTools   *[]string `yaml:"enabled_tools"`
	Priority       *[]string `yaml:"priority"`
	AuditLog       *bool     `yaml:"audit_log"`
}

// MonitoringConfig contains telemetry and audit settings.
type MonitoringConfig struct {
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	TelemetryPath    string `yaml:"telemetry_path"` // JSONL request events
	LogToStdout      bool   `yaml:"log_to_stdout"`
	AuditPath        string `yaml:"audit_path"`      // JSONL audit sink; empty = memory only
	AuditRetention   int    `yaml:"audit_retention"` // Max in-memory audit entries
	AuditDBPath      string `yaml:"audit_db_path"`   // Optional sqlite audit sink
}

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} in s.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, expands env vars,
// applies defaults and validates.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no providers.
// Used by tests and by `gateway serve` when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides lets external systems redirect log paths without
// touching config files.
func (c *Config) applyEnvOverrides() {
	if envPath := os.Getenv("GATEWAY_TELEMETRY_LOG"); envPath != "" {
		c.Monitoring.TelemetryPath = envPath
		c.Monitoring.TelemetryEnabled = true
	}
	if envPath := os.Getenv("GATEWAY_AUDIT_LOG"); envPath != "" {
		c.Monitoring.AuditPath = envPath
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Engine.MaxToolDepth == 0 {
		c.Engine.MaxToolDepth = DefaultMaxToolDepth
	}
	if c.Engine.RequestTimeout == 0 {
		c.Engine.RequestTimeout = DefaultRequestTimeout
	}
	if c.Engine.StreamIdleTimeout == 0 {
		c.Engine.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = DefaultRetryBackoff
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = DefaultSessionTTL
	}
	if c.Monitoring.AuditRetention == 0 {
		c.Monitoring.AuditRetention = DefaultAuditRetention
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Timeout == 0 {
			c.MCP.Servers[i].Timeout = DefaultToolTimeout
		}
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "anthropic", "bedrock":
		default:
			return fmt.Errorf("providers.%s.type must be openai, anthropic or bedrock, got %q", name, p.Type)
		}
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		if s.ID == "" {
			return fmt.Errorf("mcp.servers entries require an id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate mcp server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
