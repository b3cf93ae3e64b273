package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultRateLimit, cfg.Server.RateLimit)
	assert.Equal(t, DefaultMaxToolDepth, cfg.Engine.MaxToolDepth)
	assert.Equal(t, DefaultRequestTimeout, cfg.Engine.RequestTimeout)
	assert.Equal(t, DefaultSessionTTL, cfg.Sessions.TTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromBytes(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  port: 9100
  auth_token: topsecret
providers:
  main:
    type: anthropic
    api_key: sk-test
engine:
  request_timeout: 30s
mcp:
  servers:
    - id: files
      endpoint: http://localhost:9000
      dangerous_tools: [delete_file]
`))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "topsecret", cfg.Server.AuthToken)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout)
	// Unset fields still get defaults.
	assert.Equal(t, DefaultStreamIdleTimeout, cfg.Engine.StreamIdleTimeout)
	assert.Equal(t, DefaultToolTimeout, cfg.MCP.Servers[0].Timeout)
	assert.Equal(t, []string{"delete_file"}, cfg.MCP.Servers[0].DangerousTools)
	assert.Equal(t, "anthropic", cfg.Providers["main"].Type)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "from-env")

	cfg, err := LoadFromBytes([]byte(`
providers:
  main:
    type: openai
    api_key: ${TEST_GATEWAY_KEY}
    base_url: ${TEST_GATEWAY_URL:-http://fallback:11434/v1}
`))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Providers["main"].APIKey)
	assert.Equal(t, "http://fallback:11434/v1", cfg.Providers["main"].BaseURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_TELEMETRY_LOG", "/tmp/telemetry.jsonl")

	cfg, err := LoadFromBytes([]byte(`server: {port: 9100}`))
	require.NoError(t, err)

	assert.True(t, cfg.Monitoring.TelemetryEnabled)
	assert.Equal(t, "/tmp/telemetry.jsonl", cfg.Monitoring.TelemetryPath)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", `server: {port: 70000}`},
		{"bad provider type", "providers:\n  x:\n    type: grpc\n"},
		{"mcp server without id", "mcp:\n  servers:\n    - endpoint: http://x\n"},
		{"duplicate mcp id", "mcp:\n  servers:\n    - id: a\n      endpoint: http://x\n    - id: a\n      endpoint: http://y\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}
