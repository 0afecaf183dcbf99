package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-ctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pullCfg := cfg.PullConfig()
	assert.Equal(t, 8000, pullCfg.Port)
	assert.Equal(t, 3, pullCfg.MaxConnections)
	assert.Equal(t, 20*time.Second, pullCfg.ConnectionTimeout)
	assert.Equal(t, wire.CompressionNone, pullCfg.Compression)
	assert.Empty(t, pullCfg.AllowedIP)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
registry_path: /tmp/agent-ctl/registered_connections.json
pull:
  port: 6556
  allowed_ip: ["10.0.0.0/8", "192.168.1.1"]
  max_connections: 5
  connection_timeout: 7
  compression: ZSTD
push:
  interval: 90s
  retries: 4
  failure_threshold: 0
agent_channel:
  type: command
  command: ["/usr/bin/check_mk_agent"]
logging:
  level: debug
  format: text
telemetry:
  endpoint: collector:4317
metrics:
  enabled: true
  address: 127.0.0.1:9102
  path: /metrics
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/agent-ctl/registered_connections.json", cfg.RegistryPath)
	pullCfg := cfg.PullConfig()
	assert.Equal(t, 6556, pullCfg.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, pullCfg.AllowedIP)
	assert.Equal(t, 5, pullCfg.MaxConnections)
	assert.Equal(t, 7*time.Second, pullCfg.ConnectionTimeout)
	assert.Equal(t, wire.CompressionZstd, pullCfg.Compression)

	assert.Equal(t, 90*time.Second, cfg.Push.Interval)
	assert.Equal(t, 4, cfg.Push.RetryConfig().MaxRetries)
	assert.Zero(t, cfg.Push.CircuitBreakerConfig().MaxFailures)
	assert.Equal(t, 5*time.Minute, cfg.Push.CircuitBreakerConfig().Timeout)
	assert.Equal(t, wire.CompressionNone, cfg.PushCompression())
	assert.Equal(t, agentchannel.TypeCommand, cfg.AgentChannel.Type)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "agent-ctl", cfg.Telemetry.ServiceName, "unset keys keep defaults")
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTCTL_REGISTRY_PATH", "/srv/registry.json")
	t.Setenv("AGENTCTL_PULL_PORT", "7000")
	t.Setenv("AGENTCTL_ALLOWED_IP", "10.0.0.1, 10.0.0.2")
	t.Setenv("AGENTCTL_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/registry.json", cfg.RegistryPath)
	assert.Equal(t, 7000, cfg.Pull.Port)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Pull.AllowedIP)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pull: [unclosed"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	t.Setenv("AGENTCTL_PULL_PORT", "eighty")
	_, err = Load("")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty registry path", func(c *Config) { c.RegistryPath = " " }},
		{"port out of range", func(c *Config) { c.Pull.Port = 70000 }},
		{"zero max connections", func(c *Config) { c.Pull.MaxConnections = 0 }},
		{"zero timeout", func(c *Config) { c.Pull.ConnectionTimeout = 0 }},
		{"bad allowed ip", func(c *Config) { c.Pull.AllowedIP = []string{"not-an-ip"} }},
		{"bad pull compression", func(c *Config) { c.Pull.Compression = "lzma" }},
		{"zero push interval", func(c *Config) { c.Push.Interval = 0 }},
		{"bad push compression", func(c *Config) { c.Push.Compression = "gzip" }},
		{"negative retries", func(c *Config) { c.Push.Retries = -1 }},
		{"sample ratio above one", func(c *Config) {
			ratio := 2.0
			c.Telemetry.SampleRatio = &ratio
		}},
		{"socket without address", func(c *Config) { c.AgentChannel.Address = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}},
		{"metrics relative path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "metrics"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrConfigInvalid)
		})
	}
}
