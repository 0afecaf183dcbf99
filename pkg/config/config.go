// Package config loads the static controller configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-agent-ctl/internal/governance"
	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/logging"
	"github.com/polisai/polis-agent-ctl/pkg/pull"
	"github.com/polisai/polis-agent-ctl/pkg/push"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
	"github.com/polisai/polis-agent-ctl/pkg/telemetry"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

// DefaultRegistryPath is used when registry_path is not configured.
const DefaultRegistryPath = "/var/lib/agent-ctl/" + registry.DefaultFileName

// Config holds the controller configuration.
type Config struct {
	RegistryPath string              `yaml:"registry_path"`
	Pull         PullConfig          `yaml:"pull"`
	Push         PushConfig          `yaml:"push"`
	AgentChannel agentchannel.Config `yaml:"agent_channel"`
	Logging      logging.Config      `yaml:"logging"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
	Metrics      MetricsConfig       `yaml:"metrics"`
}

// PullConfig holds the pull server settings.
type PullConfig struct {
	Address   string   `yaml:"address"`
	Port      int      `yaml:"port"`
	AllowedIP []string `yaml:"allowed_ip"`
	// MaxConnections bounds concurrently served connections.
	MaxConnections int `yaml:"max_connections"`
	// ConnectionTimeout is in seconds.
	ConnectionTimeout int    `yaml:"connection_timeout"`
	Compression       string `yaml:"compression"`
}

// PushConfig holds the push loop settings.
type PushConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Compression string        `yaml:"compression"`
	// Retries of a single push on transient failures.
	Retries int `yaml:"retries"`
	// FailureThreshold consecutive failed cycles skip a site for
	// OpenTimeout. 0 never skips.
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	pullDefaults := pull.DefaultConfig()
	return &Config{
		RegistryPath: DefaultRegistryPath,
		Pull: PullConfig{
			Port:              pullDefaults.Port,
			MaxConnections:    pullDefaults.MaxConnections,
			ConnectionTimeout: int(pullDefaults.ConnectionTimeout / time.Second),
			Compression:       string(wire.CompressionNone),
		},
		Push: PushConfig{
			Interval:         push.DefaultInterval,
			Timeout:          push.DefaultTimeout,
			Compression:      string(wire.CompressionNone),
			Retries:          governance.DefaultRetryConfig().MaxRetries,
			FailureThreshold: governance.DefaultCircuitBreakerConfig().MaxFailures,
			OpenTimeout:      governance.DefaultCircuitBreakerConfig().Timeout,
		},
		AgentChannel: agentchannel.Config{
			Type:    agentchannel.TypeSocket,
			Network: "unix",
			Address: "/run/check-mk-agent.socket",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
			Insecure:    true,
		},
		Metrics: MetricsConfig{
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from path on top of the defaults and applies
// environment variable overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file %s: %w", domain.ErrConfigInvalid, path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("AGENTCTL_REGISTRY_PATH"); val != "" {
		cfg.RegistryPath = val
	}
	if val := os.Getenv("AGENTCTL_PULL_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: AGENTCTL_PULL_PORT: %w", domain.ErrConfigInvalid, err)
		}
		cfg.Pull.Port = port
	}
	if val := os.Getenv("AGENTCTL_ALLOWED_IP"); val != "" {
		cfg.Pull.AllowedIP = strings.Fields(strings.ReplaceAll(val, ",", " "))
	}
	if val := os.Getenv("AGENTCTL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("AGENTCTL_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("AGENTCTL_OTLP_INSECURE"); val != "" {
		cfg.Telemetry.Insecure = val == "true"
	}
	return nil
}

// Validate checks the whole configuration. Errors wrap
// domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RegistryPath) == "" {
		return fmt.Errorf("%w: registry_path is required", domain.ErrConfigInvalid)
	}
	if err := c.PullConfig().Validate(); err != nil {
		return fmt.Errorf("pull configuration: %w", err)
	}
	if err := c.Push.Validate(); err != nil {
		return fmt.Errorf("push configuration: %w", err)
	}
	if err := c.AgentChannel.Validate(); err != nil {
		return fmt.Errorf("agent channel configuration: %w", err)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("%w: logging.format %q must be json or text", domain.ErrConfigInvalid, c.Logging.Format)
	}
	if r := c.Telemetry.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("%w: telemetry.sample_ratio %v must be within [0, 1]", domain.ErrConfigInvalid, *r)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}
	return nil
}

// PullConfig converts the file settings to the pull server configuration.
func (c *Config) PullConfig() pull.Config {
	compression, err := wire.ParseCompression(c.Pull.Compression)
	if err != nil {
		// Left as is so that pull.Config.Validate reports it.
		compression = wire.Compression(c.Pull.Compression)
	}
	return pull.Config{
		Address:           c.Pull.Address,
		Port:              c.Pull.Port,
		AllowedIP:         c.Pull.AllowedIP,
		MaxConnections:    c.Pull.MaxConnections,
		ConnectionTimeout: time.Duration(c.Pull.ConnectionTimeout) * time.Second,
		Compression:       compression,
	}
}

// PushCompression returns the normalised push payload encoding.
func (c *Config) PushCompression() wire.Compression {
	compression, err := wire.ParseCompression(c.Push.Compression)
	if err != nil {
		return wire.CompressionNone
	}
	return compression
}

// RetryConfig returns the retry behaviour of one push.
func (p PushConfig) RetryConfig() governance.RetryConfig {
	cfg := governance.DefaultRetryConfig()
	cfg.MaxRetries = p.Retries
	return cfg
}

// CircuitBreakerConfig returns the per-site breaker settings.
func (p PushConfig) CircuitBreakerConfig() governance.CircuitBreakerConfig {
	return governance.CircuitBreakerConfig{
		MaxFailures: p.FailureThreshold,
		Timeout:     p.OpenTimeout,
	}
}

// Validate checks the push settings.
func (p PushConfig) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("%w: push.interval must be positive", domain.ErrConfigInvalid)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%w: push.timeout must not be negative", domain.ErrConfigInvalid)
	}
	if p.Retries < 0 || p.FailureThreshold < 0 || p.OpenTimeout < 0 {
		return fmt.Errorf("%w: push retries, failure_threshold and open_timeout must not be negative", domain.ErrConfigInvalid)
	}
	_, err := wire.ParseCompression(p.Compression)
	return err
}

// Validate checks the metrics settings.
func (m MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Address == "" {
		return fmt.Errorf("%w: metrics.address is required when metrics are enabled", domain.ErrConfigInvalid)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", domain.ErrConfigInvalid)
	}
	return nil
}
