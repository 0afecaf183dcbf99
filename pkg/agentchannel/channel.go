// Package agentchannel obtains the monitoring payload that is served to a
// site once a pull connection has been authenticated.
package agentchannel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// DefaultMaxPayloadBytes bounds the size of a single payload.
const DefaultMaxPayloadBytes int64 = 64 << 20

// Channel produces one payload per call. Implementations must be safe for
// concurrent use and must give up when ctx is done.
type Channel interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Type selects the Channel implementation.
type Type string

const (
	TypeSocket  Type = "socket"
	TypeCommand Type = "command"
	TypeStatic  Type = "static"
)

// Config describes the agent channel in the controller configuration file.
type Config struct {
	Type    Type     `yaml:"type"`
	Network string   `yaml:"network"`
	Address string   `yaml:"address"`
	Command []string `yaml:"command"`
	// Payload is served by the static channel.
	Payload string `yaml:"payload"`
	// MaxPayloadBytes limits socket and command output; 0 selects the default.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// Validate checks that the fields required by the selected type are set.
func (c Config) Validate() error {
	switch c.Type {
	case TypeSocket:
		if strings.TrimSpace(c.Address) == "" {
			return fmt.Errorf("%w: agent_channel.address is required for socket channels", domain.ErrConfigInvalid)
		}
		switch c.network() {
		case "unix", "tcp", "tcp4", "tcp6":
		default:
			return fmt.Errorf("%w: agent_channel.network %q is not supported", domain.ErrConfigInvalid, c.Network)
		}
	case TypeCommand:
		if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
			return fmt.Errorf("%w: agent_channel.command is required for command channels", domain.ErrConfigInvalid)
		}
	case TypeStatic:
	default:
		return fmt.Errorf("%w: unknown agent_channel.type %q", domain.ErrConfigInvalid, c.Type)
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("%w: agent_channel.max_payload_bytes must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

func (c Config) network() string {
	if c.Network == "" {
		return "unix"
	}
	return c.Network
}

func (c Config) maxPayload() int64 {
	if c.MaxPayloadBytes <= 0 {
		return DefaultMaxPayloadBytes
	}
	return c.MaxPayloadBytes
}

// New builds the Channel selected by cfg.
func New(cfg Config, logger *slog.Logger) (Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent_channel", "type", string(cfg.Type))

	switch cfg.Type {
	case TypeSocket:
		return NewSocketChannel(cfg.network(), cfg.Address, cfg.maxPayload(), logger), nil
	case TypeCommand:
		return NewCommandChannel(cfg.Command, cfg.maxPayload(), logger), nil
	default:
		return NewStaticChannel([]byte(cfg.Payload)), nil
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, fmt.Sprintf(format, args...))
}
