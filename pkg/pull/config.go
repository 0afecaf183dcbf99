package pull

import (
	"fmt"
	"time"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

// Defaults for the pull server.
const (
	DefaultPort              = 8000
	DefaultMaxConnections    = 3
	DefaultConnectionTimeout = 20 * time.Second
)

// Config holds the static settings of the pull server.
type Config struct {
	// Address is the host part of the listen address; empty binds all
	// interfaces.
	Address string
	// Port 0 selects an ephemeral port.
	Port int
	// AllowedIP holds IP and CIDR patterns; empty allows every peer.
	AllowedIP         []string
	MaxConnections    int
	ConnectionTimeout time.Duration
	Compression       wire.Compression
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		MaxConnections:    DefaultMaxConnections,
		ConnectionTimeout: DefaultConnectionTimeout,
		Compression:       wire.CompressionNone,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: pull port %d out of range", domain.ErrConfigInvalid, c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be at least 1", domain.ErrConfigInvalid)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("%w: connection_timeout must be positive", domain.ErrConfigInvalid)
	}
	if _, err := wire.ParseCompression(string(c.Compression)); err != nil {
		return err
	}
	if _, err := ParseAllowList(c.AllowedIP); err != nil {
		return err
	}
	return nil
}
