// Package main is the entry point for the agent-ctl binary.
// It serves monitoring data to registered sites and manages their trust
// material.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-agent-ctl/pkg/config"
	"github.com/polisai/polis-agent-ctl/pkg/logging"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds the persistent flags and what PersistentPreRunE derives from
// them.
type cli struct {
	configPath   string
	registryPath string
	logLevel     string
	logFormat    string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "agent-ctl",
		Short: "Monitoring agent controller",
		Long: `agent-ctl hands the local monitoring agent output to registered
monitoring sites over mutually authenticated TLS.

Sites either connect to the controller (pull) or receive data from it (push).
The trust material of every site is kept in the registry file.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&c.registryPath, "registry", "", "Path to the registry file (overrides registry_path)")
	flags.StringVarP(&c.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(
		c.newDaemonCmd(),
		c.newPullCmd(),
		c.newPushCmd(),
		c.newStatusCmd(),
		c.newImportCmd(),
		c.newDeleteCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.registryPath != "" {
		cfg.RegistryPath = c.registryPath
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		if !logging.ValidFormat(c.logFormat) {
			return fmt.Errorf("unknown log format %q", c.logFormat)
		}
		cfg.Logging.Format = c.logFormat
	}

	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	c.logger = logging.NewLogger(logCfg)
	slog.SetDefault(c.logger)

	c.cfg = cfg
	return nil
}

func (c *cli) openRegistry() (*registry.Registry, error) {
	return registry.Load(c.cfg.RegistryPath, registry.WithLogger(c.logger))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the controller version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agent-ctl %s\n", version)
		},
	}
}
