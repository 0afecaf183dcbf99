package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/metrics"
	"github.com/polisai/polis-agent-ctl/pkg/pull"
	"github.com/polisai/polis-agent-ctl/pkg/push"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
	"github.com/polisai/polis-agent-ctl/pkg/telemetry"
)

const defaultGracePeriod = 10 * time.Second

type daemonOptions struct {
	pull        bool
	push        bool
	gracePeriod time.Duration
}

func (c *cli) newDaemonCmd() *cobra.Command {
	opts := daemonOptions{pull: true, push: true}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve pull connections and push to registered sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDaemon(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.gracePeriod, "grace-period", defaultGracePeriod, "Time to let in-flight connections finish on shutdown")
	return cmd
}

func (c *cli) newPullCmd() *cobra.Command {
	opts := daemonOptions{pull: true}
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Serve pull connections only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDaemon(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.gracePeriod, "grace-period", defaultGracePeriod, "Time to let in-flight connections finish on shutdown")
	return cmd
}

func (c *cli) newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push the current agent output to all push sites once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			channel, err := agentchannel.New(c.cfg.AgentChannel, c.logger)
			if err != nil {
				return err
			}
			client, err := push.NewClient(reg, channel,
				push.WithLogger(c.logger),
				push.WithCompression(c.cfg.PushCompression()),
				push.WithTimeout(c.cfg.Push.Timeout),
				push.WithRetry(c.cfg.Push.RetryConfig()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.PushAll(ctx)
		},
	}
}

func (c *cli) runDaemon(ctx context.Context, opts daemonOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, c.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			c.logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	m := metrics.New()

	reg, err := c.openRegistry()
	if err != nil {
		return err
	}
	publishEntries := func() {
		m.SetRegistryEntries(len(reg.PullConnections()), len(reg.PushConnections()))
	}
	publishEntries()

	channel, err := agentchannel.New(c.cfg.AgentChannel, c.logger)
	if err != nil {
		return err
	}

	var server *pull.Server
	if opts.pull {
		server, err = pull.NewServer(c.cfg.PullConfig(), reg, channel,
			pull.WithLogger(c.logger),
			pull.WithMetrics(m))
		if err != nil {
			return err
		}
	}
	var client *push.Client
	if opts.push {
		client, err = push.NewClient(reg, channel,
			push.WithLogger(c.logger),
			push.WithMetrics(m),
			push.WithCompression(c.cfg.PushCompression()),
			push.WithTimeout(c.cfg.Push.Timeout),
			push.WithRetry(c.cfg.Push.RetryConfig()),
			push.WithCircuitBreaker(c.cfg.Push.CircuitBreakerConfig()))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher, err := registry.NewWatcher(reg, 0, c.logger)
	if err != nil {
		return err
	}
	watcher.OnReload(func(changed bool, err error) {
		switch {
		case err != nil:
			m.RecordRegistryReload("error")
		case changed:
			m.RecordRegistryReload("success")
			publishEntries()
		}
	})
	if err := watcher.Start(gctx); err != nil {
		return err
	}
	defer watcher.Stop()

	tlsMetrics, err := ctltls.GetTLSMetricsCollector(c.logger)
	if err != nil {
		c.logger.Warn("TLS metrics unavailable", "error", err)
	}
	monitor := ctltls.NewCertificateMonitor(reg.Certificates, tlsMetrics, c.logger)
	if err := monitor.Start(gctx); err != nil {
		return err
	}
	defer monitor.Stop()

	if c.cfg.Metrics.Enabled {
		g.Go(func() error {
			return m.Serve(gctx, c.cfg.Metrics.Address, c.cfg.Metrics.Path, c.logger)
		})
	}
	if server != nil {
		g.Go(func() error {
			return server.ListenAndServe(gctx, opts.gracePeriod)
		})
	}
	if client != nil {
		g.Go(func() error {
			return client.Run(gctx, c.cfg.Push.Interval)
		})
	}

	c.logger.Info("agent-ctl started",
		"version", version,
		"registry", reg.Path(),
		"pull", opts.pull,
		"push", opts.push,
		"pull_connections", len(reg.PullConnections()),
		"push_connections", len(reg.PushConnections()))

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("agent-ctl stopped with error", "error", err)
		return err
	}
	c.logger.Info("agent-ctl stopped")
	return nil
}
