// Package push delivers monitoring payloads to the agent receivers of all
// sites registered for push, over the same per-site mutual TLS as pull.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-agent-ctl/internal/governance"
	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/domain"
	"github.com/polisai/polis-agent-ctl/pkg/metrics"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

const (
	// DefaultTimeout bounds one push request.
	DefaultTimeout = 30 * time.Second
	// DefaultInterval is the period of Run.
	DefaultInterval = time.Minute

	// FormField is the multipart field carrying the payload.
	FormField = "monitoring_data"
	// CompressionHeader names the payload encoding.
	CompressionHeader = "compression"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records push attempts into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCompression sets the payload encoding.
func WithCompression(compression wire.Compression) Option {
	return func(c *Client) {
		c.compression = compression
	}
}

// WithTimeout bounds every push request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets the retry behaviour for transient failures of one push.
func WithRetry(config governance.RetryConfig) Option {
	return func(c *Client) {
		c.retry = governance.NewRetryPolicy(config)
	}
}

// WithCircuitBreaker sets the per-site breaker that skips receivers after
// repeated failures.
func WithCircuitBreaker(config governance.CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = governance.NewCircuitBreakerManager(config)
	}
}

// WithTracerProvider sets the provider for push spans and HTTP client spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// Client pushes payloads to registered sites.
type Client struct {
	registry       *registry.Registry
	channel        agentchannel.Channel
	compression    wire.Compression
	timeout        time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	retry          *governance.RetryPolicy
	breakers       *governance.CircuitBreakerManager

	// registered remembers the controller UUID each site's breaker was
	// built up against.
	registeredMu sync.Mutex
	registered   map[string]uuid.UUID
}

// NewClient creates a push client.
func NewClient(reg *registry.Registry, channel agentchannel.Channel, opts ...Option) (*Client, error) {
	if reg == nil {
		return nil, errors.New("push client requires a registry")
	}
	if channel == nil {
		return nil, errors.New("push client requires an agent channel")
	}

	c := &Client{
		registry:       reg,
		channel:        channel,
		compression:    wire.CompressionNone,
		timeout:        DefaultTimeout,
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		retry:          governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		breakers:       governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig()),
		registered:     make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := wire.ParseCompression(string(c.compression)); err != nil {
		return nil, err
	}
	c.logger = c.logger.With("component", "push_client")
	c.tracer = c.tracerProvider.Tracer("agentctl.push")
	return c, nil
}

// Run pushes to all sites every interval until ctx is cancelled. Failures
// are logged and retried on the next tick.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.logger.Info("Push loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.PushAll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Push cycle finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Push loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PushAll fetches the payload once and pushes it to every push registration.
// Per-site failures do not stop the remaining sites; they are joined into
// the returned error. Sites whose circuit is open are skipped.
func (c *Client) PushAll(ctx context.Context) error {
	entries := c.registry.PushConnections()
	c.syncBreakers(entries)

	if len(entries) == 0 {
		c.logger.Debug("No push connections registered")
		return nil
	}

	payload, err := c.channel.Fetch(ctx)
	if err != nil {
		c.metrics.RecordAgentFetchError()
		return fmt.Errorf("fetch payload: %w", err)
	}
	body, err := wire.Encode(payload, c.compression)
	if err != nil {
		return err
	}

	var errs []error
	for _, entry := range entries {
		breaker := c.breakers.Get(entry.Site.String())
		err := breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			return c.Push(ctx, entry, body)
		})
		if errors.Is(err, governance.ErrCircuitOpen) {
			c.metrics.RecordPush("skipped", 0)
			c.logger.Debug("Skipping site with open circuit",
				"site", entry.Site.String(), "open_until", breaker.Stats().OpenUntil)
		}
		if err != nil {
			errs = append(errs, &domain.ConnectionError{Op: "push", Type: domain.Push, Site: entry.Site, Err: err})
		}
	}
	return errors.Join(errs...)
}

// syncBreakers drops the breakers of removed sites and resets those of
// sites registered again under a new controller UUID.
func (c *Client) syncBreakers(entries []registry.Entry) {
	c.registeredMu.Lock()
	defer c.registeredMu.Unlock()

	keep := make(map[string]bool, len(entries))
	current := make(map[string]uuid.UUID, len(entries))
	for _, entry := range entries {
		name := entry.Site.String()
		keep[name] = true
		current[name] = entry.Connection.Trust.UUID
		if previous, ok := c.registered[name]; ok && previous != entry.Connection.Trust.UUID {
			c.breakers.Get(name).Reset()
			c.logger.Info("Site registered again, circuit reset", "site", name)
		}
	}
	c.breakers.Retain(keep)
	c.registered = current
}

// CircuitStats returns the breaker state of every site pushed to so far.
func (c *Client) CircuitStats() map[string]governance.CircuitBreakerStats {
	return c.breakers.Stats()
}

// Push sends an already encoded body to one site.
func (c *Client) Push(ctx context.Context, entry registry.Entry, body []byte) error {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "push.site",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agentctl.site", entry.Site.String()),
			attribute.Int("agentctl.payload_bytes", len(body))))
	defer span.End()

	_, err := c.retry.Execute(ctx, func(ctx context.Context) (int, error) {
		return c.push(ctx, entry, body)
	})

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Push failed", "site", entry.Site.String(), "error", err)
	} else {
		c.logger.Info("Payload pushed", "site", entry.Site.String(), "bytes", len(body), "duration", time.Since(start))
	}
	c.metrics.RecordPush(status, time.Since(start))
	return err
}

// push performs one delivery and reports the HTTP status received, or 0
// when no response arrived.
func (c *Client) push(ctx context.Context, entry registry.Entry, body []byte) (int, error) {
	if entry.Type != domain.Push {
		return 0, fmt.Errorf("%w: %s is not a push registration", domain.ErrNotRegistered, entry.Site)
	}
	if entry.Connection.ReceiverPort == 0 {
		return 0, fmt.Errorf("%w: receiver_port is not set for %s", domain.ErrConfigInvalid, entry.Site)
	}

	tlsConfig, err := ctltls.ClientConfig(entry.Connection.Trust, entry.Site.Server)
	if err != nil {
		return 0, err
	}
	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: c.timeout,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: otelhttp.NewTransport(transport, otelhttp.WithTracerProvider(c.tracerProvider)),
		Timeout:   c.timeout,
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile(FormField, FormField)
	if err != nil {
		return 0, err
	}
	if _, err := part.Write(body); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ReceiverURL(entry), &form)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(CompressionHeader, string(c.compression))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("receiver answered %s: %s", resp.Status, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// ReceiverURL is the agent data endpoint of a site's agent receiver.
func ReceiverURL(entry registry.Entry) string {
	u := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(entry.Site.Server, strconv.Itoa(int(entry.Connection.ReceiverPort))),
		Path:   "/" + entry.Site.Site + "/agent-receiver/agent_data/" + entry.Connection.Trust.UUID.String(),
	}
	return u.String()
}
