// Package metrics exposes the controller's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Pull connection outcomes.
const (
	OutcomeServed   = "served"
	OutcomeRejected = "rejected"
	OutcomeTimedOut = "timed_out"
	OutcomeError    = "error"
)

// Rejection reasons.
const (
	ReasonIPNotAllowed = "ip_not_allowed"
	ReasonCapacity     = "capacity"
	ReasonUntrusted    = "untrusted_peer"
)

// Metrics holds the Prometheus collectors of the controller. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	pullConnections  *prometheus.CounterVec
	pullRejections   *prometheus.CounterVec
	pullActive       prometheus.Gauge
	pullDuration     *prometheus.HistogramVec
	pullBytesSent    prometheus.Counter
	pushAttempts     *prometheus.CounterVec
	pushDuration     prometheus.Histogram
	registryEntries  *prometheus.GaugeVec
	registryReloads  *prometheus.CounterVec
	agentFetchErrors prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		pullConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_pull_connections_total",
				Help: "Total number of pull connections by final outcome",
			},
			[]string{"outcome"},
		),

		pullRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_pull_rejections_total",
				Help: "Total number of rejected pull connections by reason",
			},
			[]string{"reason"},
		),

		pullActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentctl_pull_active_connections",
				Help: "Number of admitted pull connections currently in progress",
			},
		),

		pullDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentctl_pull_connection_duration_seconds",
				Help:    "Pull connection lifetime in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"outcome"},
		),

		pullBytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentctl_pull_bytes_sent_total",
				Help: "Total number of payload bytes written to pull connections",
			},
		),

		pushAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_push_attempts_total",
				Help: "Total number of push attempts by status",
			},
			[]string{"status"},
		),

		pushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentctl_push_duration_seconds",
				Help:    "Push request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		registryEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentctl_registry_entries",
				Help: "Number of registered connections by type",
			},
			[]string{"type"},
		),

		registryReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_registry_reloads_total",
				Help: "Total number of registry reload attempts by status",
			},
			[]string{"status"},
		),

		agentFetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentctl_agent_fetch_errors_total",
				Help: "Total number of failed agent payload fetches",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.pullConnections,
		m.pullRejections,
		m.pullActive,
		m.pullDuration,
		m.pullBytesSent,
		m.pushAttempts,
		m.pushDuration,
		m.registryEntries,
		m.registryReloads,
		m.agentFetchErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordPullConnection records the final outcome of a pull connection.
func (m *Metrics) RecordPullConnection(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pullConnections.WithLabelValues(outcome).Inc()
	m.pullDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPullRejection records why a pull connection was refused.
func (m *Metrics) RecordPullRejection(reason string) {
	if m == nil {
		return
	}
	m.pullRejections.WithLabelValues(reason).Inc()
}

// PullAdmitted increments the active connection gauge.
func (m *Metrics) PullAdmitted() {
	if m == nil {
		return
	}
	m.pullActive.Inc()
}

// PullReleased decrements the active connection gauge.
func (m *Metrics) PullReleased() {
	if m == nil {
		return
	}
	m.pullActive.Dec()
}

// RecordBytesSent adds n payload bytes written to a site.
func (m *Metrics) RecordBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pullBytesSent.Add(float64(n))
}

// RecordPush records one push attempt.
func (m *Metrics) RecordPush(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pushAttempts.WithLabelValues(status).Inc()
	m.pushDuration.Observe(duration.Seconds())
}

// SetRegistryEntries publishes the number of registered connections.
func (m *Metrics) SetRegistryEntries(pull, push int) {
	if m == nil {
		return
	}
	m.registryEntries.WithLabelValues("pull").Set(float64(pull))
	m.registryEntries.WithLabelValues("push").Set(float64(push))
}

// RecordRegistryReload records a registry reload attempt.
func (m *Metrics) RecordRegistryReload(status string) {
	if m == nil {
		return
	}
	m.registryReloads.WithLabelValues(status).Inc()
}

// RecordAgentFetchError counts a failed agent payload fetch.
func (m *Metrics) RecordAgentFetchError() {
	if m == nil {
		return
	}
	m.agentFetchErrors.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler, instrumented with OpenTelemetry.
func (m *Metrics) Handler() http.Handler {
	return otelhttp.NewHandler(
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}),
		"agentctl.metrics",
	)
}

// Serve exposes the scrape handler on address until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	logger.Info("Metrics server listening", "addr", listener.Addr().String(), "path", path)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
