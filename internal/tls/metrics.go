package tls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	tlsMetricsInst *TLSMetricsCollector
)

// TLSMetricsCollector records handshake outcomes for both channel directions.
type TLSMetricsCollector struct {
	handshakesTotal   metric.Int64Counter
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	certificateExpiry metric.Float64Gauge

	logger *slog.Logger
}

// GetTLSMetricsCollector returns the singleton TLS metrics collector
func GetTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	metricsOnce.Do(func() {
		tlsMetricsInst, metricsInitErr = newTLSMetricsCollector(logger)
	})
	return tlsMetricsInst, metricsInitErr
}

func newTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("agentctl.tls")

	collector := &TLSMetricsCollector{
		logger: logger,
	}

	var err error

	collector.handshakesTotal, err = meter.Int64Counter(
		"tls_handshakes_total",
		metric.WithDescription("Total number of completed mutual TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of failed mutual TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("Mutual TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateExpiry, err = meter.Float64Gauge(
		"tls_certificate_expiry_seconds",
		metric.WithDescription("Time until a registered certificate expires"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshakeSuccess records a successful handshake.
func (c *TLSMetricsCollector) RecordHandshakeSuccess(ctx context.Context, direction, version string, duration time.Duration) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("tls_version", version),
	)
	c.handshakesTotal.Add(ctx, 1, attrs)
	c.handshakeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHandshakeError records a failed handshake, categorised by error type.
func (c *TLSMetricsCollector) RecordHandshakeError(ctx context.Context, direction string, err error) {
	if c == nil {
		return
	}
	errorType := string(ErrorTypeHandshakeFailure)
	if tlsErr, ok := err.(*TLSError); ok {
		errorType = string(tlsErr.Type)
	}
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("error_type", errorType),
	))
	c.logger.Debug("TLS handshake failed", "direction", direction, "error_type", errorType)
}

// RecordCertificateExpiry publishes the remaining lifetime of a certificate.
func (c *TLSMetricsCollector) RecordCertificateExpiry(ctx context.Context, name string, remaining time.Duration) {
	if c == nil {
		return
	}
	c.certificateExpiry.Record(ctx, remaining.Seconds(), metric.WithAttributes(
		attribute.String("certificate", name),
	))
}
