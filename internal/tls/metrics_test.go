package tls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTLSMetricsCollector(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()

	collector, err := GetTLSMetricsCollector(nil)
	require.NoError(t, err)

	collector.RecordHandshakeSuccess(ctx, "pull", "1.3", 20*time.Millisecond)
	collector.RecordHandshakeError(ctx, "pull", NewUntrustedPeerError(errors.New("bad certificate")))
	collector.RecordHandshakeError(ctx, "push", errors.New("plain"))
	collector.RecordCertificateExpiry(ctx, "pull srv/site", 48*time.Hour)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	total, ok := metrics["tls_handshakes_total"]
	require.True(t, ok, "missing tls_handshakes_total")
	sum, ok := total.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	failures, ok := metrics["tls_handshake_errors_total"]
	require.True(t, ok, "missing tls_handshake_errors_total")
	failureSum, ok := failures.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, failureSum.DataPoints, 2)

	_, ok = metrics["tls_handshake_duration_seconds"]
	assert.True(t, ok, "missing tls_handshake_duration_seconds")

	expiry, ok := metrics["tls_certificate_expiry_seconds"]
	require.True(t, ok, "missing tls_certificate_expiry_seconds")
	gauge, ok := expiry.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.InDelta(t, (48 * time.Hour).Seconds(), gauge.DataPoints[0].Value, 1)
}

func TestTLSMetricsCollector_NilSafe(t *testing.T) {
	var collector *TLSMetricsCollector
	collector.RecordHandshakeSuccess(context.Background(), "pull", "1.3", time.Millisecond)
	collector.RecordHandshakeError(context.Background(), "pull", errors.New("x"))
	collector.RecordCertificateExpiry(context.Background(), "x", time.Hour)
}
