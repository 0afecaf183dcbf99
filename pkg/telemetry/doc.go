// Package telemetry wires the OpenTelemetry trace exporter for the
// controller.
//
// Pull connections and push attempts are traced through the global tracer
// provider. When no OTLP endpoint is configured the provider stays the
// default no-op one and spans cost nothing.
package telemetry
