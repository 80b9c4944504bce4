// Package otel publishes engine metrics as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter and
// one Int64ObservableGauge per latency bucket; a single callback reads the
// engine snapshot on every collection cycle. Callers own the MeterProvider.
package otel
