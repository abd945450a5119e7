// Package telemetry wires OpenTelemetry tracing and meters for the mesh.
//
// SetupProvider installs the process-wide OTLP/gRPC tracer provider. The span
// helpers annotate propagation, routing, filtering and translation with event
// attributes, and the meter instruments record per-event outcomes against
// whatever MeterProvider the process installed.
package telemetry
