// Package telemetry wires OpenTelemetry tracing and metrics for patterngate.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. Telemetry is disabled by default; a failed exporter marks the
// instance degraded and the daemon keeps running on no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("patterngate/gate").Start(ctx, "gate.validate")
//	defer span.End()
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
