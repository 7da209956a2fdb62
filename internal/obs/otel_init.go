package obs

import (
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitOtel installs local tracer and meter providers as the global
// OpenTelemetry providers, adapted from the teacher's
// internal/observability/otel.go minus its OTLP exporter wiring: this
// engine has no otlp_endpoint config key (SPEC_FULL.md's Config table carries
// only otel_enabled, a bool), so the providers here hold metrics/spans
// in-process rather than shipping them to a collector. Without this call,
// otel.Meter("memoria") and otel.Tracer(...) resolve to no-op providers and
// OtelMetrics/LoggerWithTrace's span enrichment are permanently inert.
func InitOtel() {
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	otel.SetMeterProvider(sdkmetric.NewMeterProvider())
}
