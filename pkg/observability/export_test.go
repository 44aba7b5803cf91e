package observability

import (
	"context"

	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ProbeResource exposes newResource for testing.
func ProbeResource(cfg Config) (*resource.Resource, error) {
	return newResource(cfg)
}

// ProbeSamplerDecision starts one root span under the sampler resolved from
// cfg and reports whether it was sampled. This exercises sampler selection
// without exposing the Sampler interface.
func ProbeSamplerDecision(cfg Config) bool {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(resolveSampler(cfg)),
	)

	_, span := tp.Tracer("probe").Start(context.Background(), "decision")
	span.End()

	// Read before Shutdown, which clears the exporter.
	sampled := len(exporter.GetSpans()) > 0

	err := tp.Shutdown(context.Background())
	if err != nil {
		return false
	}

	return sampled
}
