package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Tracer names muted wholesale. The storage layer opens a span per
// adapter call, and a single history load touches hundreds of runs.
var mutedScopes = map[string]bool{
	"perfsentinel.storage": true,
}

// Span names muted inside otherwise-active scopes. Probe and scrape
// requests recur every few seconds and carry no analysis context.
var mutedSpans = map[string]bool{
	"GET /metrics": true,
	"GET /healthz": true,
	"GET /readyz":  true,
}

// NewFilteringTracerProvider wraps delegate so hot-path spans never
// reach the exporter. A muted tracer name yields a wholly noop tracer;
// a muted span name yields a noop span from an otherwise live tracer.
func NewFilteringTracerProvider(delegate trace.TracerProvider) trace.TracerProvider {
	return &muteTracerProvider{
		real:   delegate,
		silent: nooptrace.NewTracerProvider(),
	}
}

type muteTracerProvider struct {
	embedded.TracerProvider

	real   trace.TracerProvider
	silent trace.TracerProvider
}

func (p *muteTracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if mutedScopes[name] {
		return p.silent.Tracer(name, opts...)
	}

	return &muteTracer{
		real:   p.real.Tracer(name, opts...),
		silent: p.silent.Tracer(name, opts...),
	}
}

// muteTracer delegates span creation, swapping in a noop span when the
// requested span name is muted.
type muteTracer struct {
	embedded.Tracer

	real   trace.Tracer
	silent trace.Tracer
}

func (t *muteTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if mutedSpans[name] {
		return t.silent.Start(ctx, name, opts...)
	}

	return t.real.Start(ctx, name, opts...)
}
