package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// scopeName is the instrumentation scope for all tracers and meters owned by
// this binary.
const scopeName = "perfsentinel"

// Standard OTel environment variables honored during sampler selection.
const (
	envTracesSampler    = "OTEL_TRACES_SAMPLER"
	envTracesSamplerArg = "OTEL_TRACES_SAMPLER_ARG"
)

// Providers bundles the telemetry entry points handed to the rest of the
// binary.
type Providers struct {
	// Tracer creates spans under the binary's instrumentation scope.
	Tracer trace.Tracer

	// Meter creates instruments under the same scope.
	Meter metric.Meter

	// Logger writes structured records stamped with trace context.
	Logger *slog.Logger

	// Shutdown flushes buffered telemetry. Call it before process exit.
	Shutdown func(ctx context.Context) error
}

// Init wires up OpenTelemetry tracing, metrics, and structured logging and
// installs the global tracer provider, meter provider, and W3C propagators.
// With an empty OTLPEndpoint the trace and metric providers are no-ops, so a
// plain CLI run pays no export cost and needs no collector.
func Init(cfg Config) (Providers, error) {
	ctx := context.Background()

	res, err := newResource(cfg)
	if err != nil {
		return Providers{}, err
	}

	tp, tpShutdown, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, fmt.Errorf("build tracer provider: %w", err)
	}

	mp, mpShutdown, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, errors.Join(fmt.Errorf("build meter provider: %w", err), tpShutdown(ctx))
	}

	// Hot-path spans (per-storage-op, scrape handlers) stay process-local
	// unless verbose tracing was requested.
	if cfg.OTLPEndpoint != "" && !cfg.TraceVerbose {
		tp = NewFilteringTracerProvider(tp)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return Providers{
		Tracer:   tp.Tracer(scopeName),
		Meter:    mp.Meter(scopeName),
		Logger:   newLogger(cfg),
		Shutdown: composeShutdown(cfg.ShutdownTimeoutSec, tpShutdown, mpShutdown),
	}, nil
}

type shutdownFunc func(ctx context.Context) error

func noopShutdown(_ context.Context) error { return nil }

// composeShutdown runs every closer under one deadline and joins their
// errors. A non-positive timeout falls back to the package default.
func composeShutdown(timeoutSec int, closers ...shutdownFunc) shutdownFunc {
	return func(ctx context.Context) error {
		timeout := time.Duration(timeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultShutdownTimeoutSec * time.Second
		}

		deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		errs := make([]error, 0, len(closers))
		for _, closer := range closers {
			errs = append(errs, closer(deadlineCtx))
		}

		return errors.Join(errs...)
	}
}

func newResource(cfg Config) (*resource.Resource, error) {
	kvs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}

	if cfg.ServiceVersion != "" {
		kvs = append(kvs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	if cfg.Environment != "" {
		kvs = append(kvs, semconv.DeploymentEnvironment(cfg.Environment))
	}

	if cfg.Mode != "" {
		kvs = append(kvs, attribute.String("app.mode", string(cfg.Mode)))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(kvs...))
	if err != nil {
		return nil, fmt.Errorf("assemble otel resource: %w", err)
	}

	return res, nil
}

func newTracerProvider(
	ctx context.Context, cfg Config, res *resource.Resource,
) (trace.TracerProvider, shutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return nooptrace.NewTracerProvider(), noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(ctx, traceExporterOpts(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	// In debug-trace mode the attribute filter reports every key it drops.
	var dropLog *slog.Logger
	if cfg.DebugTrace {
		dropLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(NewAttributeFilter(sdktrace.NewBatchSpanProcessor(exporter), dropLog)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(resolveSampler(cfg)),
	)

	return tp, tp.Shutdown, nil
}

func traceExporterOpts(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}

	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	return opts
}

// resolveSampler picks the trace sampler. Precedence: DebugTrace forces
// always-on, then a recognized OTEL_TRACES_SAMPLER value, then the
// configured sample ratio, then parent-based always-on.
func resolveSampler(cfg Config) sdktrace.Sampler {
	if cfg.DebugTrace {
		return sdktrace.AlwaysSample()
	}

	if name := os.Getenv(envTracesSampler); name != "" {
		if sampler, ok := envSampler(name, os.Getenv(envTracesSamplerArg)); ok {
			return sampler
		}
	}

	if cfg.SampleRatio > 0 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

// envSampler maps an OTEL_TRACES_SAMPLER name to a sampler. Unrecognized
// names report false so config-driven selection still applies.
func envSampler(name, arg string) (sdktrace.Sampler, bool) {
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample(), true
	case "always_off":
		return sdktrace.NeverSample(), true
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(samplerRatio(arg)), true
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), true
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample()), true
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplerRatio(arg))), true
	default:
		return nil, false
	}
}

// samplerRatio parses OTEL_TRACES_SAMPLER_ARG. Missing or malformed
// arguments mean full sampling, matching the SDK's own fallback.
func samplerRatio(arg string) float64 {
	if arg == "" {
		return 1.0
	}

	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 1.0
	}

	return ratio
}

func newMeterProvider(
	ctx context.Context, cfg Config, res *resource.Resource,
) (metric.MeterProvider, shutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopmetric.NewMeterProvider(), noopShutdown, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx, metricExporterOpts(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	return mp, mp.Shutdown, nil
}

func metricExporterOpts(cfg Config) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}

	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
	}

	return opts
}

func newLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var sink slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogJSON {
		sink = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(NewTracingHandler(sink, cfg.ServiceName, cfg.Environment, cfg.ServiceVersion, cfg.Mode))
}

// ParseOTLPHeaders parses exporter headers in "key=value,key=value" form.
// Pairs without an "=" or with a blank key are skipped; when nothing
// survives the result is nil.
func ParseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)

	for pair := range strings.SplitSeq(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		headers[key] = strings.TrimSpace(value)
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}
