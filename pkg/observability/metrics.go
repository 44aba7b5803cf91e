package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Wire names of the RED instruments. Dashboards key on these.
const (
	metricRequestsTotal    = "perfsentinel.requests.total"
	metricRequestDuration  = "perfsentinel.request.duration.seconds"
	metricErrorsTotal      = "perfsentinel.errors.total"
	metricInflightRequests = "perfsentinel.inflight.requests"
)

const (
	attrKeyOp     = "op"
	attrKeyStatus = "status"

	statusError = "error"
)

// durationBucketBoundaries covers 10ms to 600s: sentinel workloads range
// from sub-second single-run analyses to multi-minute coordination waits.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// REDMetrics carries the Rate, Error, Duration instruments shared by the
// CLI commands and the MCP tool handlers.
type REDMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewREDMetrics builds the RED instrument set on the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	b := batchInstruments(mt)

	m := &REDMetrics{
		requests: b.counter(metricRequestsTotal, "Total number of requests", "{request}"),
		duration: b.histogram(metricRequestDuration, "Request duration in seconds", "s", durationBucketBoundaries...),
		failures: b.counter(metricErrorsTotal, "Total number of errors", "{error}"),
		inflight: b.upDownCounter(metricInflightRequests, "Number of in-flight requests", "{request}"),
	}

	if b.firstErr != nil {
		return nil, b.firstErr
	}

	return m, nil
}

// RecordRequest records one completed request. The error counter moves only
// for the "error" status and is keyed by operation alone, which keeps its
// cardinality bounded.
func (m *REDMetrics) RecordRequest(ctx context.Context, op, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrKeyOp, op),
		attribute.String(attrKeyStatus, status),
	)

	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)

	if status != statusError {
		return
	}

	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKeyOp, op)))
}

// TrackInflight bumps the in-flight gauge and returns the matching
// decrement for the caller to defer.
func (m *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	attrs := metric.WithAttributes(attribute.String(attrKeyOp, op))
	m.inflight.Add(ctx, 1, attrs)

	return func() {
		m.inflight.Add(ctx, -1, attrs)
	}
}
