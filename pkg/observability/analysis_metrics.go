package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRunsTotal      = "perfsentinel.analysis.runs.total"
	metricStepsTotal     = "perfsentinel.analysis.steps.total"
	metricRunDuration    = "perfsentinel.analysis.run.duration.seconds"
	metricFallbacksTotal = "perfsentinel.storage.fallbacks.total"

	attrVerdict = "verdict"
	attrFrom    = "from"
	attrTo      = "to"

	verdictOK        = "ok"
	verdictNew       = "new"
	verdictDrifting  = "drifting"
	verdictRegressed = "regressed"
)

// AnalysisMetrics holds OTel instruments for analysis-specific metrics.
type AnalysisMetrics struct {
	runsTotal   metric.Int64Counter
	stepsTotal  metric.Int64Counter
	runDuration metric.Float64Histogram
	fallbacks   metric.Int64Counter
}

// RunStats holds the per-verdict step counts of a single analysis pass,
// decoupled from report types. A step counts once per verdict it earned,
// so a drifting sample that also regressed appears in both counts.
type RunStats struct {
	StepsOK        int64
	StepsNew       int64
	StepsDrifting  int64
	StepsRegressed int64
	Duration       time.Duration
}

// NewAnalysisMetrics creates analysis metric instruments from the given meter.
func NewAnalysisMetrics(mt metric.Meter) (*AnalysisMetrics, error) {
	b := batchInstruments(mt)

	am := &AnalysisMetrics{
		runsTotal:   b.counter(metricRunsTotal, "Total runs analyzed", "{run}"),
		stepsTotal:  b.counter(metricStepsTotal, "Classified steps by verdict", "{step}"),
		runDuration: b.histogram(metricRunDuration, "Per-run analysis duration in seconds", "s", durationBucketBoundaries...),
		fallbacks:   b.counter(metricFallbacksTotal, "Storage adapter fallbacks", "{fallback}"),
	}

	if b.firstErr != nil {
		return nil, b.firstErr
	}

	return am, nil
}

// RecordRun records the verdict counts for a completed analysis pass.
// Safe to call on a nil receiver (no-op).
func (am *AnalysisMetrics) RecordRun(ctx context.Context, stats RunStats) {
	if am == nil {
		return
	}

	am.runsTotal.Add(ctx, 1)
	am.runDuration.Record(ctx, stats.Duration.Seconds())

	am.addVerdict(ctx, verdictOK, stats.StepsOK)
	am.addVerdict(ctx, verdictNew, stats.StepsNew)
	am.addVerdict(ctx, verdictDrifting, stats.StepsDrifting)
	am.addVerdict(ctx, verdictRegressed, stats.StepsRegressed)
}

// RecordFallback records one storage failover from the configured adapter
// to the standby. Safe to call on a nil receiver (no-op).
func (am *AnalysisMetrics) RecordFallback(ctx context.Context, from, to string) {
	if am == nil {
		return
	}

	am.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFrom, from),
		attribute.String(attrTo, to),
	))
}

func (am *AnalysisMetrics) addVerdict(ctx context.Context, verdict string, count int64) {
	if count == 0 {
		return
	}

	am.stepsTotal.Add(ctx, count, metric.WithAttributes(attribute.String(attrVerdict, verdict)))
}
