package observability

import (
	"context"
	"fmt"
	"math"
	runtimemetrics "runtime/metrics"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricGoroutines        = "perfsentinel.runtime.goroutines"
	metricThreads           = "perfsentinel.runtime.threads"
	metricGoroutinesCreated = "perfsentinel.runtime.goroutines.created"

	// runtime/metrics sample names.
	sampleGoroutines        = "/sched/goroutines:goroutines"
	sampleThreads           = "/sched/threads:threads"
	sampleGoroutinesCreated = "/sched/goroutines-created:goroutines"
)

// runtimeReading ties a runtime/metrics sample to the instrument it feeds.
type runtimeReading struct {
	sampleName string
	observable metric.Int64Observable
}

// SchedulerMetrics exposes Go runtime scheduler counts as OTel instruments.
// The reader's collection cycle drives sampling; in MCP mode the goroutine
// gauge surfaces poll loops and coordination waits that leak goroutines.
type SchedulerMetrics struct {
	readings []runtimeReading
}

// NewSchedulerMetrics registers observable instruments backed by
// runtime/metrics. No manual polling is needed; samples the runtime does
// not recognize report nothing.
func NewSchedulerMetrics(mt metric.Meter) (*SchedulerMetrics, error) {
	b := batchInstruments(mt)

	goroutines := b.gauge(metricGoroutines, "Current number of live goroutines", "{goroutine}")
	threads := b.gauge(metricThreads, "Current number of OS threads created by the Go runtime", "{thread}")
	created := b.observableCounter(metricGoroutinesCreated, "Total goroutines created since process start", "{goroutine}")

	if b.firstErr != nil {
		return nil, b.firstErr
	}

	sm := &SchedulerMetrics{
		readings: []runtimeReading{
			{sampleName: sampleGoroutines, observable: goroutines},
			{sampleName: sampleThreads, observable: threads},
			{sampleName: sampleGoroutinesCreated, observable: created},
		},
	}

	_, err := mt.RegisterCallback(sm.observe, goroutines, threads, created)
	if err != nil {
		return nil, fmt.Errorf("register scheduler metrics callback: %w", err)
	}

	return sm, nil
}

// observe performs one runtime/metrics read and reports every recognized
// sample to its paired instrument.
func (sm *SchedulerMetrics) observe(_ context.Context, obs metric.Observer) error {
	samples := make([]runtimemetrics.Sample, len(sm.readings))
	for idx, reading := range sm.readings {
		samples[idx].Name = reading.sampleName
	}

	runtimemetrics.Read(samples)

	for idx := range samples {
		value, ok := int64Sample(samples[idx].Value)
		if !ok {
			continue
		}

		obs.ObserveInt64(sm.readings[idx].observable, value)
	}

	return nil
}

// int64Sample converts a runtime/metrics value to int64. Uint64 samples
// beyond the int64 range clamp to MaxInt64.
func int64Sample(val runtimemetrics.Value) (int64, bool) {
	switch val.Kind() {
	case runtimemetrics.KindUint64:
		u := val.Uint64()
		if u > uint64(math.MaxInt64) {
			return math.MaxInt64, true
		}

		return int64(u), true
	case runtimemetrics.KindFloat64:
		return int64(val.Float64()), true
	case runtimemetrics.KindBad, runtimemetrics.KindFloat64Histogram:
		return 0, false
	default:
		return 0, false
	}
}
