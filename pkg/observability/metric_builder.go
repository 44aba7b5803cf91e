package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// instrumentBatch creates a family of OTel instruments while remembering the
// first creation failure, so constructors can assemble a whole metric set
// and check one error at the end.
type instrumentBatch struct {
	meter    metric.Meter
	firstErr error
}

func batchInstruments(mt metric.Meter) *instrumentBatch {
	return &instrumentBatch{meter: mt}
}

// capture records the first failed instrument by name and passes the
// instrument through unchanged.
func capture[T any](b *instrumentBatch, name string, inst T, err error) T {
	if err != nil && b.firstErr == nil {
		b.firstErr = fmt.Errorf("create %s: %w", name, err)
	}

	return inst
}

func (b *instrumentBatch) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))

	return capture(b, name, c, err)
}

// histogram accepts optional explicit bucket boundaries; without them the
// SDK's default buckets apply.
func (b *instrumentBatch) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	}

	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}

	h, err := b.meter.Float64Histogram(name, opts...)

	return capture(b, name, h, err)
}

func (b *instrumentBatch) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))

	return capture(b, name, c, err)
}

func (b *instrumentBatch) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))

	return capture(b, name, g, err)
}

func (b *instrumentBatch) observableCounter(name, desc, unit string) metric.Int64ObservableCounter {
	c, err := b.meter.Int64ObservableCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))

	return capture(b, name, c, err)
}
