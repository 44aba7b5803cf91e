package stats

// EMA maintains an exponential moving average over a stream of
// observations. Unlike the windowed helpers in this package it never
// stores the stream, so it suits long-running measurement loops.
type EMA struct {
	alpha       float64
	value       float64
	initialized bool
}

// NewEMA creates an EMA with smoothing factor alpha in (0, 1]. Larger
// factors track the stream more closely.
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// NewEMAFromSpan creates an EMA parameterized by an observation span:
// alpha = 2/(span+1), the weighting under which the most recent span
// observations carry ~86% of the average. Spans below 1 are treated
// as 1.
func NewEMAFromSpan(span int) *EMA {
	if span < 1 {
		span = 1
	}

	return NewEMA(2 / (float64(span) + 1))
}

// Update feeds one observation and returns the updated average.
// The first observation seeds the average directly.
func (e *EMA) Update(v float64) float64 {
	if !e.initialized {
		e.value = v
		e.initialized = true

		return e.value
	}

	e.value = e.alpha*v + (1-e.alpha)*e.value

	return e.value
}

// Value returns the current average (0 before any Update).
func (e *EMA) Value() float64 {
	return e.value
}

// Initialized reports whether Update has been called at least once.
func (e *EMA) Initialized() bool {
	return e.initialized
}
