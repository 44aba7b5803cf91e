// Package stats provides the statistical kernel for baseline analysis.
// All standard deviation calculations use sample stddev (÷(n−1), not ÷n).
package stats

import (
	"cmp"
	"math"
	"slices"
)

// Mean returns the arithmetic mean of values.
// Returns 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64

	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// SampleStdDev returns the sample standard deviation of values around mean.
// Returns 0 when values holds fewer than two elements.
func SampleStdDev(values []float64, mean float64) float64 {
	count := len(values)
	if count < 2 {
		return 0
	}

	var sumSq float64

	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}

	return math.Sqrt(sumSq / float64(count-1))
}

// MeanStdDev returns the arithmetic mean and sample standard deviation.
// Returns (0, 0) for an empty slice.
func MeanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}

	mean = Mean(values)

	return mean, SampleStdDev(values, mean)
}

// TrendOptions configures windowed trend detection.
type TrendOptions struct {
	// Window is the number of trailing samples in each comparison half.
	Window int

	// MinSignificance is the absolute trend magnitude required for
	// the result to be marked significant.
	MinSignificance float64
}

// TrendResult is the outcome of a windowed trend computation.
type TrendResult struct {
	// Trend is mean(last window) − mean(preceding window).
	Trend float64

	// Significant reports whether |Trend| exceeds MinSignificance.
	Significant bool
}

// Trend compares the mean of the last opts.Window values against the mean
// of the window immediately preceding it. Fewer than 2·Window values yield
// a zero, insignificant result.
func Trend(values []float64, opts TrendOptions) TrendResult {
	if opts.Window <= 0 || len(values) < 2*opts.Window {
		return TrendResult{}
	}

	recent := values[len(values)-opts.Window:]
	previous := values[len(values)-2*opts.Window : len(values)-opts.Window]

	trend := Mean(recent) - Mean(previous)

	return TrendResult{
		Trend:       trend,
		Significant: math.Abs(trend) > opts.MinSignificance,
	}
}

// Well-known percentile thresholds.
const (
	PercentileMedian = 0.5
	PercentileP95    = 0.95
)

// Percentile returns the p-th percentile of values using linear interpolation.
// p must be in [0, 1]. The input slice is not modified (a copy is sorted internally).
// Returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	count := len(values)
	if count == 0 {
		return 0
	}

	sorted := make([]float64, count)
	copy(sorted, values)
	slices.Sort(sorted)

	idx := p * float64(count-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))

	if lower == upper || upper >= count {
		return sorted[lower]
	}

	frac := idx - float64(lower)

	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Median returns the 50th percentile of values.
// Returns 0 for an empty slice.
func Median(values []float64) float64 {
	return Percentile(values, PercentileMedian)
}

// Clamp restricts val to the range [lo, hi].
func Clamp[T cmp.Ordered](val, lo, hi T) T {
	return max(lo, min(val, hi))
}

// Min returns the smallest element in values.
// Returns the zero value of T for an empty slice.
func Min[T cmp.Ordered](values []T) T {
	if len(values) == 0 {
		var zero T

		return zero
	}

	result := values[0]

	for _, v := range values[1:] {
		if v < result {
			result = v
		}
	}

	return result
}

// Max returns the largest element in values.
// Returns the zero value of T for an empty slice.
func Max[T cmp.Ordered](values []T) T {
	if len(values) == 0 {
		var zero T

		return zero
	}

	result := values[0]

	for _, v := range values[1:] {
		if v > result {
			result = v
		}
	}

	return result
}

// Sum returns the sum of all elements in values.
// Returns the zero value of T for an empty slice.
func Sum[T cmp.Ordered](values []T) T {
	var result T

	for _, v := range values {
		result += v
	}

	return result
}
