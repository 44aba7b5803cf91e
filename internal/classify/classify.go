// Package classify decides the outcome of one step sample against its
// rolling baseline: new, ok, or regression, plus an independent drift
// evaluation over the baseline's recent window.
package classify

import (
	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/alg/stats"
)

// Class is the outcome of classifying one sample.
type Class string

// Classification outcomes. Drift is reported separately: it describes the
// baseline's recent window, not the current sample.
const (
	ClassNew        Class = "new"
	ClassOK         Class = "ok"
	ClassRegression Class = "regression"
)

// Downgrade reasons attached to samples that passed the statistical
// predicate but were suppressed by a rule filter.
const (
	ReasonBelowMinPercentage = "below min_percentage_change"
	ReasonBelowMinSlowdown   = "below min_absolute_slowdown"
	ReasonNoTrendSupport     = "no significant trend"
	ReasonStableStep         = "stable step"
)

// Result is the classification of one sample. Slowdown and Percentage are
// zero for new steps; Reason is set only when a rule filter downgraded a
// statistical regression to ok.
type Result struct {
	Class      Class
	Slowdown   float64
	Percentage float64
	Reason     string
}

// DriftRecord reports a significant trend across the baseline's recent
// window. Trend is the difference between the last and preceding window
// means, in milliseconds.
type DriftRecord struct {
	Trend float64
}

// Classify evaluates one sample against its baseline entry under the
// effective rules. A nil entry means the step was never seen. An entry
// holding fewer than two samples never yields a regression: the first run
// after seeding has no spread to judge against.
func Classify(
	sample telemetry.StepSample,
	entry *baseline.Entry,
	eff config.EffectiveStepConfig,
	trends config.TrendConfig,
) Result {
	if entry == nil {
		return Result{Class: ClassNew}
	}

	slowdown := sample.Duration - entry.Average

	percentage := 0.0
	if entry.Average != 0 {
		percentage = slowdown / entry.Average * 100
	}

	result := Result{Class: ClassOK, Slowdown: slowdown, Percentage: percentage}

	if entry.SampleCount() < 2 {
		return result
	}

	if sample.Duration <= entry.Average+eff.Threshold*entry.StdDev {
		return result
	}

	if percentage < eff.Rules.MinPercentageChange {
		result.Reason = ReasonBelowMinPercentage

		return result
	}

	if slowdown < eff.Rules.MinAbsoluteSlowdown {
		result.Reason = ReasonBelowMinSlowdown

		return result
	}

	if eff.Rules.CheckTrends && entry.SampleCount() >= trends.MinHistoryRequired {
		trend := stats.Trend(entry.Durations, stats.TrendOptions{
			Window:          trends.WindowSize,
			MinSignificance: trends.MinSignificance,
		})
		if !trend.Significant && slowdown < eff.Rules.TrendSensitivity {
			result.Reason = ReasonNoTrendSupport

			return result
		}
	}

	if eff.Rules.FilterStableSteps && entry.StdDev < eff.Rules.StableThreshold && slowdown < eff.Rules.StableMinSlowdown {
		result.Reason = ReasonStableStep

		return result
	}

	result.Class = ClassRegression

	return result
}

// EvaluateDrift reports a significant upward trend across the entry's
// durations, or nil. It runs on the pre-update baseline so the incoming
// sample does not dilute its own window.
func EvaluateDrift(entry *baseline.Entry, trends config.TrendConfig) *DriftRecord {
	if entry == nil || !trends.Enabled {
		return nil
	}

	if entry.SampleCount() < trends.MinHistoryRequired {
		return nil
	}

	trend := stats.Trend(entry.Durations, stats.TrendOptions{
		Window:          trends.WindowSize,
		MinSignificance: trends.MinSignificance,
	})
	if !trend.Significant {
		return nil
	}

	if trends.OnlyUpward && trend.Trend < 0 {
		return nil
	}

	return &DriftRecord{Trend: trend.Trend}
}
