package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/pkg/alg/stats"
)

// Health score penalty caps. The score starts at 100 and each class of
// problem subtracts up to its cap; the result is clamped to zero.
const (
	penaltyRegressionCap  = 30.0
	penaltyTrendCap       = 25.0
	penaltyInstabilityCap = 20.0
	penaltyCriticalCap    = 25.0

	// perCriticalRegression is the penalty per regression in a suite that
	// carries a critical or smoke tag.
	perCriticalRegression = 5.0

	// instabilityFloor is the new-step rate above which a suite is
	// considered unstable; instabilitySlope converts the excess rate into
	// penalty points.
	instabilityFloor = 0.1
	instabilitySlope = 200.0

	// suiteTrendMinHistory is the number of historical suite averages
	// required before the trend penalty applies.
	suiteTrendMinHistory = 3
)

// Categorization boundaries: health score floors and regression-rate
// ceilings, checked from worst to best.
const (
	healthCriticalBelow  = 50.0
	healthWarningBelow   = 70.0
	healthAttentionBelow = 85.0

	rateCriticalAbove  = 0.3
	rateWarningAbove   = 0.15
	rateAttentionAbove = 0.05
)

// Suite recommendation triggers.
const (
	slowSuiteAvgMillis = 1000.0
	wideSuiteTestFiles = 10
)

// rollUpSuites finalizes every suite summary: averages, health score,
// category, suite-regression detection, recommendations, and the suite
// history append. Suites are processed in name order so the report and the
// appended history are deterministic.
func (e *Engine) rollUpSuites(
	rep *report.Report,
	working *baseline.Document,
	cfg *config.Config,
	acc *runAccum,
	now time.Time,
) {
	names := suiteNames(rep.Suites)
	healthScores := make([]float64, 0, len(names))

	for _, name := range names {
		suite := rep.Suites[name]
		sacc := acc.suites[name]

		if suite.TotalSteps > 0 {
			suite.AvgDuration = suite.TotalDuration / float64(suite.TotalSteps)
		}

		history := working.Suite(name)
		regressionRate := float64(suite.Regressions) / float64(suite.TotalSteps)
		newRate := float64(suite.NewSteps) / float64(suite.TotalSteps)

		suite.HealthScore = healthScore(suite, history, cfg, regressionRate, newRate)
		suite.Category, suite.Severity = categorize(suite.HealthScore, regressionRate)

		detectSuiteRegression(rep, suite, history, cfg)

		suite.Recommendations = suiteRecommendations(suite, newRate, len(sacc.testFiles))

		history.Append(suite.AvgDuration, suite.TotalSteps, regressionRate, now)
		suite.AvgDurationHistory = append([]float64(nil), history.AvgDurationHistory...)

		suite.Tags = sortedKeys(sacc.tags)
		suite.TestFiles = sortedKeys(sacc.testFiles)
		suite.AppliedConfigs = sortedKeys(sacc.applied)

		healthScores = append(healthScores, suite.HealthScore)
	}

	if len(healthScores) == 0 {
		rep.Metadata.OverallHealth = 100

		return
	}

	rep.Metadata.OverallHealth = math.Round(stats.Mean(healthScores))
}

// healthScore grades one suite on [0,100]. Penalties: regression rate, a
// significant upward trend across the suite's historical averages,
// instability from a high share of new steps, and regressions in a suite
// carrying a critical or smoke tag.
func healthScore(
	suite *report.SuiteSummary,
	history *baseline.SuiteHistory,
	cfg *config.Config,
	regressionRate, newRate float64,
) float64 {
	score := 100.0

	score -= min(penaltyRegressionCap, regressionRate*100)

	if len(history.AvgDurationHistory) >= suiteTrendMinHistory && suite.AvgDuration > 0 {
		first := history.AvgDurationHistory[0]
		last := history.AvgDurationHistory[len(history.AvgDurationHistory)-1]
		trendDelta := last - first

		if trendDelta > cfg.Analysis.Trends.MinSignificance {
			score -= stats.Clamp(100*trendDelta/suite.AvgDuration, 0, penaltyTrendCap)
		}
	}

	if newRate > instabilityFloor {
		score -= min(penaltyInstabilityCap, (newRate-instabilityFloor)*instabilitySlope)
	}

	if (suite.CriticalSteps > 0 || suite.SmokeSteps > 0) && suite.Regressions > 0 {
		score -= min(penaltyCriticalCap, perCriticalRegression*float64(suite.Regressions))
	}

	return max(score, 0)
}

// categorize maps a health score and regression rate onto a category and
// severity, worst condition first.
func categorize(health, regressionRate float64) (string, report.Severity) {
	switch {
	case health < healthCriticalBelow || regressionRate > rateCriticalAbove:
		return report.CategoryCritical, report.SeverityHigh
	case health < healthWarningBelow || regressionRate > rateWarningAbove:
		return report.CategoryWarning, report.SeverityMedium
	case health < healthAttentionBelow || regressionRate > rateAttentionAbove:
		return report.CategoryAttention, report.SeverityLow
	default:
		return report.CategoryGood, report.SeverityLow
	}
}

// detectSuiteRegression flags the suite when its current average escapes the
// band around its historical averages. Runs before the current run's average
// is appended to the history.
func detectSuiteRegression(
	rep *report.Report,
	suite *report.SuiteSummary,
	history *baseline.SuiteHistory,
	cfg *config.Config,
) {
	if len(history.AvgDurationHistory) < 2 {
		return
	}

	histMean, histStdDev := stats.MeanStdDev(history.AvgDurationHistory)
	if suite.AvgDuration <= histMean+cfg.Analysis.Threshold*histStdDev {
		return
	}

	delta := suite.AvgDuration - histMean

	percentage := 0.0
	if histMean != 0 {
		percentage = delta / histMean * 100
	}

	rep.SuiteRegressions = append(rep.SuiteRegressions, report.SuiteRegression{
		Suite:         suite.Suite,
		CurrentAvg:    suite.AvgDuration,
		HistoricalAvg: histMean,
		Delta:         delta,
		Percentage:    percentage,
	})
}

// suiteRecommendations derives per-suite follow-ups from the finalized
// counters, in a fixed rule order.
func suiteRecommendations(suite *report.SuiteSummary, newRate float64, testFileCount int) []string {
	var recs []string

	if suite.Regressions > 0 {
		recs = append(recs, fmt.Sprintf("%d regressed step(s); inspect recent changes touching this suite", suite.Regressions))
	}

	if newRate > instabilityFloor {
		recs = append(recs, "over 10% of steps are new; baselines are still settling")
	}

	if suite.AvgDuration > slowSuiteAvgMillis {
		recs = append(recs, "average step duration exceeds 1s; profile the slowest steps")
	}

	if suite.CriticalSteps > 0 && suite.Regressions > 0 {
		recs = append(recs, "regressions touch @critical steps; fix before release")
	}

	if testFileCount > wideSuiteTestFiles {
		recs = append(recs, fmt.Sprintf("suite spans %d test files; consider splitting it", testFileCount))
	}

	return recs
}
