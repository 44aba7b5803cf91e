package engine_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// steadyBaseline seeds one entry with a tight [100,101,99] window so a 200 ms
// sample regresses and a 100 ms sample stays within band.
func steadyBaseline(history *baseline.Document, stepText string) {
	history.SetStep(stepText, baseline.NewSeededEntry([]float64{100, 101, 99}, seededAt()))
}

func suiteSample(stepText string, duration float64, suite string, tags ...string) telemetry.StepSample {
	return telemetry.StepSample{
		StepText: stepText,
		Duration: duration,
		Context: &telemetry.StepContext{
			Suite:    suite,
			TestFile: suite + "/flow.feature",
			Tags:     tags,
		},
	}
}

func TestAnalyze_SuiteRollup(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	run := make([]telemetry.StepSample, 0, 10)

	for i := range 3 {
		stepText := fmt.Sprintf("I regress step %d", i)
		steadyBaseline(history, stepText)
		run = append(run, suiteSample(stepText, 200, "checkout"))
	}

	for i := range 7 {
		stepText := fmt.Sprintf("I hold steady step %d", i)
		steadyBaseline(history, stepText)
		run = append(run, suiteSample(stepText, 100, "checkout"))
	}

	result := analyze(t, run, history, analysisConfig())
	rep := result.Report

	require.Len(t, rep.Regressions, 3)

	suite := rep.Suites["checkout"]
	require.NotNil(t, suite)
	assert.Equal(t, 10, suite.TotalSteps)
	assert.Equal(t, 3, suite.Regressions)
	assert.Equal(t, 7, suite.OKSteps)
	assert.Equal(t, 0, suite.NewSteps)
	assert.InDelta(t, 130, suite.AvgDuration, 0.001)
	assert.InDelta(t, 100, suite.MinDuration, 0.001)
	assert.InDelta(t, 200, suite.MaxDuration, 0.001)

	// 30% regression rate exhausts the regression penalty cap.
	assert.InDelta(t, 70, suite.HealthScore, 0.001)
	assert.Equal(t, report.CategoryWarning, suite.Category)
	assert.Equal(t, report.SeverityMedium, suite.Severity)

	require.NotEmpty(t, suite.Recommendations)
	assert.Contains(t, suite.Recommendations[0], "3 regressed step(s)")

	appended := result.UpdatedHistory.Suite("checkout")
	assert.InDelta(t, 130, appended.AvgDurationHistory[0], 0.001)
	assert.Equal(t, []int{10}, appended.TotalStepsHistory)
	assert.InDelta(t, 0.3, appended.RegressionRateHistory[0], 0.001)
	assert.Equal(t, analyzedAt(), appended.LastUpdated)

	assert.Equal(t, appended.AvgDurationHistory, suite.AvgDurationHistory)
	assert.Equal(t, []string{"checkout/flow.feature"}, suite.TestFiles)
}

func TestAnalyze_SuiteTrendPenalty(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	history.Suite("storefront").AvgDurationHistory = []float64{100, 110, 140}

	history.SetStep("I browse the catalog", baseline.NewSeededEntry([]float64{150, 151, 149}, seededAt()))
	history.SetStep("I open a product page", baseline.NewSeededEntry([]float64{150, 151, 149}, seededAt()))

	run := []telemetry.StepSample{
		suiteSample("I browse the catalog", 150, "storefront"),
		suiteSample("I open a product page", 150, "storefront"),
	}

	rep := analyze(t, run, history, analysisConfig()).Report

	suite := rep.Suites["storefront"]
	require.NotNil(t, suite)

	// Trend delta 40 against a 150 ms average caps the trend penalty at 25.
	assert.InDelta(t, 75, suite.HealthScore, 0.001)
	assert.Equal(t, report.CategoryAttention, suite.Category)
	assert.Equal(t, report.SeverityLow, suite.Severity)
	assert.Empty(t, rep.SuiteRegressions)
}

func TestAnalyze_SuiteRegressionDetected(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	history.Suite("storefront").AvgDurationHistory = []float64{100, 102, 98}

	history.SetStep("I browse the catalog", baseline.NewSeededEntry([]float64{150, 151, 149}, seededAt()))

	run := []telemetry.StepSample{suiteSample("I browse the catalog", 150, "storefront")}

	rep := analyze(t, run, history, analysisConfig()).Report

	require.Len(t, rep.SuiteRegressions, 1)
	sr := rep.SuiteRegressions[0]
	assert.Equal(t, "storefront", sr.Suite)
	assert.InDelta(t, 150, sr.CurrentAvg, 0.001)
	assert.InDelta(t, 100, sr.HistoricalAvg, 0.001)
	assert.InDelta(t, 50, sr.Delta, 0.001)
	assert.InDelta(t, 50, sr.Percentage, 0.001)

	// A flat history contributes no trend penalty; the suite regression is
	// reported without degrading the score.
	assert.InDelta(t, 100, rep.Suites["storefront"].HealthScore, 0.001)
	assert.Equal(t, report.CategoryGood, rep.Suites["storefront"].Category)
}

func TestAnalyze_HealthClampsAtZero(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	history.Suite("checkout").AvgDurationHistory = []float64{100, 150, 200}

	run := make([]telemetry.StepSample, 0, 8)

	for i := range 5 {
		stepText := fmt.Sprintf("I regress step %d", i)
		steadyBaseline(history, stepText)
		run = append(run, suiteSample(stepText, 400, "checkout", "@critical"))
	}

	for i := range 3 {
		run = append(run, suiteSample(fmt.Sprintf("I appear for the first time %d", i), 100, "checkout"))
	}

	rep := analyze(t, run, history, analysisConfig()).Report

	suite := rep.Suites["checkout"]
	require.NotNil(t, suite)
	assert.InDelta(t, 0, suite.HealthScore, 1e-9)
	assert.Equal(t, report.CategoryCritical, suite.Category)
	assert.Equal(t, report.SeverityHigh, suite.Severity)
	assert.Len(t, rep.SuiteRegressions, 1)
	assert.InDelta(t, 0, rep.Metadata.OverallHealth, 1e-9)
}

func TestAnalyze_CriticalSmokePenalty(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	run := make([]telemetry.StepSample, 0, 4)

	for i := range 2 {
		stepText := fmt.Sprintf("I regress step %d", i)
		steadyBaseline(history, stepText)
		run = append(run, suiteSample(stepText, 200, "smoke", "@smoke"))
	}

	for i := range 2 {
		stepText := fmt.Sprintf("I hold steady step %d", i)
		steadyBaseline(history, stepText)
		run = append(run, suiteSample(stepText, 100, "smoke", "@smoke"))
	}

	rep := analyze(t, run, history, analysisConfig()).Report

	suite := rep.Suites["smoke"]
	require.NotNil(t, suite)
	assert.Equal(t, 4, suite.SmokeSteps)

	// 50% regression rate costs the 30-point cap plus 5 per regression in a
	// smoke-tagged suite.
	assert.InDelta(t, 60, suite.HealthScore, 0.001)
	assert.Equal(t, report.CategoryCritical, suite.Category)
}

func TestAnalyze_OverallHealthRoundsSuiteMean(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	run := make([]telemetry.StepSample, 0, 9)

	steadyBaseline(history, "I stay green")
	run = append(run, suiteSample("I stay green", 100, "alpha"))

	stepText := "I regress once"
	steadyBaseline(history, stepText)
	run = append(run, suiteSample(stepText, 200, "beta"))

	for i := range 7 {
		okStep := fmt.Sprintf("I hold steady step %d", i)
		steadyBaseline(history, okStep)
		run = append(run, suiteSample(okStep, 100, "beta"))
	}

	rep := analyze(t, run, history, analysisConfig()).Report

	assert.InDelta(t, 100, rep.Suites["alpha"].HealthScore, 0.001)
	assert.InDelta(t, 87.5, rep.Suites["beta"].HealthScore, 0.001)

	// round(mean(100, 87.5)) == round(93.75) == 94.
	assert.InDelta(t, 94, rep.Metadata.OverallHealth, 1e-9)

	for _, suite := range rep.Suites {
		assert.GreaterOrEqual(t, suite.HealthScore, 0.0)
		assert.LessOrEqual(t, suite.HealthScore, 100.0)
	}
}

func TestAnalyze_SuiteHistoryTrimmedToLimit(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	sh := history.Suite("storefront")

	for i := range baseline.SuiteHistoryLimit {
		sh.Append(float64(100+i), 5, 0, seededAt())
	}

	history.SetStep("I browse the catalog", baseline.NewSeededEntry([]float64{150, 151, 149}, seededAt()))
	run := []telemetry.StepSample{suiteSample("I browse the catalog", 150, "storefront")}

	result := analyze(t, run, history, analysisConfig())

	appended := result.UpdatedHistory.Suite("storefront")
	assert.Len(t, appended.AvgDurationHistory, baseline.SuiteHistoryLimit)
	assert.InDelta(t, 101, appended.AvgDurationHistory[0], 0.001)
	assert.InDelta(t, 150, appended.AvgDurationHistory[baseline.SuiteHistoryLimit-1], 0.001)

	// Input suite history still holds its pre-analysis sequence.
	assert.InDelta(t, 100, history.Suite("storefront").AvgDurationHistory[0], 0.001)
}
