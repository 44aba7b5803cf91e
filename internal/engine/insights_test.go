package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

func TestAnalyze_TagAnalysis(t *testing.T) {
	t.Parallel()

	run := []telemetry.StepSample{
		{StepText: "I add an item to the cart", Duration: 100, Context: &telemetry.StepContext{
			Suite: "cart", TestFile: "cart/add.feature", Tags: []string{"@checkout"},
		}},
		{StepText: "I pay by card", Duration: 200, Context: &telemetry.StepContext{
			Suite: "billing", TestFile: "billing/pay.feature", Tags: []string{"@checkout"},
		}},
		{StepText: "I sign out", Duration: 40, Context: &telemetry.StepContext{Suite: "authentication"}},
	}

	rep := analyze(t, run, baseline.NewDocument(), analysisConfig()).Report

	require.Len(t, rep.TagAnalysis, 1)

	stats := rep.TagAnalysis["@checkout"]
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.StepCount)
	assert.InDelta(t, 150, stats.AvgDuration, 0.001)
	assert.InDelta(t, 100, stats.MinDuration, 0.001)
	assert.InDelta(t, 200, stats.MaxDuration, 0.001)
	assert.InDelta(t, 300, stats.TotalDuration, 0.001)
	assert.Equal(t, []string{"billing", "cart"}, stats.Suites)
	assert.Equal(t, []string{"billing/pay.feature", "cart/add.feature"}, stats.TestFiles)
}

// criticalPathFixture produces one @critical regression, one @performance
// drift, one @smoke new step, and one untagged regression that must stay off
// the critical path.
func criticalPathFixture() (*baseline.Document, []telemetry.StepSample) {
	history := baseline.NewDocument()
	history.SetStep("I authenticate with SSO", baseline.NewSeededEntry([]float64{300, 305, 295}, seededAt()))
	history.SetStep("I open the dashboard", baseline.NewSeededEntry([]float64{100, 102, 104, 118, 120, 122}, seededAt()))
	history.SetStep("I submit the payment form", baseline.NewSeededEntry([]float64{100, 101, 99}, seededAt()))

	run := []telemetry.StepSample{
		{StepText: "I authenticate with SSO", Duration: 340, Context: &telemetry.StepContext{
			Suite: "authentication", Tags: []string{"@critical"},
		}},
		{StepText: "I open the dashboard", Duration: 115, Context: &telemetry.StepContext{
			Suite: "metrics", Tags: []string{"@performance"},
		}},
		{StepText: "I accept the cookie banner", Duration: 60, Context: &telemetry.StepContext{
			Suite: "onboarding", Tags: []string{"@smoke"},
		}},
		{StepText: "I submit the payment form", Duration: 200, Context: &telemetry.StepContext{
			Suite: "billing",
		}},
	}

	return history, run
}

func TestAnalyze_CriticalPathIssues(t *testing.T) {
	t.Parallel()

	history, run := criticalPathFixture()
	rep := analyze(t, run, history, analysisConfig()).Report

	require.Len(t, rep.Regressions, 2)

	cp := rep.CriticalPath
	assert.Equal(t, 3, cp.TotalIssues)
	assert.Equal(t, 1, cp.HighSeverityIssues)
	assert.Equal(t, report.SeverityHigh, cp.OverallSeverity)
	require.Len(t, cp.Issues, 3)

	regression := cp.Issues[0]
	assert.Equal(t, report.IssueRegression, regression.Kind)
	assert.Equal(t, "I authenticate with SSO", regression.StepText)
	assert.Equal(t, report.SeverityHigh, regression.Severity)
	assert.Equal(t, "+13.3% over baseline", regression.Detail)

	drift := cp.Issues[1]
	assert.Equal(t, report.IssueDrift, drift.Kind)
	assert.Equal(t, report.SeverityMedium, drift.Severity)
	assert.Equal(t, "trend +18.0 ms across recent runs", drift.Detail)

	newStep := cp.Issues[2]
	assert.Equal(t, report.IssueNewStep, newStep.Kind)
	assert.Equal(t, report.SeverityLow, newStep.Severity)
	assert.Equal(t, "no baseline yet", newStep.Detail)
}

func TestAnalyze_CriticalPathSeverityFromPercentage(t *testing.T) {
	t.Parallel()

	history := baseline.NewDocument()
	history.SetStep("I run the nightly export", baseline.NewSeededEntry([]float64{100, 101, 99}, seededAt()))

	// A doubled duration is high severity even without an @critical tag.
	run := []telemetry.StepSample{{
		StepText: "I run the nightly export",
		Duration: 200,
		Context:  &telemetry.StepContext{Suite: "batch", Tags: []string{"@performance"}},
	}}

	rep := analyze(t, run, history, analysisConfig()).Report

	require.Len(t, rep.CriticalPath.Issues, 1)
	assert.Equal(t, report.SeverityHigh, rep.CriticalPath.Issues[0].Severity)
}

func TestAnalyze_RecommendationOrdering(t *testing.T) {
	t.Parallel()

	history, run := criticalPathFixture()
	rep := analyze(t, run, history, analysisConfig()).Report

	types := make([]string, 0, len(rep.Recommendations))
	for _, rec := range rep.Recommendations {
		types = append(types, rec.Type)
	}

	assert.Equal(t, []string{
		"regressions",
		"critical_path",
		"suite_health",
		"suite_health",
		"drift",
		"new_steps",
	}, types)

	require.NotEmpty(t, rep.Recommendations)
	assert.Equal(t, report.SeverityHigh, rep.Recommendations[0].Priority)
	assert.Contains(t, rep.Recommendations[0].Message, "2 regressed step(s)")

	last := rep.Recommendations[len(rep.Recommendations)-1]
	assert.Equal(t, report.SeverityLow, last.Priority)
}

func TestAnalyze_SlowTagRecommendation(t *testing.T) {
	t.Parallel()

	run := []telemetry.StepSample{{
		StepText: "I rebuild the search index",
		Duration: 1500,
		Context:  &telemetry.StepContext{Suite: "batch", Tags: []string{"@batch"}},
	}}

	rep := analyze(t, run, baseline.NewDocument(), analysisConfig()).Report

	require.NotEmpty(t, rep.Recommendations)
	assert.Equal(t, "slow_tag", rep.Recommendations[0].Type)
	assert.Equal(t, report.SeverityMedium, rep.Recommendations[0].Priority)
	assert.Contains(t, rep.Recommendations[0].Message, "@batch")
}
