package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

func TestMaxSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     report.Severity
		expected report.Severity
	}{
		{name: "high_beats_medium", a: report.SeverityMedium, b: report.SeverityHigh, expected: report.SeverityHigh},
		{name: "order_independent", a: report.SeverityHigh, b: report.SeverityMedium, expected: report.SeverityHigh},
		{name: "low_beats_none", a: report.SeverityNone, b: report.SeverityLow, expected: report.SeverityLow},
		{name: "equal", a: report.SeverityMedium, b: report.SeverityMedium, expected: report.SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, report.MaxSeverity(tt.a, tt.b))
		})
	}
}

func TestSeverityRank_Ordering(t *testing.T) {
	t.Parallel()

	assert.Greater(t, report.SeverityHigh.Rank(), report.SeverityMedium.Rank())
	assert.Greater(t, report.SeverityMedium.Rank(), report.SeverityLow.Rank())
	assert.Greater(t, report.SeverityLow.Rank(), report.SeverityNone.Rank())
}

func TestNew_InitializedEmpty(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := report.New(now)

	assert.NotNil(t, rep.Regressions)
	assert.Empty(t, rep.Regressions)
	assert.NotNil(t, rep.Suites)
	assert.NotNil(t, rep.TagAnalysis)
	assert.Equal(t, report.SeverityNone, rep.CriticalPath.OverallSeverity)
	assert.Equal(t, now, rep.Metadata.Timestamp)
}

func TestNewReporter(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		report.NameConsole,
		report.NameMarkdown,
		report.NameHTML,
		report.NameJSON,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reporter, err := report.NewReporter(name)
			require.NoError(t, err)
			assert.Equal(t, name, reporter.Name())
		})
	}
}

func TestNewReporter_UnknownName_IsConfigError(t *testing.T) {
	t.Parallel()

	reporter, err := report.NewReporter("teletype")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Nil(t, reporter)
}

func TestNewReporters_PropagatesUnknown(t *testing.T) {
	t.Parallel()

	reporters, err := report.NewReporters([]string{"console", "teletype"})
	require.Error(t, err)
	assert.Nil(t, reporters)
}

// sampleReport builds a small but fully populated report used by the
// emitter tests.
func sampleReport() *report.Report {
	rep := report.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	authCtx := telemetry.StepContext{
		TestFile: "auth.feature",
		TestName: "Login",
		Suite:    "authentication",
		Tags:     []string{"@critical"},
		JobID:    "job-1",
		WorkerID: "w-1",
	}

	rep.Regressions = append(rep.Regressions, report.StepRecord{
		StepText:   "I log in",
		Duration:   680,
		Average:    542.33,
		StdDev:     2.52,
		Slowdown:   137.67,
		Percentage: 25.38,
		Context:    authCtx,
		Timestamp:  rep.Metadata.Timestamp,
	})
	rep.NewSteps = append(rep.NewSteps, report.StepRecord{
		StepText: "I open the dashboard",
		Duration: 120,
		Context:  authCtx,
	})
	rep.Trends = append(rep.Trends, report.StepRecord{
		StepText: "I search | with pipes",
		Duration: 115,
		Trend:    18,
		Context:  authCtx,
	})
	rep.Suites["authentication"] = &report.SuiteSummary{
		Suite:              "authentication",
		TotalSteps:         3,
		TotalDuration:      915,
		AvgDuration:        305,
		MinDuration:        115,
		MaxDuration:        680,
		Regressions:        1,
		NewSteps:           1,
		OKSteps:            1,
		CriticalSteps:      3,
		HealthScore:        58.3,
		Category:           report.CategoryWarning,
		Severity:           report.SeverityMedium,
		AvgDurationHistory: []float64{250, 260, 305},
	}
	rep.SuiteRegressions = append(rep.SuiteRegressions, report.SuiteRegression{
		Suite:         "authentication",
		CurrentAvg:    305,
		HistoricalAvg: 255,
		Delta:         50,
		Percentage:    19.6,
	})
	rep.TagAnalysis["@critical"] = &report.TagStats{
		StepCount:     3,
		AvgDuration:   305,
		MinDuration:   115,
		MaxDuration:   680,
		TotalDuration: 915,
		Suites:        []string{"authentication"},
		TestFiles:     []string{"auth.feature"},
	}
	rep.CriticalPath = report.CriticalPath{
		TotalIssues:        1,
		HighSeverityIssues: 1,
		Issues: []report.CriticalIssue{{
			Kind:     report.IssueRegression,
			StepText: "I log in",
			Suite:    "authentication",
			Tags:     []string{"@critical"},
			Severity: report.SeverityHigh,
			Detail:   "+25.4% over baseline",
		}},
		OverallSeverity: report.SeverityHigh,
	}
	rep.Recommendations = append(rep.Recommendations, report.Recommendation{
		Priority: report.SeverityHigh,
		Type:     "critical_regression",
		Message:  "Investigate 1 regression on critical-path steps",
	})
	rep.Metadata.TotalSteps = 3
	rep.Metadata.UniqueSteps = 3
	rep.Metadata.Suites = []string{"authentication"}
	rep.Metadata.Tags = []string{"@critical"}
	rep.Metadata.Jobs = []string{"job-1"}
	rep.Metadata.OverallHealth = 58.3

	return rep
}
