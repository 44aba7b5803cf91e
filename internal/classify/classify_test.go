package classify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/classify"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

func seededEntry(t *testing.T, durations ...float64) *baseline.Entry {
	t.Helper()

	return baseline.NewSeededEntry(durations, time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
}

// defaultRules mirrors the shipped medium-step defaults.
func defaultRules() config.EffectiveStepConfig {
	return config.EffectiveStepConfig{
		StepType:  config.StepTypeMedium,
		Threshold: 2.0,
		Rules: config.RuleSet{
			MinPercentageChange: 10,
			MinAbsoluteSlowdown: 100,
			CheckTrends:         true,
			TrendSensitivity:    50,
			FilterStableSteps:   true,
			StableThreshold:     5,
			StableMinSlowdown:   25,
		},
	}
}

func defaultTrends() config.TrendConfig {
	return config.TrendConfig{
		Enabled:            true,
		WindowSize:         5,
		MinSignificance:    10,
		MinHistoryRequired: 10,
		OnlyUpward:         true,
	}
}

func TestClassify_NoBaseline_IsNew(t *testing.T) {
	t.Parallel()

	sample := telemetry.StepSample{StepText: "I open the login page", Duration: 120}

	result := classify.Classify(sample, nil, defaultRules(), defaultTrends())

	assert.Equal(t, classify.ClassNew, result.Class)
	assert.Zero(t, result.Slowdown)
	assert.Zero(t, result.Percentage)
}

func TestClassify_WithinBand_IsOK(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 150, 155, 148)
	sample := telemetry.StepSample{StepText: "navigate", Duration: 152}

	result := classify.Classify(sample, entry, defaultRules(), defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Empty(t, result.Reason)
	assert.InDelta(t, 1.0, result.Slowdown, 0.01)
}

func TestClassify_ClearRegression(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 540, 545, 542)
	sample := telemetry.StepSample{StepText: "login", Duration: 680}

	result := classify.Classify(sample, entry, defaultRules(), defaultTrends())

	require.Equal(t, classify.ClassRegression, result.Class)
	assert.InDelta(t, 137.67, result.Slowdown, 0.01)
	assert.InDelta(t, 25.38, result.Percentage, 0.01)
}

func TestClassify_SuppressedByAbsoluteFloor(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 30, 32, 31, 33, 32)

	eff := defaultRules()
	eff.Rules.MinAbsoluteSlowdown = 15

	result := classify.Classify(telemetry.StepSample{Duration: 45}, entry, eff, defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Equal(t, classify.ReasonBelowMinSlowdown, result.Reason)
}

func TestClassify_SuppressedByPercentageFloor(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 1000, 1005, 995)

	eff := defaultRules()
	eff.Rules.MinAbsoluteSlowdown = 10

	result := classify.Classify(telemetry.StepSample{Duration: 1060}, entry, eff, defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Equal(t, classify.ReasonBelowMinPercentage, result.Reason)
	assert.InDelta(t, 6.0, result.Percentage, 0.01)
}

func TestClassify_SingleSampleBaseline_NeverRegression(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 100)

	result := classify.Classify(telemetry.StepSample{Duration: 5000}, entry, defaultRules(), defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Empty(t, result.Reason)
}

func TestClassify_TrendFilterDowngrades(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 100, 101, 100, 101, 100, 101, 100, 101, 100, 101)

	eff := defaultRules()
	eff.Rules.MinAbsoluteSlowdown = 10
	eff.Rules.FilterStableSteps = false

	trends := defaultTrends()
	trends.WindowSize = 3

	result := classify.Classify(telemetry.StepSample{Duration: 120}, entry, eff, trends)

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Equal(t, classify.ReasonNoTrendSupport, result.Reason)
}

func TestClassify_LargeSlowdownPassesTrendFilter(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 100, 101, 100, 101, 100, 101, 100, 101, 100, 101)

	eff := defaultRules()
	eff.Rules.MinAbsoluteSlowdown = 10
	eff.Rules.FilterStableSteps = false

	trends := defaultTrends()
	trends.WindowSize = 3

	result := classify.Classify(telemetry.StepSample{Duration: 160}, entry, eff, trends)

	assert.Equal(t, classify.ClassRegression, result.Class)
}

func TestClassify_StableStepFilter(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 100, 100, 100)

	eff := defaultRules()
	eff.Rules.MinAbsoluteSlowdown = 10
	eff.Rules.CheckTrends = false

	result := classify.Classify(telemetry.StepSample{Duration: 115}, entry, eff, defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Equal(t, classify.ReasonStableStep, result.Reason)
}

func TestClassify_CriticalRulesOverrideSuppression(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 300, 305, 295)
	sample := telemetry.StepSample{Duration: 340}

	underDefaults := classify.Classify(sample, entry, defaultRules(), defaultTrends())
	assert.Equal(t, classify.ClassOK, underDefaults.Class)
	assert.Equal(t, classify.ReasonBelowMinSlowdown, underDefaults.Reason)

	critical := defaultRules()
	critical.Rules.MinPercentageChange = 1
	critical.Rules.MinAbsoluteSlowdown = 5

	underCritical := classify.Classify(sample, entry, critical, defaultTrends())
	assert.Equal(t, classify.ClassRegression, underCritical.Class)
}

func TestClassify_ZeroAverageDoesNotDivide(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 0, 0)

	result := classify.Classify(telemetry.StepSample{Duration: 10}, entry, defaultRules(), defaultTrends())

	assert.Equal(t, classify.ClassOK, result.Class)
	assert.Zero(t, result.Percentage)
}

func TestEvaluateDrift_UpwardWindow(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 100, 102, 104, 118, 120, 122)
	trends := config.TrendConfig{
		Enabled:            true,
		WindowSize:         3,
		MinSignificance:    10,
		MinHistoryRequired: 6,
		OnlyUpward:         true,
	}

	drift := classify.EvaluateDrift(entry, trends)

	require.NotNil(t, drift)
	assert.InDelta(t, 18.0, drift.Trend, 0.01)
}

func TestEvaluateDrift_ReturnsNil(t *testing.T) {
	t.Parallel()

	upward := []float64{100, 102, 104, 118, 120, 122}

	tests := []struct {
		name      string
		durations []float64
		trends    config.TrendConfig
	}{
		{
			name:      "disabled",
			durations: upward,
			trends:    config.TrendConfig{Enabled: false, WindowSize: 3, MinSignificance: 10},
		},
		{
			name:      "insufficient_history",
			durations: upward,
			trends: config.TrendConfig{
				Enabled: true, WindowSize: 3, MinSignificance: 10, MinHistoryRequired: 7,
			},
		},
		{
			name:      "not_significant",
			durations: []float64{100, 101, 100, 101, 100, 101},
			trends: config.TrendConfig{
				Enabled: true, WindowSize: 3, MinSignificance: 10, MinHistoryRequired: 6,
			},
		},
		{
			name:      "downward_with_only_upward",
			durations: []float64{122, 120, 118, 104, 102, 100},
			trends: config.TrendConfig{
				Enabled: true, WindowSize: 3, MinSignificance: 10, MinHistoryRequired: 6,
				OnlyUpward: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entry := baseline.NewSeededEntry(tt.durations, time.Time{})
			assert.Nil(t, classify.EvaluateDrift(entry, tt.trends))
		})
	}
}

func TestEvaluateDrift_DownwardAllowedWhenNotOnlyUpward(t *testing.T) {
	t.Parallel()

	entry := seededEntry(t, 122, 120, 118, 104, 102, 100)
	trends := config.TrendConfig{
		Enabled:            true,
		WindowSize:         3,
		MinSignificance:    10,
		MinHistoryRequired: 6,
		OnlyUpward:         false,
	}

	drift := classify.EvaluateDrift(entry, trends)

	require.NotNil(t, drift)
	assert.InDelta(t, -18.0, drift.Trend, 0.01)
}

func TestEvaluateDrift_NilEntry(t *testing.T) {
	t.Parallel()

	assert.Nil(t, classify.EvaluateDrift(nil, defaultTrends()))
}
