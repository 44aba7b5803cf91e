package config

import (
	"sort"

	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// RuleSet is the closed set of regression rule knobs after all overlays.
type RuleSet struct {
	MinPercentageChange float64 `json:"minPercentageChange"`
	MinAbsoluteSlowdown float64 `json:"minAbsoluteSlowdown"`
	CheckTrends         bool    `json:"checkTrends"`
	TrendSensitivity    float64 `json:"trendSensitivity"`
	FilterStableSteps   bool    `json:"filterStableSteps"`
	StableThreshold     float64 `json:"stableThreshold"`
	StableMinSlowdown   float64 `json:"stableMinSlowdown"`
}

// EffectiveStepConfig is the per-step configuration after layering the step
// type base, global rules, suite override, tag overrides in order, and the
// step-specific override. Applied lists the layers that contributed, in
// application order.
type EffectiveStepConfig struct {
	StepType  string   `json:"stepType"`
	Threshold float64  `json:"threshold"`
	Rules     RuleSet  `json:"rules"`
	Applied   []string `json:"applied,omitempty"`
}

// ResolveEffective derives the effective step configuration for one step
// under its observed baseline average and normalized context. Precedence,
// later wins: step type base (with global_rules underlay), suite override,
// tag overrides in the order given, step override. Pure: no hidden state.
func (c *Config) ResolveEffective(stepText string, average float64, sctx telemetry.StepContext) EffectiveStepConfig {
	stepOverride, hasStepOverride := c.Analysis.StepOverrides[stepText]

	typeName := c.stepTypeFor(average)
	if hasStepOverride && stepOverride.StepType != "" {
		_, known := c.Analysis.StepTypes[stepOverride.StepType]
		if known {
			typeName = stepOverride.StepType
		}
	}

	eff := EffectiveStepConfig{
		StepType:  typeName,
		Threshold: c.Analysis.Threshold,
		Applied:   []string{"type:" + typeName},
	}

	rules := CloneTree(c.Analysis.GlobalRules)

	base, hasBase := c.Analysis.StepTypes[typeName]
	if hasBase {
		rules = DeepMerge(rules, base.Rules)
	}

	suiteOverride, hasSuite := c.Analysis.SuiteOverrides[sctx.Suite]
	if hasSuite {
		rules = applyOverride(rules, &eff, suiteOverride, "suite:"+sctx.Suite)
	}

	for _, tag := range sctx.Tags {
		tagOverride, hasTag := c.Analysis.TagOverrides[tag]
		if hasTag {
			rules = applyOverride(rules, &eff, tagOverride, "tag:"+tag)
		}
	}

	if hasStepOverride {
		rules = applyOverride(rules, &eff, stepOverride, "step")
	}

	eff.Rules = decodeRuleSet(rules)

	return eff
}

func applyOverride(rules map[string]any, eff *EffectiveStepConfig, override OverrideConfig, label string) map[string]any {
	if override.Threshold > 0 {
		eff.Threshold = override.Threshold
	}

	if len(override.Rules) > 0 {
		rules = DeepMerge(rules, override.Rules)
	}

	eff.Applied = append(eff.Applied, label)

	return rules
}

// stepTypeFor selects the step type whose max_duration first covers the
// baseline average, ascending; unbounded types are the fallback, preferring
// the conventional slow type. Name order breaks ties for determinism.
func (c *Config) stepTypeFor(average float64) string {
	type typeBound struct {
		name string
		max  float64
	}

	bounded := make([]typeBound, 0, len(c.Analysis.StepTypes))
	unbounded := make([]string, 0, 1)

	for name, stepType := range c.Analysis.StepTypes {
		if stepType.MaxDuration > 0 {
			bounded = append(bounded, typeBound{name: name, max: stepType.MaxDuration})

			continue
		}

		unbounded = append(unbounded, name)
	}

	sort.Slice(bounded, func(i, j int) bool {
		if bounded[i].max != bounded[j].max {
			return bounded[i].max < bounded[j].max
		}

		return bounded[i].name < bounded[j].name
	})

	for _, candidate := range bounded {
		if average <= candidate.max {
			return candidate.name
		}
	}

	sort.Strings(unbounded)

	for _, name := range unbounded {
		if name == StepTypeSlow {
			return StepTypeSlow
		}
	}

	if len(unbounded) > 0 {
		return unbounded[0]
	}

	return StepTypeSlow
}

// decodeRuleSet narrows an overlaid rules mapping into the closed RuleSet.
// Unknown rule keys are ignored; absent keys keep zero values.
func decodeRuleSet(raw map[string]any) RuleSet {
	var rs RuleSet

	if v, ok := toFloat(raw["min_percentage_change"]); ok {
		rs.MinPercentageChange = v
	}

	if v, ok := toFloat(raw["min_absolute_slowdown"]); ok {
		rs.MinAbsoluteSlowdown = v
	}

	if v, ok := toBool(raw["check_trends"]); ok {
		rs.CheckTrends = v
	}

	if v, ok := toFloat(raw["trend_sensitivity"]); ok {
		rs.TrendSensitivity = v
	}

	if v, ok := toBool(raw["filter_stable_steps"]); ok {
		rs.FilterStableSteps = v
	}

	if v, ok := toFloat(raw["stable_threshold"]); ok {
		rs.StableThreshold = v
	}

	if v, ok := toFloat(raw["stable_min_slowdown"]); ok {
		rs.StableMinSlowdown = v
	}

	return rs
}
