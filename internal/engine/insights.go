package engine

import (
	"fmt"
	"sort"

	"github.com/perfsentinel/perfsentinel/internal/report"
)

// criticalPathTags marks the tags whose steps form the critical path.
var criticalPathTags = map[string]struct{}{
	tagCritical:    {},
	tagSmoke:       {},
	tagSecurity:    {},
	tagPerformance: {},
}

// highRegressionPct is the slowdown percentage at which a critical-path
// regression is graded high even without an @critical tag.
const highRegressionPct = 20.0

// buildTagAnalysis materializes the per-tag aggregates in tag name order.
func buildTagAnalysis(rep *report.Report, acc *runAccum) {
	for _, tag := range sortedKeys(acc.tagSet()) {
		tacc := acc.tags[tag]

		avg := 0.0
		if tacc.count > 0 {
			avg = tacc.total / float64(tacc.count)
		}

		rep.TagAnalysis[tag] = &report.TagStats{
			StepCount:     tacc.count,
			AvgDuration:   avg,
			MinDuration:   tacc.min,
			MaxDuration:   tacc.max,
			TotalDuration: tacc.total,
			Suites:        sortedKeys(tacc.suites),
			TestFiles:     sortedKeys(tacc.testFiles),
		}
	}
}

// buildCriticalPath gathers regressions, drifts, and new steps whose tags
// intersect the critical-path set. Regressions grade high when the slowdown
// percentage reaches highRegressionPct or the step is tagged @critical;
// drifts grade medium; new steps grade low.
func buildCriticalPath(rep *report.Report) {
	issues := rep.CriticalPath.Issues

	for _, rec := range rep.Regressions {
		if !onCriticalPath(rec.Context.Tags) {
			continue
		}

		severity := report.SeverityMedium
		if rec.Percentage >= highRegressionPct || hasTag(rec.Context.Tags, tagCritical) {
			severity = report.SeverityHigh
		}

		issues = append(issues, report.CriticalIssue{
			Kind:     report.IssueRegression,
			StepText: rec.StepText,
			Suite:    rec.Context.Suite,
			Tags:     rec.Context.Tags,
			Severity: severity,
			Detail:   fmt.Sprintf("%+.1f%% over baseline", rec.Percentage),
		})
	}

	for _, rec := range rep.Trends {
		if !onCriticalPath(rec.Context.Tags) {
			continue
		}

		issues = append(issues, report.CriticalIssue{
			Kind:     report.IssueDrift,
			StepText: rec.StepText,
			Suite:    rec.Context.Suite,
			Tags:     rec.Context.Tags,
			Severity: report.SeverityMedium,
			Detail:   fmt.Sprintf("trend %+.1f ms across recent runs", rec.Trend),
		})
	}

	for _, rec := range rep.NewSteps {
		if !onCriticalPath(rec.Context.Tags) {
			continue
		}

		issues = append(issues, report.CriticalIssue{
			Kind:     report.IssueNewStep,
			StepText: rec.StepText,
			Suite:    rec.Context.Suite,
			Tags:     rec.Context.Tags,
			Severity: report.SeverityLow,
			Detail:   "no baseline yet",
		})
	}

	overall := report.SeverityNone
	high := 0

	for _, issue := range issues {
		overall = report.MaxSeverity(overall, issue.Severity)

		if issue.Severity == report.SeverityHigh {
			high++
		}
	}

	rep.CriticalPath = report.CriticalPath{
		TotalIssues:        len(issues),
		HighSeverityIssues: high,
		Issues:             issues,
		OverallSeverity:    overall,
	}
}

// buildRecommendations derives the run-wide recommendations from the
// finalized report sections and sorts them by priority, high first. Rule
// order breaks priority ties.
func buildRecommendations(rep *report.Report) {
	recs := rep.Recommendations

	if n := len(rep.Regressions); n > 0 {
		priority := report.SeverityMedium
		if rep.CriticalPath.HighSeverityIssues > 0 {
			priority = report.SeverityHigh
		}

		recs = append(recs, report.Recommendation{
			Priority: priority,
			Type:     "regressions",
			Message:  fmt.Sprintf("%d regressed step(s); review the slowest offenders first", n),
		})
	}

	if rep.CriticalPath.TotalIssues > 0 {
		recs = append(recs, report.Recommendation{
			Priority: rep.CriticalPath.OverallSeverity,
			Type:     "critical_path",
			Message: fmt.Sprintf("%d issue(s) touch critical-path steps, %d high severity",
				rep.CriticalPath.TotalIssues, rep.CriticalPath.HighSeverityIssues),
		})
	}

	for _, name := range suiteNames(rep.Suites) {
		suite := rep.Suites[name]
		if suite.Category != report.CategoryCritical {
			continue
		}

		recs = append(recs, report.Recommendation{
			Priority: report.SeverityHigh,
			Type:     "suite_health",
			Message:  fmt.Sprintf("suite %q health is %.0f/100; stabilize it before adding scope", name, suite.HealthScore),
		})
	}

	if n := len(rep.Trends); n > 0 {
		recs = append(recs, report.Recommendation{
			Priority: report.SeverityMedium,
			Type:     "drift",
			Message:  fmt.Sprintf("%d step(s) drifting upward; baselines may be shifting", n),
		})
	}

	if rep.Metadata.TotalSteps > 0 {
		newRate := float64(len(rep.NewSteps)) / float64(rep.Metadata.TotalSteps)
		if newRate > instabilityFloor {
			recs = append(recs, report.Recommendation{
				Priority: report.SeverityLow,
				Type:     "new_steps",
				Message:  fmt.Sprintf("%d new step(s); rerun to settle their baselines", len(rep.NewSteps)),
			})
		}
	}

	for _, tag := range tagNames(rep.TagAnalysis) {
		tagStats := rep.TagAnalysis[tag]
		if tagStats.AvgDuration <= slowSuiteAvgMillis {
			continue
		}

		recs = append(recs, report.Recommendation{
			Priority: report.SeverityMedium,
			Type:     "slow_tag",
			Message:  fmt.Sprintf("steps tagged %s average %.0f ms; consider profiling them", tag, tagStats.AvgDuration),
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() > recs[j].Priority.Rank()
	})

	rep.Recommendations = recs
}

func onCriticalPath(tags []string) bool {
	for _, tag := range tags {
		if _, ok := criticalPathTags[tag]; ok {
			return true
		}
	}

	return false
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}

	return false
}

func tagNames(analysis map[string]*report.TagStats) []string {
	names := make([]string, 0, len(analysis))
	for name := range analysis {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
