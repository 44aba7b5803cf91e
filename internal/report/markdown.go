package report

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// MarkdownReporter renders the report as GitHub-flavored markdown.
type MarkdownReporter struct{}

// Name implements Reporter.
func (r *MarkdownReporter) Name() string { return NameMarkdown }

// Filename implements Reporter.
func (r *MarkdownReporter) Filename() string { return "performance-report.md" }

// Emit implements Reporter.
func (r *MarkdownReporter) Emit(w io.Writer, rep *Report) error {
	var b strings.Builder

	writeMarkdownHeader(&b, rep)
	writeMarkdownRegressions(&b, rep)
	writeMarkdownTrends(&b, rep)
	writeMarkdownNewSteps(&b, rep)
	writeMarkdownSuites(&b, rep)
	writeMarkdownSuiteRegressions(&b, rep)
	writeMarkdownCriticalPath(&b, rep)
	writeMarkdownTags(&b, rep)
	writeMarkdownRecommendations(&b, rep)

	_, writeErr := io.WriteString(w, b.String())
	if writeErr != nil {
		return fmt.Errorf("write markdown report: %w", writeErr)
	}

	return nil
}

func writeMarkdownHeader(b *strings.Builder, rep *Report) {
	fmt.Fprintf(b, "# Performance Analysis\n\n")
	fmt.Fprintf(b, "Generated: %s\n\n", rep.Metadata.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(
		b,
		"**Overall health: %.1f/100** — %d steps (%d unique), %d suites, %d jobs\n\n",
		rep.Metadata.OverallHealth,
		rep.Metadata.TotalSteps,
		rep.Metadata.UniqueSteps,
		len(rep.Metadata.Suites),
		len(rep.Metadata.Jobs),
	)
}

func writeMarkdownRegressions(b *strings.Builder, rep *Report) {
	if len(rep.Regressions) == 0 {
		fmt.Fprintf(b, "No regressions detected.\n\n")

		return
	}

	fmt.Fprintf(b, "## Regressions (%d)\n\n", len(rep.Regressions))
	fmt.Fprintf(b, "| Step | Duration (ms) | Average (ms) | Slowdown (ms) | Change | Suite |\n")
	fmt.Fprintf(b, "|---|---|---|---|---|---|\n")

	for _, rec := range rep.Regressions {
		fmt.Fprintf(
			b,
			"| %s | %.1f | %.1f | %.1f | +%.1f%% | %s |\n",
			escapeMarkdown(rec.StepText),
			rec.Duration,
			rec.Average,
			rec.Slowdown,
			rec.Percentage,
			escapeMarkdown(rec.Context.Suite),
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownTrends(b *strings.Builder, rep *Report) {
	if len(rep.Trends) == 0 {
		return
	}

	fmt.Fprintf(b, "## Drifting steps (%d)\n\n", len(rep.Trends))
	fmt.Fprintf(b, "| Step | Duration (ms) | Trend (ms) | Suite |\n")
	fmt.Fprintf(b, "|---|---|---|---|\n")

	for _, rec := range rep.Trends {
		fmt.Fprintf(
			b,
			"| %s | %.1f | +%.1f | %s |\n",
			escapeMarkdown(rec.StepText),
			rec.Duration,
			rec.Trend,
			escapeMarkdown(rec.Context.Suite),
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownNewSteps(b *strings.Builder, rep *Report) {
	if len(rep.NewSteps) == 0 {
		return
	}

	fmt.Fprintf(b, "## New steps (%d)\n\n", len(rep.NewSteps))

	for _, rec := range rep.NewSteps {
		fmt.Fprintf(b, "- `%s` — %.1f ms\n", rec.StepText, rec.Duration)
	}

	fmt.Fprintln(b)
}

func writeMarkdownSuites(b *strings.Builder, rep *Report) {
	if len(rep.Suites) == 0 {
		return
	}

	fmt.Fprintf(b, "## Suite health\n\n")
	fmt.Fprintf(b, "| Suite | Steps | Avg (ms) | Regressions | New | Health | Category |\n")
	fmt.Fprintf(b, "|---|---|---|---|---|---|---|\n")

	for _, name := range sortedSuiteNames(rep.Suites) {
		suite := rep.Suites[name]
		fmt.Fprintf(
			b,
			"| %s | %d | %.1f | %d | %d | %.1f | %s |\n",
			escapeMarkdown(name),
			suite.TotalSteps,
			suite.AvgDuration,
			suite.Regressions,
			suite.NewSteps,
			suite.HealthScore,
			suite.Category,
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownSuiteRegressions(b *strings.Builder, rep *Report) {
	if len(rep.SuiteRegressions) == 0 {
		return
	}

	fmt.Fprintf(b, "## Suite regressions (%d)\n\n", len(rep.SuiteRegressions))

	for _, sr := range rep.SuiteRegressions {
		fmt.Fprintf(
			b,
			"- **%s**: avg %.1f ms vs historical %.1f ms (+%.1f%%)\n",
			escapeMarkdown(sr.Suite),
			sr.CurrentAvg,
			sr.HistoricalAvg,
			sr.Percentage,
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownCriticalPath(b *strings.Builder, rep *Report) {
	if rep.CriticalPath.TotalIssues == 0 {
		return
	}

	fmt.Fprintf(
		b,
		"## Critical path — %d issues (%d high severity), overall **%s**\n\n",
		rep.CriticalPath.TotalIssues,
		rep.CriticalPath.HighSeverityIssues,
		rep.CriticalPath.OverallSeverity,
	)
	fmt.Fprintf(b, "| Severity | Kind | Step | Detail |\n")
	fmt.Fprintf(b, "|---|---|---|---|\n")

	for _, issue := range rep.CriticalPath.Issues {
		fmt.Fprintf(
			b,
			"| %s | %s | %s | %s |\n",
			issue.Severity,
			issue.Kind,
			escapeMarkdown(issue.StepText),
			escapeMarkdown(issue.Detail),
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownTags(b *strings.Builder, rep *Report) {
	if len(rep.TagAnalysis) == 0 {
		return
	}

	fmt.Fprintf(b, "## Tag analysis\n\n")
	fmt.Fprintf(b, "| Tag | Steps | Avg (ms) | Min (ms) | Max (ms) | Suites |\n")
	fmt.Fprintf(b, "|---|---|---|---|---|---|\n")

	for _, tag := range sortedTagNames(rep.TagAnalysis) {
		stats := rep.TagAnalysis[tag]
		fmt.Fprintf(
			b,
			"| %s | %d | %.1f | %.1f | %.1f | %s |\n",
			escapeMarkdown(tag),
			stats.StepCount,
			stats.AvgDuration,
			stats.MinDuration,
			stats.MaxDuration,
			escapeMarkdown(strings.Join(stats.Suites, ", ")),
		)
	}

	fmt.Fprintln(b)
}

func writeMarkdownRecommendations(b *strings.Builder, rep *Report) {
	if len(rep.Recommendations) == 0 {
		return
	}

	fmt.Fprintf(b, "## Recommendations\n\n")

	for _, rec := range rep.Recommendations {
		fmt.Fprintf(b, "- **%s** — %s\n", rec.Priority, escapeMarkdown(rec.Message))
	}

	fmt.Fprintln(b)
}

// escapeMarkdown keeps arbitrary step texts from breaking table cells.
func escapeMarkdown(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
