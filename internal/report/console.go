package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// consoleMaxRows caps per-section table rows; the remainder is summarized
// in the footer.
const consoleMaxRows = 20

// Health score boundaries shared by console coloring and suite grading.
const (
	healthGoodFloor      = 85.0
	healthAttentionFloor = 70.0
	healthWarningFloor   = 50.0
)

// ConsoleReporter renders a colored terminal report.
type ConsoleReporter struct{}

// Name implements Reporter.
func (r *ConsoleReporter) Name() string { return NameConsole }

// Filename implements Reporter. Console output always targets stdout.
func (r *ConsoleReporter) Filename() string { return "" }

// Emit implements Reporter.
func (r *ConsoleReporter) Emit(w io.Writer, rep *Report) error {
	r.emitSummary(w, rep)
	r.emitRegressions(w, rep)
	r.emitTrends(w, rep)
	r.emitNewSteps(w, rep)
	r.emitSuites(w, rep)
	r.emitSuiteRegressions(w, rep)
	r.emitCriticalPath(w, rep)
	r.emitRecommendations(w, rep)

	return nil
}

func (r *ConsoleReporter) emitSummary(w io.Writer, rep *Report) {
	fmt.Fprintf(w, "Performance analysis — %s\n", rep.Metadata.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(
		w,
		"Steps: %d (%d unique) across %d suites, %d jobs\n",
		rep.Metadata.TotalSteps,
		rep.Metadata.UniqueSteps,
		len(rep.Metadata.Suites),
		len(rep.Metadata.Jobs),
	)

	healthColor(rep.Metadata.OverallHealth).Fprintf(
		w,
		"Overall health: %s/100\n\n",
		humanize.FtoaWithDigits(rep.Metadata.OverallHealth, 1),
	)
}

func (r *ConsoleReporter) emitRegressions(w io.Writer, rep *Report) {
	if len(rep.Regressions) == 0 {
		color.New(color.FgGreen).Fprintf(w, "No regressions detected\n\n")

		return
	}

	color.New(color.FgRed, color.Bold).Fprintf(w, "Regressions (%d)\n", len(rep.Regressions))

	tbl := newConsoleTable()
	tbl.AppendHeader(table.Row{"Step", "Duration", "Average", "Slowdown", "Change", "Suite"})

	for i, rec := range rep.Regressions {
		if i == consoleMaxRows {
			break
		}

		tbl.AppendRow(table.Row{
			rec.StepText,
			formatMillis(rec.Duration),
			formatMillis(rec.Average),
			formatMillis(rec.Slowdown),
			fmt.Sprintf("+%.1f%%", rec.Percentage),
			rec.Context.Suite,
		})
	}

	if len(rep.Regressions) > consoleMaxRows {
		tbl.AppendFooter(table.Row{fmt.Sprintf("… and %d more", len(rep.Regressions)-consoleMaxRows)})
	}

	fmt.Fprintln(w, tbl.Render())
	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitTrends(w io.Writer, rep *Report) {
	if len(rep.Trends) == 0 {
		return
	}

	color.New(color.FgYellow).Fprintf(w, "Drifting steps (%d)\n", len(rep.Trends))

	tbl := newConsoleTable()
	tbl.AppendHeader(table.Row{"Step", "Duration", "Trend", "Suite"})

	for i, rec := range rep.Trends {
		if i == consoleMaxRows {
			break
		}

		tbl.AppendRow(table.Row{
			rec.StepText,
			formatMillis(rec.Duration),
			"+" + formatMillis(rec.Trend),
			rec.Context.Suite,
		})
	}

	fmt.Fprintln(w, tbl.Render())
	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitNewSteps(w io.Writer, rep *Report) {
	if len(rep.NewSteps) == 0 {
		return
	}

	color.New(color.FgCyan).Fprintf(w, "New steps (%d)\n", len(rep.NewSteps))

	for i, rec := range rep.NewSteps {
		if i == consoleMaxRows {
			fmt.Fprintf(w, "  … and %d more\n", len(rep.NewSteps)-consoleMaxRows)

			break
		}

		fmt.Fprintf(w, "  %s (%s)\n", rec.StepText, formatMillis(rec.Duration))
	}

	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitSuites(w io.Writer, rep *Report) {
	if len(rep.Suites) == 0 {
		return
	}

	fmt.Fprintln(w, "Suites")

	tbl := newConsoleTable()
	tbl.AppendHeader(table.Row{"Suite", "Steps", "Avg", "Regressions", "Health", "Category"})

	for _, name := range sortedSuiteNames(rep.Suites) {
		suite := rep.Suites[name]
		tbl.AppendRow(table.Row{
			name,
			suite.TotalSteps,
			formatMillis(suite.AvgDuration),
			suite.Regressions,
			humanize.FtoaWithDigits(suite.HealthScore, 1),
			suite.Category,
		})
	}

	fmt.Fprintln(w, tbl.Render())
	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitSuiteRegressions(w io.Writer, rep *Report) {
	if len(rep.SuiteRegressions) == 0 {
		return
	}

	color.New(color.FgRed).Fprintf(w, "Suite regressions (%d)\n", len(rep.SuiteRegressions))

	for _, sr := range rep.SuiteRegressions {
		fmt.Fprintf(
			w,
			"  %s: avg %s vs historical %s (+%.1f%%)\n",
			sr.Suite,
			formatMillis(sr.CurrentAvg),
			formatMillis(sr.HistoricalAvg),
			sr.Percentage,
		)
	}

	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitCriticalPath(w io.Writer, rep *Report) {
	if rep.CriticalPath.TotalIssues == 0 {
		return
	}

	severityColor(rep.CriticalPath.OverallSeverity).Fprintf(
		w,
		"Critical path: %d issues (%d high), overall %s\n",
		rep.CriticalPath.TotalIssues,
		rep.CriticalPath.HighSeverityIssues,
		rep.CriticalPath.OverallSeverity,
	)

	for _, issue := range rep.CriticalPath.Issues {
		severityColor(issue.Severity).Fprintf(
			w,
			"  [%s] %s: %s %s\n",
			issue.Severity,
			issue.Kind,
			issue.StepText,
			issue.Detail,
		)
	}

	fmt.Fprintln(w)
}

func (r *ConsoleReporter) emitRecommendations(w io.Writer, rep *Report) {
	if len(rep.Recommendations) == 0 {
		return
	}

	fmt.Fprintln(w, "Recommendations")

	for _, rec := range rep.Recommendations {
		severityColor(rec.Priority).Fprintf(w, "  [%s] %s\n", rec.Priority, rec.Message)
	}
}

func newConsoleTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	return tbl
}

func formatMillis(v float64) string {
	return humanize.FtoaWithDigits(v, 1) + " ms"
}

func healthColor(score float64) *color.Color {
	switch {
	case score >= healthGoodFloor:
		return color.New(color.FgGreen)
	case score >= healthAttentionFloor:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func severityColor(severity Severity) *color.Color {
	switch severity {
	case SeverityHigh:
		return color.New(color.FgRed)
	case SeverityMedium:
		return color.New(color.FgYellow)
	case SeverityLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

func sortedSuiteNames(suites map[string]*SuiteSummary) []string {
	names := make([]string, 0, len(suites))
	for name := range suites {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func sortedTagNames(tags map[string]*TagStats) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
