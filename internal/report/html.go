package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Chart geometry.
const (
	htmlChartWidth  = "100%"
	htmlChartHeight = "420px"

	// htmlMaxTrendSuites caps the series on the duration-trend chart so
	// projects with hundreds of suites stay legible.
	htmlMaxTrendSuites = 8
)

// HTMLReporter renders a standalone HTML page: suite health bar chart,
// suite average-duration trend line chart, and the report tables.
type HTMLReporter struct{}

// Name implements Reporter.
func (r *HTMLReporter) Name() string { return NameHTML }

// Filename implements Reporter.
func (r *HTMLReporter) Filename() string { return "performance-report.html" }

// Emit implements Reporter.
func (r *HTMLReporter) Emit(w io.Writer, rep *Report) error {
	var healthChart, trendChart template.HTML

	if len(rep.Suites) > 0 {
		snippet, healthErr := chartSnippet(suiteHealthChart(rep))
		if healthErr != nil {
			return healthErr
		}

		healthChart = snippet

		snippet, trendErr := chartSnippet(suiteTrendChart(rep))
		if trendErr != nil {
			return trendErr
		}

		trendChart = snippet
	}

	data := htmlPageData{
		Report:      rep,
		SuiteNames:  sortedSuiteNames(rep.Suites),
		TagNames:    sortedTagNames(rep.TagAnalysis),
		HealthChart: healthChart,
		TrendChart:  trendChart,
	}

	tmpl, parseErr := template.New("report").Parse(htmlPageTemplate)
	if parseErr != nil {
		return fmt.Errorf("parse report template: %w", parseErr)
	}

	executeErr := tmpl.Execute(w, data)
	if executeErr != nil {
		return fmt.Errorf("render html report: %w", executeErr)
	}

	return nil
}

type htmlPageData struct {
	Report      *Report
	SuiteNames  []string
	TagNames    []string
	HealthChart template.HTML
	TrendChart  template.HTML
}

// suiteHealthChart builds a bar chart of per-suite health scores.
func suiteHealthChart(rep *Report) *charts.Bar {
	names := sortedSuiteNames(rep.Suites)
	data := make([]opts.BarData, len(names))

	for i, name := range names {
		data[i] = opts.BarData{Value: rep.Suites[name].HealthScore}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Suite health"}),
		charts.WithInitializationOpts(opts.Initialization{Width: htmlChartWidth, Height: htmlChartHeight}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Score"}),
	)
	bar.SetXAxis(names)
	bar.AddSeries("Health score", data)

	return bar
}

// suiteTrendChart builds a line chart of rolling suite average durations.
func suiteTrendChart(rep *Report) *charts.Line {
	names := sortedSuiteNames(rep.Suites)
	if len(names) > htmlMaxTrendSuites {
		names = names[:htmlMaxTrendSuites]
	}

	maxLen := 0

	for _, name := range names {
		history := rep.Suites[name].AvgDurationHistory
		if len(history) > maxLen {
			maxLen = len(history)
		}
	}

	labels := make([]string, maxLen)
	for i := range labels {
		labels[i] = fmt.Sprintf("run %d", i+1)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Suite average duration"}),
		charts.WithInitializationOpts(opts.Initialization{Width: htmlChartWidth, Height: htmlChartHeight}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(labels)

	for _, name := range names {
		history := rep.Suites[name].AvgDurationHistory
		series := make([]opts.LineData, maxLen)

		// Right-align shorter histories so the newest runs line up.
		offset := maxLen - len(history)
		for i := range series {
			if i < offset {
				series[i] = opts.LineData{Value: "-"}

				continue
			}

			series[i] = opts.LineData{Value: history[i-offset]}
		}

		line.AddSeries(name, series, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	}

	return line
}

// chartSnippet renders a chart and slices out the embeddable fragment:
// go-echarts emits a complete document, the page template supplies its own
// shell and the echarts script tag.
func chartSnippet(chart interface{ Render(w io.Writer) error }) (template.HTML, error) {
	var buf bytes.Buffer

	renderErr := chart.Render(&buf)
	if renderErr != nil {
		return "", fmt.Errorf("render chart: %w", renderErr)
	}

	page := buf.String()

	start := strings.Index(page, `<div class="container">`)
	end := strings.Index(page, `</body>`)

	if start == -1 || end == -1 {
		return template.HTML(page), nil //nolint:gosec // go-echarts output
	}

	return template.HTML(page[start:end]), nil //nolint:gosec // go-echarts output
}

const htmlPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Performance Analysis</title>
<script src="https://go-echarts.github.io/go-echarts-assets/assets/echarts.min.js"></script>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 2rem auto; max-width: 1100px; color: #24292f; }
h1, h2 { border-bottom: 1px solid #d0d7de; padding-bottom: .3rem; }
table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
th, td { border: 1px solid #d0d7de; padding: .4rem .6rem; text-align: left; }
th { background: #f6f8fa; }
.health { font-size: 1.2rem; font-weight: 600; }
.sev-high { color: #cf222e; }
.sev-medium { color: #9a6700; }
.sev-low { color: #0969b2; }
.sev-none { color: #1a7f37; }
.echart-box { margin: 1.5rem 0; }
</style>
</head>
<body>
<h1>Performance Analysis</h1>
<p>Generated: {{.Report.Metadata.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}</p>
<p class="health">Overall health: {{printf "%.1f" .Report.Metadata.OverallHealth}}/100 —
{{.Report.Metadata.TotalSteps}} steps ({{.Report.Metadata.UniqueSteps}} unique),
{{len .Report.Metadata.Suites}} suites</p>

{{.HealthChart}}
{{.TrendChart}}

<h2>Regressions ({{len .Report.Regressions}})</h2>
{{if .Report.Regressions}}
<table>
<tr><th>Step</th><th>Duration (ms)</th><th>Average (ms)</th><th>Slowdown (ms)</th><th>Change</th><th>Suite</th></tr>
{{range .Report.Regressions}}
<tr><td>{{.StepText}}</td><td>{{printf "%.1f" .Duration}}</td><td>{{printf "%.1f" .Average}}</td>
<td>{{printf "%.1f" .Slowdown}}</td><td>+{{printf "%.1f" .Percentage}}%</td><td>{{.Context.Suite}}</td></tr>
{{end}}
</table>
{{else}}<p class="sev-none">No regressions detected.</p>{{end}}

{{if .Report.Trends}}
<h2>Drifting steps ({{len .Report.Trends}})</h2>
<table>
<tr><th>Step</th><th>Duration (ms)</th><th>Trend (ms)</th><th>Suite</th></tr>
{{range .Report.Trends}}
<tr><td>{{.StepText}}</td><td>{{printf "%.1f" .Duration}}</td><td>+{{printf "%.1f" .Trend}}</td><td>{{.Context.Suite}}</td></tr>
{{end}}
</table>
{{end}}

{{if .SuiteNames}}
<h2>Suites</h2>
<table>
<tr><th>Suite</th><th>Steps</th><th>Avg (ms)</th><th>Regressions</th><th>New</th><th>Health</th><th>Category</th></tr>
{{$suites := .Report.Suites}}
{{range .SuiteNames}}{{with index $suites .}}
<tr><td>{{.Suite}}</td><td>{{.TotalSteps}}</td><td>{{printf "%.1f" .AvgDuration}}</td>
<td>{{.Regressions}}</td><td>{{.NewSteps}}</td><td>{{printf "%.1f" .HealthScore}}</td><td>{{.Category}}</td></tr>
{{end}}{{end}}
</table>
{{end}}

{{if .Report.CriticalPath.TotalIssues}}
<h2>Critical path — overall <span class="sev-{{.Report.CriticalPath.OverallSeverity}}">{{.Report.CriticalPath.OverallSeverity}}</span></h2>
<table>
<tr><th>Severity</th><th>Kind</th><th>Step</th><th>Detail</th></tr>
{{range .Report.CriticalPath.Issues}}
<tr><td class="sev-{{.Severity}}">{{.Severity}}</td><td>{{.Kind}}</td><td>{{.StepText}}</td><td>{{.Detail}}</td></tr>
{{end}}
</table>
{{end}}

{{if .TagNames}}
<h2>Tags</h2>
<table>
<tr><th>Tag</th><th>Steps</th><th>Avg (ms)</th><th>Min (ms)</th><th>Max (ms)</th></tr>
{{$tags := .Report.TagAnalysis}}
{{range $tag := .TagNames}}{{with index $tags $tag}}
<tr><td>{{$tag}}</td><td>{{.StepCount}}</td><td>{{printf "%.1f" .AvgDuration}}</td>
<td>{{printf "%.1f" .MinDuration}}</td><td>{{printf "%.1f" .MaxDuration}}</td></tr>
{{end}}{{end}}
</table>
{{end}}

{{if .Report.Recommendations}}
<h2>Recommendations</h2>
<ul>
{{range .Report.Recommendations}}
<li><span class="sev-{{.Priority}}">[{{.Priority}}]</span> {{.Message}}</li>
{{end}}
</ul>
{{end}}
</body>
</html>
`
