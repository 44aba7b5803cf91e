// Package report defines the analysis report document and the emitters
// that render it: console, markdown, html, and json.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// Severity grades an issue or a suite.
type Severity string

// Severity grades, ordered none < low < medium < high.
const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityRank orders severities for max comparisons.
var severityRank = map[Severity]int{
	SeverityNone:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}

	return a
}

// Rank returns the ordinal of s for priority sorting; higher is worse.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Suite health categories.
const (
	CategoryGood      = "good"
	CategoryAttention = "attention"
	CategoryWarning   = "warning"
	CategoryCritical  = "critical"
)

// Issue kinds collected by the critical-path analysis.
const (
	IssueRegression = "regression"
	IssueDrift      = "drift"
	IssueNewStep    = "new_step"
)

// Report is the complete outcome of one analysis. It is produced per run
// and never persisted by the engine.
type Report struct {
	Regressions      []StepRecord             `json:"regressions"`
	NewSteps         []StepRecord             `json:"newSteps"`
	OK               []StepRecord             `json:"ok"`
	Trends           []StepRecord             `json:"trends"`
	Suites           map[string]*SuiteSummary `json:"suites"`
	SuiteRegressions []SuiteRegression        `json:"suiteRegressions"`
	TagAnalysis      map[string]*TagStats     `json:"tagAnalysis"`
	CriticalPath     CriticalPath             `json:"criticalPath"`
	Recommendations  []Recommendation         `json:"recommendations"`
	Metadata         Metadata                 `json:"metadata"`
}

// New returns an empty report stamped with the analysis time.
func New(timestamp time.Time) *Report {
	return &Report{
		Regressions:      []StepRecord{},
		NewSteps:         []StepRecord{},
		OK:               []StepRecord{},
		Trends:           []StepRecord{},
		Suites:           make(map[string]*SuiteSummary),
		SuiteRegressions: []SuiteRegression{},
		TagAnalysis:      make(map[string]*TagStats),
		CriticalPath:     CriticalPath{OverallSeverity: SeverityNone, Issues: []CriticalIssue{}},
		Recommendations:  []Recommendation{},
		Metadata:         Metadata{Timestamp: timestamp},
	}
}

// StepRecord is one classified sample. Average, StdDev, Slowdown and
// Percentage describe the pre-update baseline; Trend is set on drift
// records; Reason explains a rule-filter downgrade on ok records.
type StepRecord struct {
	StepText      string                      `json:"stepText"`
	Duration      float64                     `json:"duration"`
	Average       float64                     `json:"average,omitempty"`
	StdDev        float64                     `json:"stdDev,omitempty"`
	Slowdown      float64                     `json:"slowdown,omitempty"`
	Percentage    float64                     `json:"percentage,omitempty"`
	Trend         float64                     `json:"trend,omitempty"`
	Reason        string                      `json:"reason,omitempty"`
	AppliedConfig *config.EffectiveStepConfig `json:"appliedConfig,omitempty"`
	Context       telemetry.StepContext       `json:"context"`
	Timestamp     time.Time                   `json:"timestamp"`
}

// SuiteSummary aggregates one suite's samples and grades its health.
// AvgDurationHistory is the post-update rolling average sequence used by
// the html reporter's trend chart.
type SuiteSummary struct {
	Suite              string    `json:"suite"`
	TotalSteps         int       `json:"totalSteps"`
	TotalDuration      float64   `json:"totalDuration"`
	AvgDuration        float64   `json:"avgDuration"`
	MinDuration        float64   `json:"minDuration"`
	MaxDuration        float64   `json:"maxDuration"`
	Regressions        int       `json:"regressions"`
	NewSteps           int       `json:"newSteps"`
	OKSteps            int       `json:"okSteps"`
	CriticalSteps      int       `json:"criticalSteps"`
	SmokeSteps         int       `json:"smokeSteps"`
	Tags               []string  `json:"tags,omitempty"`
	TestFiles          []string  `json:"testFiles,omitempty"`
	AppliedConfigs     []string  `json:"appliedConfigs,omitempty"`
	HealthScore        float64   `json:"healthScore"`
	Category           string    `json:"category"`
	Severity           Severity  `json:"severity"`
	Recommendations    []string  `json:"recommendations,omitempty"`
	AvgDurationHistory []float64 `json:"avgDurationHistory,omitempty"`
}

// SuiteRegression flags a suite whose current average escaped its own
// historical band.
type SuiteRegression struct {
	Suite         string  `json:"suite"`
	CurrentAvg    float64 `json:"currentAvg"`
	HistoricalAvg float64 `json:"historicalAvg"`
	Delta         float64 `json:"delta"`
	Percentage    float64 `json:"percentage"`
}

// TagStats aggregates every classified sample carrying one tag.
type TagStats struct {
	StepCount     int      `json:"stepCount"`
	AvgDuration   float64  `json:"avgDuration"`
	MinDuration   float64  `json:"minDuration"`
	MaxDuration   float64  `json:"maxDuration"`
	TotalDuration float64  `json:"totalDuration"`
	Suites        []string `json:"suites"`
	TestFiles     []string `json:"testFiles"`
}

// CriticalIssue is one finding on a critical-path step.
type CriticalIssue struct {
	Kind     string   `json:"kind"`
	StepText string   `json:"stepText"`
	Suite    string   `json:"suite"`
	Tags     []string `json:"tags,omitempty"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// CriticalPath collects issues on steps tagged into the critical path.
type CriticalPath struct {
	TotalIssues        int             `json:"totalIssues"`
	HighSeverityIssues int             `json:"highSeverityIssues"`
	Issues             []CriticalIssue `json:"issues"`
	OverallSeverity    Severity        `json:"overallSeverity"`
}

// Recommendation is one derived, priority-graded suggestion.
type Recommendation struct {
	Priority Severity `json:"priority"`
	Type     string   `json:"type"`
	Message  string   `json:"message"`
}

// Metadata summarizes the analyzed run.
type Metadata struct {
	TotalSteps    int       `json:"totalSteps"`
	UniqueSteps   int       `json:"uniqueSteps"`
	Suites        []string  `json:"suites"`
	Tags          []string  `json:"tags,omitempty"`
	Jobs          []string  `json:"jobs,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	OverallHealth float64   `json:"overallHealth"`
}

// Reporter renders a report. Filename names the artifact under the output
// directory; an empty filename targets stdout.
type Reporter interface {
	Name() string
	Filename() string
	Emit(w io.Writer, rep *Report) error
}

// Known reporter names.
const (
	NameConsole  = "console"
	NameMarkdown = "markdown"
	NameHTML     = "html"
	NameJSON     = "json"
)

// NewReporter returns the named reporter. An unknown name is a
// configuration error.
func NewReporter(name string) (Reporter, error) {
	switch name {
	case NameConsole:
		return &ConsoleReporter{}, nil
	case NameMarkdown:
		return &MarkdownReporter{}, nil
	case NameHTML:
		return &HTMLReporter{}, nil
	case NameJSON:
		return &JSONReporter{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reporter %q", config.ErrConfigInvalid, name)
	}
}

// NewReporters resolves a list of reporter names, failing on the first
// unknown one.
func NewReporters(names []string) ([]Reporter, error) {
	reporters := make([]Reporter, 0, len(names))

	for _, name := range names {
		reporter, newErr := NewReporter(name)
		if newErr != nil {
			return nil, newErr
		}

		reporters = append(reporters, reporter)
	}

	return reporters, nil
}
