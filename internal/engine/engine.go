// Package engine drives one analysis pass over a run of step samples:
// classification against rolling baselines, history updates, suite roll-ups
// with health scoring, tag and critical-path analyses, and derived
// recommendations. The pass is deterministic: the analysis timestamp is
// passed in, and every map is sorted before anything ordered is emitted.
package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/classify"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/observability"
)

// ErrNilConfig is returned when Analyze is called without a resolved
// configuration.
var ErrNilConfig = errors.New("analysis requires a resolved configuration")

// tracerName is the default OTel tracer name for the engine package.
const tracerName = "perfsentinel"

// opAnalyze labels engine metrics for one analysis pass.
const opAnalyze = "engine.analyze"

// statusOK is the metric status recorded for a completed pass.
const statusOK = "ok"

// Tags with engine-level meaning.
const (
	tagCritical    = "@critical"
	tagSmoke       = "@smoke"
	tagSecurity    = "@security"
	tagPerformance = "@performance"
)

// Engine analyzes runs against their project history.
type Engine struct {
	// Tracer is the OTel tracer for analysis spans.
	// When nil, falls back to otel.Tracer("perfsentinel").
	Tracer trace.Tracer

	// Metrics is an optional RED metrics recorder. Nil disables metrics.
	Metrics *observability.REDMetrics
}

// Result pairs the report with the successor history document. The caller
// commits UpdatedHistory through the storage layer; the input document is
// never mutated.
type Result struct {
	Report         *report.Report
	UpdatedHistory *baseline.Document
}

// tracer returns the configured tracer, falling back to the global provider.
func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}

	return otel.Tracer(tracerName)
}

// Analyze classifies every sample in run against history under cfg and
// returns the report plus the updated history. history may be nil.
//
// Samples are absorbed in order: a later sample of the same step in the same
// run is judged against a baseline already updated by the earlier ones. This
// order sensitivity is part of the contract. The report timestamp is now;
// Analyze never reads the clock for report content.
func (e *Engine) Analyze(
	ctx context.Context,
	run []telemetry.StepSample,
	history *baseline.Document,
	cfg *config.Config,
	now time.Time,
) (*Result, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	ctx, span := e.tracer().Start(ctx, "perfsentinel.analyze",
		trace.WithAttributes(
			attribute.String("project.id", cfg.Project.ID),
			attribute.Int("run.samples", len(run)),
		))
	defer span.End()

	start := time.Now()

	if e.Metrics != nil {
		decInflight := e.Metrics.TrackInflight(ctx, opAnalyze)
		defer decInflight()
	}

	working := history.DeepCopy()
	rep := report.New(now)
	acc := newRunAccum()

	for _, sample := range run {
		e.analyzeSample(rep, working, cfg, acc, sample, now)
	}

	finishMetadata(rep, acc, len(run))
	e.rollUpSuites(rep, working, cfg, acc, now)
	buildTagAnalysis(rep, acc)
	buildCriticalPath(rep)
	buildRenameHints(rep, history, acc)
	buildRecommendations(rep)

	span.SetAttributes(
		attribute.Int("report.regressions", len(rep.Regressions)),
		attribute.Int("report.new_steps", len(rep.NewSteps)),
		attribute.Int("report.suites", len(rep.Suites)),
		attribute.Float64("report.overall_health", rep.Metadata.OverallHealth),
	)

	if e.Metrics != nil {
		e.Metrics.RecordRequest(ctx, opAnalyze, statusOK, time.Since(start))
	}

	return &Result{Report: rep, UpdatedHistory: working}, nil
}

// analyzeSample runs one sample through normalization, suite accrual,
// classification, drift evaluation, and the baseline update, in that order.
// Drift is evaluated on the pre-update durations so the incoming sample does
// not dilute its own window.
func (e *Engine) analyzeSample(
	rep *report.Report,
	working *baseline.Document,
	cfg *config.Config,
	acc *runAccum,
	sample telemetry.StepSample,
	now time.Time,
) {
	sctx := telemetry.NormalizeContext(sample.Context)

	seen := sample.Timestamp
	if seen.IsZero() {
		seen = now
	}

	acc.uniqueSteps[sample.StepText] = struct{}{}
	acc.jobs[sctx.JobID] = struct{}{}

	suite := rep.Suites[sctx.Suite]
	if suite == nil {
		suite = &report.SuiteSummary{
			Suite:       sctx.Suite,
			MinDuration: sample.Duration,
			MaxDuration: sample.Duration,
		}
		rep.Suites[sctx.Suite] = suite
	}

	sacc := acc.suiteFor(sctx.Suite)

	suite.TotalSteps++
	suite.TotalDuration += sample.Duration
	suite.MinDuration = min(suite.MinDuration, sample.Duration)
	suite.MaxDuration = max(suite.MaxDuration, sample.Duration)
	sacc.testFiles[sctx.TestFile] = struct{}{}

	for _, tag := range sctx.Tags {
		sacc.tags[tag] = struct{}{}
		acc.tagFor(tag).observe(sample.Duration, sctx)

		switch tag {
		case tagCritical:
			suite.CriticalSteps++
		case tagSmoke:
			suite.SmokeSteps++
		}
	}

	entry := working.Step(sample.StepText)
	if entry == nil {
		rep.NewSteps = append(rep.NewSteps, report.StepRecord{
			StepText:  sample.StepText,
			Duration:  sample.Duration,
			Context:   sctx,
			Timestamp: seen,
		})
		suite.NewSteps++
		working.SetStep(sample.StepText, baseline.NewEntry(sample.Duration, seen, sample.Context))

		return
	}

	eff := cfg.ResolveEffective(sample.StepText, entry.Average, sctx)
	outcome := classify.Classify(sample, entry, eff, cfg.Analysis.Trends)

	record := report.StepRecord{
		StepText:      sample.StepText,
		Duration:      sample.Duration,
		Average:       entry.Average,
		StdDev:        entry.StdDev,
		Slowdown:      outcome.Slowdown,
		Percentage:    outcome.Percentage,
		Reason:        outcome.Reason,
		AppliedConfig: &eff,
		Context:       sctx,
		Timestamp:     seen,
	}

	if outcome.Class == classify.ClassRegression {
		rep.Regressions = append(rep.Regressions, record)
		suite.Regressions++
	} else {
		rep.OK = append(rep.OK, record)
		suite.OKSteps++
	}

	drift := classify.EvaluateDrift(entry, cfg.Analysis.Trends)
	if drift != nil {
		driftRecord := record
		driftRecord.Trend = drift.Trend
		driftRecord.Reason = ""
		rep.Trends = append(rep.Trends, driftRecord)
	}

	for _, label := range eff.Applied {
		sacc.applied[label] = struct{}{}
	}

	entry.Observe(sample.Duration, seen, sample.Context, cfg.Analysis.MaxHistory)
}

// finishMetadata fills the run-wide metadata accumulated during the sample
// pass. OverallHealth is set later by the suite roll-up.
func finishMetadata(rep *report.Report, acc *runAccum, totalSteps int) {
	rep.Metadata.TotalSteps = totalSteps
	rep.Metadata.UniqueSteps = len(acc.uniqueSteps)
	rep.Metadata.Suites = suiteNames(rep.Suites)
	rep.Metadata.Tags = sortedKeys(acc.tagSet())
	rep.Metadata.Jobs = sortedKeys(acc.jobs)
}

// runAccum gathers run-wide sets during the sample pass.
type runAccum struct {
	uniqueSteps map[string]struct{}
	jobs        map[string]struct{}
	suites      map[string]*suiteAccum
	tags        map[string]*tagAccum
}

func newRunAccum() *runAccum {
	return &runAccum{
		uniqueSteps: make(map[string]struct{}),
		jobs:        make(map[string]struct{}),
		suites:      make(map[string]*suiteAccum),
		tags:        make(map[string]*tagAccum),
	}
}

func (acc *runAccum) suiteFor(suite string) *suiteAccum {
	sacc, ok := acc.suites[suite]
	if !ok {
		sacc = &suiteAccum{
			tags:      make(map[string]struct{}),
			testFiles: make(map[string]struct{}),
			applied:   make(map[string]struct{}),
		}
		acc.suites[suite] = sacc
	}

	return sacc
}

func (acc *runAccum) tagFor(tag string) *tagAccum {
	tacc, ok := acc.tags[tag]
	if !ok {
		tacc = &tagAccum{
			suites:    make(map[string]struct{}),
			testFiles: make(map[string]struct{}),
		}
		acc.tags[tag] = tacc
	}

	return tacc
}

// tagSet projects the tag accumulators onto a bare set for sorting.
func (acc *runAccum) tagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(acc.tags))
	for tag := range acc.tags {
		set[tag] = struct{}{}
	}

	return set
}

// suiteAccum gathers per-suite sets that become sorted slices at roll-up.
type suiteAccum struct {
	tags      map[string]struct{}
	testFiles map[string]struct{}
	applied   map[string]struct{}
}

// tagAccum aggregates every classified sample carrying one tag.
type tagAccum struct {
	count     int
	total     float64
	min       float64
	max       float64
	suites    map[string]struct{}
	testFiles map[string]struct{}
}

func (ta *tagAccum) observe(duration float64, sctx telemetry.StepContext) {
	if ta.count == 0 {
		ta.min = duration
		ta.max = duration
	} else {
		ta.min = min(ta.min, duration)
		ta.max = max(ta.max, duration)
	}

	ta.count++
	ta.total += duration
	ta.suites[sctx.Suite] = struct{}{}
	ta.testFiles[sctx.TestFile] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

func suiteNames(suites map[string]*report.SuiteSummary) []string {
	names := make([]string, 0, len(suites))
	for name := range suites {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
