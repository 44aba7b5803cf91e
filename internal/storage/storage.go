// Package storage defines the persistence contract shared by every
// adapter: baseline history, run archives, job coordination, retention
// cleanup, and health reporting. Concrete adapters live in the fs,
// s3store, and docstore subpackages and register themselves with this
// package's registry; the Service type layers filesystem fallback on
// top of whichever adapter the configuration selects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// ErrNotInitialized is returned when an operation runs before Initialize.
var ErrNotInitialized = errors.New("adapter not initialized")

// ErrInvalidArgument marks caller mistakes: empty identifiers, unsafe key
// characters, unknown job statuses. These never trigger fallback.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrTransient marks network or I/O failures that a retry may clear.
var ErrTransient = errors.New("transient storage failure")

// ErrPermanent marks failures no retry can clear: authorization denied,
// bucket or database missing, malformed connection string.
var ErrPermanent = errors.New("permanent storage failure")

// ErrTimeout marks a network or I/O deadline expiring mid-operation.
var ErrTimeout = errors.New("storage operation timed out")

// ErrConflict marks a concurrent history replacement losing the
// last-write race. Callers log it; it is not fatal.
var ErrConflict = errors.New("concurrent history replacement")

// ErrJobNotFound is returned when a job record does not exist. WaitForJobs
// reports such jobs with StatusUnknown instead of failing.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of a coordination job.
type JobStatus string

// Job lifecycle states. StatusUnknown is reported for jobs that were
// never registered.
const (
	StatusRegistered JobStatus = "registered"
	StatusRunning    JobStatus = "running"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusUnknown    JobStatus = "unknown"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one a caller may write.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusRegistered, StatusRunning, StatusCompleted, StatusFailed:
		return true
	case StatusUnknown:
		return false
	}

	return false
}

// JobRecord is the persisted state of one coordination job.
type JobRecord struct {
	ProjectID    string         `json:"projectId"`
	JobID        string         `json:"jobId"`
	Status       JobStatus      `json:"status"`
	Info         map[string]any `json:"info,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// JobState is the per-job slice of a WaitResult.
type JobState struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// WaitOptions bound a WaitForJobs call. Zero fields take the package
// defaults.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Defaults for WaitOptions.
const (
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	return o
}

// WaitResult reports the outcome of a WaitForJobs call. The observed
// statuses are always populated, timed out or not.
type WaitResult struct {
	AllCompleted bool          `json:"allCompleted"`
	JobStatuses  []JobState    `json:"jobStatuses"`
	WaitTime     time.Duration `json:"waitTime"`
	TimedOut     bool          `json:"timedOut"`
}

// AggregateResult is the concatenation of archived run samples for one
// project, optionally filtered by job.
type AggregateResult struct {
	AggregatedSteps      []telemetry.StepSample `json:"aggregatedSteps"`
	RunCount             int                    `json:"runCount"`
	JobCount             int                    `json:"jobCount"`
	AggregationTimestamp time.Time              `json:"aggregationTimestamp"`
}

// CleanupResult counts what a Cleanup pass removed, or would remove when
// DryRun is set. BytesReclaimed is zero for backends without object sizes.
type CleanupResult struct {
	RunsRemoved      int   `json:"runsRemoved"`
	JobsRemoved      int   `json:"jobsRemoved"`
	TempFilesRemoved int   `json:"tempFilesRemoved"`
	BytesReclaimed   int64 `json:"bytesReclaimed"`
	DryRun           bool  `json:"dryRun"`
}

// HealthState grades an adapter's availability.
type HealthState string

// Health states, best to worst.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthError     HealthState = "error"
)

// HealthStatus is the result of an adapter health probe.
type HealthStatus struct {
	Type    config.AdapterType `json:"type"`
	Status  HealthState        `json:"status"`
	Details map[string]any     `json:"details,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Adapter is the contract every storage backend implements. All public
// operations require a prior successful Initialize. Implementations wrap
// failures with the package sentinels so the Service can classify them.
type Adapter interface {
	// Initialize acquires the backend. It must be called before any
	// other operation and may be called once per adapter lifetime.
	Initialize(ctx context.Context) error

	// Close releases the backend. The adapter is unusable afterwards.
	Close(ctx context.Context) error

	// Type identifies the backend.
	Type() config.AdapterType

	// GetHistory loads the project's baseline document. A project with
	// no persisted history yields an empty document, not an error.
	GetHistory(ctx context.Context, projectID string) (*baseline.Document, error)

	// SaveHistory atomically replaces the project's baseline document.
	SaveHistory(ctx context.Context, projectID string, doc *baseline.Document) error

	// SeedHistory rebuilds the baseline from step durations, computing
	// average and standard deviation once per step before persisting.
	SeedHistory(ctx context.Context, projectID string, seed map[string][]float64) error

	// SavePerformanceRun archives one run, append-only. The run ID comes
	// from meta["runId"] when present, otherwise a generated monotonic
	// ID. Returns the ID under which the run was stored.
	SavePerformanceRun(ctx context.Context, projectID string, samples []telemetry.StepSample, meta map[string]any) (string, error)

	// GetPerformanceRuns returns archived runs, most recent first.
	// A non-positive limit returns all runs.
	GetPerformanceRuns(ctx context.Context, projectID string, limit int) ([]telemetry.RunDocument, error)

	// AggregateResults concatenates archived run samples in run-timestamp
	// order. Empty jobIDs aggregates every accessible run; otherwise only
	// samples whose context jobId is listed are included.
	AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*AggregateResult, error)

	// RegisterJob creates or resets a job record with StatusRegistered.
	RegisterJob(ctx context.Context, projectID, jobID string, info map[string]any) error

	// UpdateJobStatus transitions an existing job and merges meta into
	// its info. Unknown jobs yield ErrJobNotFound.
	UpdateJobStatus(ctx context.Context, projectID, jobID string, status JobStatus, meta map[string]any) error

	// GetJobInfo returns the job record, or ErrJobNotFound.
	GetJobInfo(ctx context.Context, projectID, jobID string) (*JobRecord, error)

	// WaitForJobs polls until every listed job reaches a terminal status
	// or the timeout expires. Observed statuses are always returned.
	WaitForJobs(ctx context.Context, projectID string, jobIDs []string, opts WaitOptions) (*WaitResult, error)

	// Cleanup removes run archives and job records older than the policy
	// allows. It never touches the live history document. With dryRun it
	// only counts.
	Cleanup(ctx context.Context, projectID string, policy config.RetentionPolicy, dryRun bool) (*CleanupResult, error)

	// HealthStatus probes the backend. It never returns an error; probe
	// failures are reported in the status itself.
	HealthStatus(ctx context.Context) HealthStatus
}

// ValidateKey rejects identifiers that cannot serve as a path or object
// key segment: empty strings, dot traversals, and separator characters.
func ValidateKey(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidArgument, kind)
	}

	if value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%w: %s %q is not a safe key segment", ErrInvalidArgument, kind, value)
	}

	return nil
}

// runIDTimeLayout keeps generated run IDs lexicographically sortable in
// chronological order and free of filesystem-hostile characters.
const runIDTimeLayout = "20060102T150405.000000000Z"

// NewRunID generates a monotonic run identifier from the given instant.
func NewRunID(now time.Time) string {
	return "run-" + now.UTC().Format(runIDTimeLayout)
}

// RunIDFromMeta extracts a caller-supplied run ID from run metadata.
func RunIDFromMeta(meta map[string]any) (string, bool) {
	raw, ok := meta["runId"]
	if !ok {
		return "", false
	}

	id, ok := raw.(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// BuildAggregate concatenates run samples oldest-first so baseline updates
// replay in chronological order. With a non-empty jobIDs filter, only
// samples whose context jobId is listed contribute, and only runs that
// contributed at least one sample are counted.
func BuildAggregate(runs []telemetry.RunDocument, jobIDs []string, now time.Time) *AggregateResult {
	ordered := make([]telemetry.RunDocument, len(runs))
	copy(ordered, runs)
	sortRunsByTimestamp(ordered)

	filter := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		filter[id] = struct{}{}
	}

	result := &AggregateResult{
		AggregatedSteps:      []telemetry.StepSample{},
		AggregationTimestamp: now,
	}

	jobsSeen := make(map[string]struct{})

	for _, run := range ordered {
		matched := 0

		for _, sample := range run.RunData {
			jobID := sampleJobID(sample)
			if len(filter) > 0 {
				if _, ok := filter[jobID]; !ok {
					continue
				}
			}

			result.AggregatedSteps = append(result.AggregatedSteps, sample)
			matched++

			if jobID != "" {
				jobsSeen[jobID] = struct{}{}
			}
		}

		if len(filter) == 0 || matched > 0 {
			result.RunCount++
		}
	}

	result.JobCount = len(jobsSeen)

	return result
}

func sortRunsByTimestamp(runs []telemetry.RunDocument) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].Timestamp.Before(runs[j-1].Timestamp); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func sampleJobID(sample telemetry.StepSample) string {
	if sample.Context == nil {
		return ""
	}

	return sample.Context.JobID
}

// StatusFetch reads the current status of one job. Implementations return
// ErrJobNotFound for unregistered jobs.
type StatusFetch func(ctx context.Context, jobID string) (JobStatus, error)

// PollJobs drives a cooperative wait loop over the given jobs: one status
// sweep per poll interval, finishing when every job is terminal or the
// timeout expires. Unregistered jobs observe StatusUnknown, transient
// fetch failures keep the previous observation for the round, and any
// other failure aborts with the statuses gathered so far. Context
// cancellation returns the partial result alongside the context error.
func PollJobs(ctx context.Context, jobIDs []string, opts WaitOptions, fetch StatusFetch) (*WaitResult, error) {
	opts = opts.withDefaults()
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	for {
		states, allTerminal, fetchErr := sweepJobs(ctx, jobIDs, fetch)
		if fetchErr != nil {
			return &WaitResult{
				JobStatuses: states,
				WaitTime:    time.Since(start),
			}, fetchErr
		}

		if allTerminal {
			return &WaitResult{
				AllCompleted: true,
				JobStatuses:  states,
				WaitTime:     time.Since(start),
			}, nil
		}

		if !time.Now().Before(deadline) {
			return &WaitResult{
				JobStatuses: states,
				WaitTime:    time.Since(start),
				TimedOut:    true,
			}, nil
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return &WaitResult{
				JobStatuses: states,
				WaitTime:    time.Since(start),
				TimedOut:    true,
			}, ctx.Err()
		case <-timer.C:
		}
	}
}

func sweepJobs(ctx context.Context, jobIDs []string, fetch StatusFetch) ([]JobState, bool, error) {
	states := make([]JobState, 0, len(jobIDs))
	allTerminal := true

	for _, jobID := range jobIDs {
		status, fetchErr := fetch(ctx, jobID)

		switch {
		case fetchErr == nil:
		case errors.Is(fetchErr, ErrJobNotFound):
			status = StatusUnknown
		case errors.Is(fetchErr, ErrTransient), errors.Is(fetchErr, ErrTimeout):
			status = StatusUnknown
		default:
			return states, false, fetchErr
		}

		states = append(states, JobState{JobID: jobID, Status: status})

		if !status.Terminal() {
			allTerminal = false
		}
	}

	return states, allTerminal, nil
}
