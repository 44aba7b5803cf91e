// Package fs is the filesystem storage adapter. Every project gets a
// directory tree of plain JSON files:
//
//	<base>/<projectID>/history/performance-history.json
//	<base>/<projectID>/runs/<runID>.json
//	<base>/<projectID>/jobs/<jobID>.json
//	<base>/<projectID>/temp/
//
// Writes go through pkg/persist, so every replacement is
// write-tmp-then-rename and a crash mid-write leaves the previous file
// intact. An explicit history file path pins the history location and
// roots the runs, jobs, and temp directories beside it.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/persist"
)

// DefaultBaseDirectory anchors project trees when the configuration names
// no base directory.
const DefaultBaseDirectory = ".perfsentinel"

const (
	historyDirName  = "history"
	historyFileName = "performance-history.json"
	runsDirName     = "runs"
	jobsDirName     = "jobs"
	tempDirName     = "temp"

	jsonExtension = ".json"
	tmpExtension  = ".tmp"

	dirPerm = 0o750

	// maxAggregateRuns caps how many of the most recent run files one
	// aggregation pass will read.
	maxAggregateRuns = 1000

	// staleTempAge is how old a leftover temp file must be before cleanup
	// removes it. Young temp files may belong to an in-flight write.
	staleTempAge = time.Hour
)

// Store implements storage.Adapter on a local directory tree.
type Store struct {
	base        string
	historyFile string
	codec       persist.Codec
	initialized bool
	now         func() time.Time
}

func init() {
	storage.Register(config.AdapterFilesystem, func(opts config.StorageOptions) (storage.Adapter, error) {
		return New(opts), nil
	})
}

// New builds an unopened filesystem adapter from the resolved options.
func New(opts config.StorageOptions) *Store {
	base := opts.BaseDirectory
	if base == "" {
		base = DefaultBaseDirectory
	}

	return &Store{
		base:        base,
		historyFile: opts.HistoryFile,
		codec:       persist.NewJSONCodec(),
		now:         time.Now,
	}
}

// Initialize creates the root directory and marks the adapter usable.
func (s *Store) Initialize(_ context.Context) error {
	mkErr := os.MkdirAll(s.root(), dirPerm)
	if mkErr != nil {
		return wrapFS(mkErr, fmt.Sprintf("create storage root %q", s.root()))
	}

	s.initialized = true

	return nil
}

// Close marks the adapter unusable. There is nothing to release.
func (s *Store) Close(_ context.Context) error {
	s.initialized = false

	return nil
}

// Type identifies the adapter.
func (s *Store) Type() config.AdapterType {
	return config.AdapterFilesystem
}

// GetHistory loads the project baseline; a missing file yields an empty
// document.
func (s *Store) GetHistory(_ context.Context, projectID string) (*baseline.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	doc := baseline.NewDocument()

	loadErr := persist.LoadState(s.historyPath(projectID), s.codec, doc)
	if errors.Is(loadErr, iofs.ErrNotExist) {
		return baseline.NewDocument(), nil
	}

	if loadErr != nil {
		return nil, wrapFS(loadErr, fmt.Sprintf("load history for %q", projectID))
	}

	return doc, nil
}

// SaveHistory atomically replaces the project baseline.
func (s *Store) SaveHistory(_ context.Context, projectID string, doc *baseline.Document) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return err
	}

	if doc == nil {
		return fmt.Errorf("%w: nil history document", storage.ErrInvalidArgument)
	}

	saveErr := persist.SaveState(s.historyPath(projectID), s.codec, doc)
	if saveErr != nil {
		return wrapFS(saveErr, fmt.Sprintf("save history for %q", projectID))
	}

	return nil
}

// SeedHistory rebuilds the baseline from raw durations, computing the
// statistics once per step. Steps with no durations are dropped.
func (s *Store) SeedHistory(ctx context.Context, projectID string, seed map[string][]float64) error {
	if err := s.ready(); err != nil {
		return err
	}

	doc := baseline.NewDocument()
	seen := s.now().UTC()

	for stepText, durations := range seed {
		if stepText == "" || len(durations) == 0 {
			continue
		}

		doc.SetStep(stepText, baseline.NewSeededEntry(durations, seen))
	}

	return s.SaveHistory(ctx, projectID, doc)
}

// SavePerformanceRun archives one run under a caller-supplied or generated
// run ID and returns that ID.
func (s *Store) SavePerformanceRun(_ context.Context, projectID string, samples []telemetry.StepSample, meta map[string]any) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return "", err
	}

	runID, supplied := storage.RunIDFromMeta(meta)
	if !supplied {
		runID = storage.NewRunID(s.now())
	}

	if err := storage.ValidateKey("run id", runID); err != nil {
		return "", err
	}

	doc := telemetry.RunDocument{
		RunID:     runID,
		ProjectID: projectID,
		RunData:   samples,
		Timestamp: s.now().UTC(),
		Metadata:  meta,
	}

	saveErr := persist.SaveState(s.runPath(projectID, runID), s.codec, &doc)
	if saveErr != nil {
		return "", wrapFS(saveErr, fmt.Sprintf("archive run %q", runID))
	}

	return runID, nil
}

// GetPerformanceRuns returns archived runs, most recent first. Undecodable
// files are skipped: a torn foreign write must not poison the archive.
func (s *Store) GetPerformanceRuns(ctx context.Context, projectID string, limit int) ([]telemetry.RunDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	runs, loadErr := s.loadRuns(ctx, projectID)
	if loadErr != nil {
		return nil, loadErr
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}

// AggregateResults concatenates samples from the most recent run files,
// optionally filtered by job ID.
func (s *Store) AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*storage.AggregateResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	runs, loadErr := s.loadRuns(ctx, projectID)
	if loadErr != nil {
		return nil, loadErr
	}

	if len(runs) > maxAggregateRuns {
		runs = runs[:maxAggregateRuns]
	}

	return storage.BuildAggregate(runs, jobIDs, s.now().UTC()), nil
}

// RegisterJob creates or resets the job record.
func (s *Store) RegisterJob(_ context.Context, projectID, jobID string, info map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := checkKeys(projectID, jobID); err != nil {
		return err
	}

	now := s.now().UTC()
	record := storage.JobRecord{
		ProjectID:    projectID,
		JobID:        jobID,
		Status:       storage.StatusRegistered,
		Info:         info,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	saveErr := persist.SaveState(s.jobPath(projectID, jobID), s.codec, &record)
	if saveErr != nil {
		return wrapFS(saveErr, fmt.Sprintf("register job %q", jobID))
	}

	return nil
}

// UpdateJobStatus transitions an existing job and merges meta into its
// info map.
func (s *Store) UpdateJobStatus(ctx context.Context, projectID, jobID string, status storage.JobStatus, meta map[string]any) error {
	if err := s.ready(); err != nil {
		return err
	}

	if !status.Valid() {
		return fmt.Errorf("%w: job status %q", storage.ErrInvalidArgument, status)
	}

	record, getErr := s.GetJobInfo(ctx, projectID, jobID)
	if getErr != nil {
		return getErr
	}

	record.Status = status
	record.UpdatedAt = s.now().UTC()

	if len(meta) > 0 && record.Info == nil {
		record.Info = make(map[string]any, len(meta))
	}

	for key, value := range meta {
		record.Info[key] = value
	}

	saveErr := persist.SaveState(s.jobPath(projectID, jobID), s.codec, record)
	if saveErr != nil {
		return wrapFS(saveErr, fmt.Sprintf("update job %q", jobID))
	}

	return nil
}

// GetJobInfo loads one job record.
func (s *Store) GetJobInfo(_ context.Context, projectID, jobID string) (*storage.JobRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := checkKeys(projectID, jobID); err != nil {
		return nil, err
	}

	record := &storage.JobRecord{}

	loadErr := persist.LoadState(s.jobPath(projectID, jobID), s.codec, record)
	if errors.Is(loadErr, iofs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrJobNotFound, projectID, jobID)
	}

	if loadErr != nil {
		return nil, wrapFS(loadErr, fmt.Sprintf("load job %q", jobID))
	}

	return record, nil
}

// WaitForJobs polls the job directory until every job is terminal or the
// timeout expires.
func (s *Store) WaitForJobs(ctx context.Context, projectID string, jobIDs []string, opts storage.WaitOptions) (*storage.WaitResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	return storage.PollJobs(ctx, jobIDs, opts, func(ctx context.Context, jobID string) (storage.JobStatus, error) {
		record, getErr := s.GetJobInfo(ctx, projectID, jobID)
		if getErr != nil {
			return "", getErr
		}

		return record.Status, nil
	})
}

// Cleanup removes run archives and job records older than the policy
// allows, plus stale temp files. The history document is never touched.
func (s *Store) Cleanup(ctx context.Context, projectID string, policy config.RetentionPolicy, dryRun bool) (*storage.CleanupResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	result := &storage.CleanupResult{DryRun: dryRun}
	now := s.now()

	runsErr := s.cleanupRuns(ctx, projectID, policy, now, dryRun, result)
	if runsErr != nil {
		return result, runsErr
	}

	jobsErr := s.cleanupJobs(ctx, projectID, policy, now, dryRun, result)
	if jobsErr != nil {
		return result, jobsErr
	}

	tempErr := s.cleanupTemp(ctx, projectID, now, dryRun, result)
	if tempErr != nil {
		return result, tempErr
	}

	return result, nil
}

// HealthStatus probes the root directory for writability.
func (s *Store) HealthStatus(_ context.Context) storage.HealthStatus {
	details := map[string]any{
		"baseDirectory": s.base,
		"initialized":   s.initialized,
	}

	if s.historyFile != "" {
		details["historyFile"] = s.historyFile
	}

	status := storage.HealthStatus{
		Type:    config.AdapterFilesystem,
		Status:  storage.HealthHealthy,
		Details: details,
	}

	if probeErr := s.probeWritable(); probeErr != nil {
		status.Status = storage.HealthError
		status.Error = probeErr.Error()
	}

	return status
}

func (s *Store) probeWritable() error {
	mkErr := os.MkdirAll(s.root(), dirPerm)
	if mkErr != nil {
		return mkErr
	}

	probe, createErr := os.CreateTemp(s.root(), ".healthcheck-*")
	if createErr != nil {
		return createErr
	}

	name := probe.Name()
	probe.Close()

	return os.Remove(name)
}

func (s *Store) ready() error {
	if !s.initialized {
		return storage.ErrNotInitialized
	}

	return nil
}

// root is the directory Initialize must be able to create: the base
// directory, or the pinned history file's parent.
func (s *Store) root() string {
	if s.historyFile != "" {
		return filepath.Dir(s.historyFile)
	}

	return s.base
}

func (s *Store) projectRoot(projectID string) string {
	if s.historyFile != "" {
		return filepath.Dir(s.historyFile)
	}

	return filepath.Join(s.base, projectID)
}

func (s *Store) historyPath(projectID string) string {
	if s.historyFile != "" {
		return s.historyFile
	}

	return filepath.Join(s.projectRoot(projectID), historyDirName, historyFileName)
}

func (s *Store) runsDir(projectID string) string {
	return filepath.Join(s.projectRoot(projectID), runsDirName)
}

func (s *Store) jobsDir(projectID string) string {
	return filepath.Join(s.projectRoot(projectID), jobsDirName)
}

func (s *Store) tempDir(projectID string) string {
	return filepath.Join(s.projectRoot(projectID), tempDirName)
}

func (s *Store) runPath(projectID, runID string) string {
	return filepath.Join(s.runsDir(projectID), runID+jsonExtension)
}

func (s *Store) jobPath(projectID, jobID string) string {
	return filepath.Join(s.jobsDir(projectID), jobID+jsonExtension)
}

// loadRuns reads every decodable run file, most recent first.
func (s *Store) loadRuns(ctx context.Context, projectID string) ([]telemetry.RunDocument, error) {
	entries, readErr := os.ReadDir(s.runsDir(projectID))
	if errors.Is(readErr, iofs.ErrNotExist) {
		return nil, nil
	}

	if readErr != nil {
		return nil, wrapFS(readErr, fmt.Sprintf("list runs for %q", projectID))
	}

	runs := make([]telemetry.RunDocument, 0, len(entries))

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("list runs for %q: %w", projectID, ctxErr)
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jsonExtension) {
			continue
		}

		var doc telemetry.RunDocument

		loadErr := persist.LoadState(filepath.Join(s.runsDir(projectID), entry.Name()), s.codec, &doc)
		if loadErr != nil {
			continue
		}

		runs = append(runs, doc)
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Timestamp.Equal(runs[j].Timestamp) {
			return runs[i].Timestamp.After(runs[j].Timestamp)
		}

		return runs[i].RunID > runs[j].RunID
	})

	return runs, nil
}

func (s *Store) cleanupRuns(ctx context.Context, projectID string, policy config.RetentionPolicy, now time.Time, dryRun bool, result *storage.CleanupResult) error {
	if policy.MaxRunAge <= 0 {
		return nil
	}

	cutoff := now.Add(-policy.MaxRunAge)

	return s.sweepDir(ctx, s.runsDir(projectID), func(path string, info iofs.FileInfo) error {
		if !strings.HasSuffix(path, jsonExtension) || !info.ModTime().Before(cutoff) {
			return nil
		}

		removed, removeErr := removeCounted(path, info, dryRun)
		if removeErr != nil {
			return removeErr
		}

		result.RunsRemoved++
		result.BytesReclaimed += removed

		return nil
	})
}

func (s *Store) cleanupJobs(ctx context.Context, projectID string, policy config.RetentionPolicy, now time.Time, dryRun bool, result *storage.CleanupResult) error {
	if policy.MaxJobAge <= 0 && policy.MaxCompletedJobAge <= 0 {
		return nil
	}

	return s.sweepDir(ctx, s.jobsDir(projectID), func(path string, info iofs.FileInfo) error {
		if !strings.HasSuffix(path, jsonExtension) {
			return nil
		}

		if !s.jobExpired(path, info, policy, now) {
			return nil
		}

		removed, removeErr := removeCounted(path, info, dryRun)
		if removeErr != nil {
			return removeErr
		}

		result.JobsRemoved++
		result.BytesReclaimed += removed

		return nil
	})
}

// jobExpired applies the two retention classes: terminal jobs age out
// faster than live ones. An undecodable record falls back to the broader
// job age by file modification time.
func (s *Store) jobExpired(path string, info iofs.FileInfo, policy config.RetentionPolicy, now time.Time) bool {
	record := &storage.JobRecord{}

	loadErr := persist.LoadState(path, s.codec, record)
	if loadErr != nil {
		return policy.MaxJobAge > 0 && info.ModTime().Before(now.Add(-policy.MaxJobAge))
	}

	age := record.UpdatedAt
	if age.IsZero() {
		age = info.ModTime()
	}

	if record.Status.Terminal() && policy.MaxCompletedJobAge > 0 && age.Before(now.Add(-policy.MaxCompletedJobAge)) {
		return true
	}

	return policy.MaxJobAge > 0 && age.Before(now.Add(-policy.MaxJobAge))
}

func (s *Store) cleanupTemp(ctx context.Context, projectID string, now time.Time, dryRun bool, result *storage.CleanupResult) error {
	cutoff := now.Add(-staleTempAge)

	stale := func(path string, info iofs.FileInfo) error {
		inTempDir := filepath.Dir(path) == s.tempDir(projectID)
		if !inTempDir && !strings.HasSuffix(path, tmpExtension) {
			return nil
		}

		if !info.ModTime().Before(cutoff) {
			return nil
		}

		removed, removeErr := removeCounted(path, info, dryRun)
		if removeErr != nil {
			return removeErr
		}

		result.TempFilesRemoved++
		result.BytesReclaimed += removed

		return nil
	}

	for _, dir := range []string{s.tempDir(projectID), s.runsDir(projectID), s.jobsDir(projectID)} {
		if sweepErr := s.sweepDir(ctx, dir, stale); sweepErr != nil {
			return sweepErr
		}
	}

	return nil
}

// sweepDir visits every regular file in dir, checking cancellation between
// entries. A missing directory is not an error.
func (s *Store) sweepDir(ctx context.Context, dir string, visit func(path string, info iofs.FileInfo) error) error {
	entries, readErr := os.ReadDir(dir)
	if errors.Is(readErr, iofs.ErrNotExist) {
		return nil
	}

	if readErr != nil {
		return wrapFS(readErr, fmt.Sprintf("list %q", dir))
	}

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("cleanup interrupted: %w", ctxErr)
		}

		if entry.IsDir() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if visitErr := visit(filepath.Join(dir, entry.Name()), info); visitErr != nil {
			return visitErr
		}
	}

	return nil
}

func removeCounted(path string, info iofs.FileInfo, dryRun bool) (int64, error) {
	if dryRun {
		return info.Size(), nil
	}

	removeErr := os.Remove(path)
	if errors.Is(removeErr, iofs.ErrNotExist) {
		return 0, nil
	}

	if removeErr != nil {
		return 0, wrapFS(removeErr, fmt.Sprintf("remove %q", path))
	}

	return info.Size(), nil
}

func checkKeys(projectID, jobID string) error {
	if err := storage.ValidateKey("project id", projectID); err != nil {
		return err
	}

	return storage.ValidateKey("job id", jobID)
}

// wrapFS classifies a filesystem failure: permission problems are
// permanent, everything else is worth retrying.
func wrapFS(err error, msg string) error {
	kind := storage.ErrTransient
	if errors.Is(err, iofs.ErrPermission) {
		kind = storage.ErrPermanent
	}

	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}
