// Package s3store is the object-store adapter. Every project maps to a
// key subtree inside one bucket:
//
//	<prefix>/<projectID>/history.json
//	<prefix>/<projectID>/runs/<runID>.json
//	<prefix>/<projectID>/jobs/<jobID>.json
//
// Writes are whole-object PUTs. The history object is re-checked after
// every replacement so a lost last-write race surfaces as a conflict
// instead of silent data loss. Transient failures retry up to three
// exponential attempts and then fail open to the storage service, which
// may fall back to the filesystem adapter.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/persist"
	"golang.org/x/sync/errgroup"
)

const (
	historyObjectName = "history.json"
	runsKeyPrefix     = "runs"
	jobsKeyPrefix     = "jobs"

	jsonExtension   = ".json"
	contentTypeJSON = "application/json"

	// maxAttempts bounds every S3 call: one initial attempt plus
	// exponential retries on transient failures.
	maxAttempts = 3

	// defaultRetryInterval is the first retry delay. Kept short because
	// per-operation deadlines are a few seconds at most.
	defaultRetryInterval = 250 * time.Millisecond

	// fetchConcurrency bounds parallel object GETs during aggregation.
	fetchConcurrency = 8

	// maxAggregateRuns caps how many of the most recent run objects one
	// aggregation pass will retrieve.
	maxAggregateRuns = 1000
)

// errNotFound marks a missing object or bucket. Callers translate it per
// operation: a missing history object is an empty document, a missing job
// object is ErrJobNotFound, a missing bucket is permanent.
var errNotFound = errors.New("object not found")

// permanentCodes lists S3 error codes no retry can clear.
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"PermanentRedirect":     true,
	"AllAccessDisabled":     true,
}

// Client is the slice of the S3 API this adapter uses. The AWS SDK ships
// no mock, so tests implement this interface in memory.
type Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

// Store implements storage.Adapter on one S3 bucket.
type Store struct {
	bucket        string
	region        string
	prefix        string
	endpoint      string
	client        Client
	newClient     func(ctx context.Context) (Client, error)
	codec         persist.Codec
	retryInterval time.Duration
	initialized   bool
	now           func() time.Time
}

func init() {
	storage.Register(config.AdapterS3, func(opts config.StorageOptions) (storage.Adapter, error) {
		return New(opts), nil
	})
}

// New builds an unopened S3 adapter from the resolved options. The client
// is not constructed until Initialize.
func New(opts config.StorageOptions) *Store {
	return &Store{
		bucket:   opts.BucketName,
		region:   opts.Region,
		prefix:   strings.Trim(opts.Prefix, "/"),
		endpoint: opts.Endpoint,
		newClient: func(ctx context.Context) (Client, error) {
			return buildClient(ctx, opts)
		},
		codec:         persist.NewJSONCodec(),
		retryInterval: defaultRetryInterval,
		now:           time.Now,
	}
}

// buildClient resolves the ambient AWS credential chain, overridden by a
// static key pair when the configuration supplies one. A custom endpoint
// switches to path-style addressing for self-hosted stores (MinIO,
// LocalStack).
func buildClient(ctx context.Context, opts config.StorageOptions) (Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error

	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}

	cfg, loadErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if loadErr != nil {
		return nil, fmt.Errorf("%w: load aws configuration: %w", storage.ErrPermanent, loadErr)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Initialize builds the client and probes the bucket. A missing bucket is
// permanent; a network failure is transient so the service may fall back.
func (s *Store) Initialize(ctx context.Context) error {
	if s.bucket == "" {
		return fmt.Errorf("%w: bucket name is required", storage.ErrInvalidArgument)
	}

	if s.client == nil {
		client, buildErr := s.newClient(ctx)
		if buildErr != nil {
			return buildErr
		}

		s.client = client
	}

	if probeErr := s.probeBucket(ctx); probeErr != nil {
		return probeErr
	}

	s.initialized = true

	return nil
}

// Close marks the adapter unusable. The SDK's HTTP client needs no
// explicit release.
func (s *Store) Close(_ context.Context) error {
	s.initialized = false

	return nil
}

// Type identifies the adapter.
func (s *Store) Type() config.AdapterType {
	return config.AdapterS3
}

// GetHistory loads the project baseline; a missing object yields an empty
// document.
func (s *Store) GetHistory(ctx context.Context, projectID string) (*baseline.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	data, getErr := s.getObject(ctx, s.historyKey(projectID), fmt.Sprintf("load history for %q", projectID))
	if errors.Is(getErr, errNotFound) {
		return baseline.NewDocument(), nil
	}

	if getErr != nil {
		return nil, getErr
	}

	doc := baseline.NewDocument()

	decodeErr := s.decode(data, doc)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode history for %q: %w", storage.ErrTransient, projectID, decodeErr)
	}

	return doc, nil
}

// SaveHistory replaces the project baseline with a whole-object PUT, then
// re-reads the object's size. A mismatch means a concurrent writer won the
// last-write race.
func (s *Store) SaveHistory(ctx context.Context, projectID string, doc *baseline.Document) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return err
	}

	if doc == nil {
		return fmt.Errorf("%w: nil history document", storage.ErrInvalidArgument)
	}

	data, encodeErr := s.encode(doc)
	if encodeErr != nil {
		return encodeErr
	}

	key := s.historyKey(projectID)

	putErr := s.putObject(ctx, key, data, fmt.Sprintf("save history for %q", projectID))
	if putErr != nil {
		return putErr
	}

	return s.verifyHistorySize(ctx, key, int64(len(data)), projectID)
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
// run ID and returns that ID. Run keys are unique, so no verification pass
// is needed.
func (s *Store) SavePerformanceRun(ctx context.Context, projectID string, samples []telemetry.StepSample, meta map[string]any) (string, error) {
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

	data, encodeErr := s.encode(&doc)
	if encodeErr != nil {
		return "", encodeErr
	}

	putErr := s.putObject(ctx, s.runKey(projectID, runID), data, fmt.Sprintf("archive run %q", runID))
	if putErr != nil {
		return "", putErr
	}

	return runID, nil
}

// GetPerformanceRuns returns archived runs, most recent first. With a
// positive limit only the newest objects by listing time are retrieved;
// archived runs are written once, so listing time tracks run time.
func (s *Store) GetPerformanceRuns(ctx context.Context, projectID string, limit int) ([]telemetry.RunDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	objects, listErr := s.listObjects(ctx, s.runsPrefix(projectID), fmt.Sprintf("list runs for %q", projectID))
	if listErr != nil {
		return nil, listErr
	}

	sortObjectsByRecency(objects)

	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}

	runs, fetchErr := s.fetchRuns(ctx, objects)
	if fetchErr != nil {
		return nil, fetchErr
	}

	sortRunsByRecency(runs)

	return runs, nil
}

// AggregateResults concatenates samples from the most recent run objects,
// optionally filtered by job ID.
func (s *Store) AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*storage.AggregateResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	objects, listErr := s.listObjects(ctx, s.runsPrefix(projectID), fmt.Sprintf("list runs for %q", projectID))
	if listErr != nil {
		return nil, listErr
	}

	sortObjectsByRecency(objects)

	if len(objects) > maxAggregateRuns {
		objects = objects[:maxAggregateRuns]
	}

	runs, fetchErr := s.fetchRuns(ctx, objects)
	if fetchErr != nil {
		return nil, fetchErr
	}

	return storage.BuildAggregate(runs, jobIDs, s.now().UTC()), nil
}

// RegisterJob creates or resets the job record.
func (s *Store) RegisterJob(ctx context.Context, projectID, jobID string, info map[string]any) error {
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

	data, encodeErr := s.encode(&record)
	if encodeErr != nil {
		return encodeErr
	}

	return s.putObject(ctx, s.jobKey(projectID, jobID), data, fmt.Sprintf("register job %q", jobID))
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

	data, encodeErr := s.encode(record)
	if encodeErr != nil {
		return encodeErr
	}

	return s.putObject(ctx, s.jobKey(projectID, jobID), data, fmt.Sprintf("update job %q", jobID))
}

// GetJobInfo loads one job record.
func (s *Store) GetJobInfo(ctx context.Context, projectID, jobID string) (*storage.JobRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := checkKeys(projectID, jobID); err != nil {
		return nil, err
	}

	data, getErr := s.getObject(ctx, s.jobKey(projectID, jobID), fmt.Sprintf("load job %q", jobID))
	if errors.Is(getErr, errNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrJobNotFound, projectID, jobID)
	}

	if getErr != nil {
		return nil, getErr
	}

	record := &storage.JobRecord{}

	decodeErr := s.decode(data, record)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode job %q: %w", storage.ErrTransient, jobID, decodeErr)
	}

	return record, nil
}

// WaitForJobs polls the job subtree until every job is terminal or the
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

// Cleanup deletes run and job objects older than the policy allows. The
// history object is never touched. Whole-object PUTs leave no partial
// artifacts, so TempFilesRemoved is always zero.
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

	return result, nil
}

// HealthStatus probes the bucket with a HEAD request.
func (s *Store) HealthStatus(ctx context.Context) storage.HealthStatus {
	details := map[string]any{
		"bucket":      s.bucket,
		"initialized": s.initialized,
	}

	if s.prefix != "" {
		details["prefix"] = s.prefix
	}

	if s.region != "" {
		details["region"] = s.region
	}

	if s.endpoint != "" {
		details["endpoint"] = s.endpoint
	}

	status := storage.HealthStatus{
		Type:    config.AdapterS3,
		Status:  storage.HealthHealthy,
		Details: details,
	}

	if s.client == nil {
		status.Status = storage.HealthUnhealthy
		status.Error = storage.ErrNotInitialized.Error()

		return status
	}

	if probeErr := s.probeBucket(ctx); probeErr != nil {
		status.Status = storage.HealthError
		status.Error = probeErr.Error()
	}

	return status
}

func (s *Store) probeBucket(ctx context.Context) error {
	_, headErr := callS3(ctx, s, fmt.Sprintf("probe bucket %q", s.bucket), func(ctx context.Context) (*s3.HeadBucketOutput, error) {
		return s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	})

	if errors.Is(headErr, errNotFound) {
		return fmt.Errorf("%w: bucket %q not found", storage.ErrPermanent, s.bucket)
	}

	return headErr
}

func (s *Store) ready() error {
	if !s.initialized {
		return storage.ErrNotInitialized
	}

	return nil
}

func (s *Store) objectKey(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) historyKey(projectID string) string {
	return s.objectKey(projectID, historyObjectName)
}

func (s *Store) runKey(projectID, runID string) string {
	return s.objectKey(projectID, runsKeyPrefix, runID+jsonExtension)
}

func (s *Store) jobKey(projectID, jobID string) string {
	return s.objectKey(projectID, jobsKeyPrefix, jobID+jsonExtension)
}

func (s *Store) runsPrefix(projectID string) string {
	return s.objectKey(projectID, runsKeyPrefix) + "/"
}

func (s *Store) jobsPrefix(projectID string) string {
	return s.objectKey(projectID, jobsKeyPrefix) + "/"
}

// verifyHistorySize re-reads the history object's metadata after a PUT. A
// size mismatch means a concurrent writer replaced the object between the
// write and the check.
func (s *Store) verifyHistorySize(ctx context.Context, key string, want int64, projectID string) error {
	head, headErr := callS3(ctx, s, fmt.Sprintf("verify history for %q", projectID), func(ctx context.Context) (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})

	if errors.Is(headErr, errNotFound) {
		return fmt.Errorf("%w: history for %q disappeared after write", storage.ErrConflict, projectID)
	}

	if headErr != nil {
		return headErr
	}

	if got := aws.ToInt64(head.ContentLength); got != want {
		return fmt.Errorf("%w: history for %q is %d bytes, wrote %d", storage.ErrConflict, projectID, got, want)
	}

	return nil
}

// objectInfo is one listing entry: enough to order, size, and expire
// objects without fetching them.
type objectInfo struct {
	key          string
	size         int64
	lastModified time.Time
}

// listObjects walks the paginated listing under prefix.
func (s *Store) listObjects(ctx context.Context, prefix, op string) ([]objectInfo, error) {
	var objects []objectInfo

	var token *string

	for {
		out, listErr := callS3(ctx, s, op, func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
		})
		if listErr != nil {
			return nil, listErr
		}

		for _, obj := range out.Contents {
			objects = append(objects, objectInfo{
				key:          aws.ToString(obj.Key),
				size:         aws.ToInt64(obj.Size),
				lastModified: aws.ToTime(obj.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return objects, nil
		}

		token = out.NextContinuationToken
	}
}

// fetchRuns retrieves and decodes the listed run objects with bounded
// concurrency. Undecodable objects are skipped: a torn foreign write must
// not poison the archive. Objects deleted between list and fetch are
// skipped too.
func (s *Store) fetchRuns(ctx context.Context, objects []objectInfo) ([]telemetry.RunDocument, error) {
	fetched := make([]*telemetry.RunDocument, len(objects))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(fetchConcurrency)

	for i, obj := range objects {
		grp.Go(func() error {
			data, getErr := s.getObject(grpCtx, obj.key, fmt.Sprintf("fetch run %q", obj.key))
			if errors.Is(getErr, errNotFound) {
				return nil
			}

			if getErr != nil {
				return getErr
			}

			doc := &telemetry.RunDocument{}
			if decodeErr := s.decode(data, doc); decodeErr != nil {
				return nil
			}

			fetched[i] = doc

			return nil
		})
	}

	if waitErr := grp.Wait(); waitErr != nil {
		return nil, waitErr
	}

	runs := make([]telemetry.RunDocument, 0, len(fetched))

	for _, doc := range fetched {
		if doc != nil {
			runs = append(runs, *doc)
		}
	}

	return runs, nil
}

func (s *Store) cleanupRuns(ctx context.Context, projectID string, policy config.RetentionPolicy, now time.Time, dryRun bool, result *storage.CleanupResult) error {
	if policy.MaxRunAge <= 0 {
		return nil
	}

	objects, listErr := s.listObjects(ctx, s.runsPrefix(projectID), fmt.Sprintf("list runs for %q", projectID))
	if listErr != nil {
		return listErr
	}

	cutoff := now.Add(-policy.MaxRunAge)

	for _, obj := range objects {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("cleanup interrupted: %w", ctxErr)
		}

		if !strings.HasSuffix(obj.key, jsonExtension) || !obj.lastModified.Before(cutoff) {
			continue
		}

		removed, removeErr := s.deleteCounted(ctx, obj, dryRun)
		if removeErr != nil {
			return removeErr
		}

		result.RunsRemoved++
		result.BytesReclaimed += removed
	}

	return nil
}

func (s *Store) cleanupJobs(ctx context.Context, projectID string, policy config.RetentionPolicy, now time.Time, dryRun bool, result *storage.CleanupResult) error {
	if policy.MaxJobAge <= 0 && policy.MaxCompletedJobAge <= 0 {
		return nil
	}

	objects, listErr := s.listObjects(ctx, s.jobsPrefix(projectID), fmt.Sprintf("list jobs for %q", projectID))
	if listErr != nil {
		return listErr
	}

	for _, obj := range objects {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("cleanup interrupted: %w", ctxErr)
		}

		if !strings.HasSuffix(obj.key, jsonExtension) {
			continue
		}

		if !s.jobExpired(ctx, obj, policy, now) {
			continue
		}

		removed, removeErr := s.deleteCounted(ctx, obj, dryRun)
		if removeErr != nil {
			return removeErr
		}

		result.JobsRemoved++
		result.BytesReclaimed += removed
	}

	return nil
}

// jobExpired applies the two retention classes: terminal jobs age out
// faster than live ones. The record is only fetched when the shorter class
// could apply; a record that cannot be read is kept until the broader
// class catches it.
func (s *Store) jobExpired(ctx context.Context, obj objectInfo, policy config.RetentionPolicy, now time.Time) bool {
	if policy.MaxJobAge > 0 && obj.lastModified.Before(now.Add(-policy.MaxJobAge)) {
		return true
	}

	if policy.MaxCompletedJobAge <= 0 || !obj.lastModified.Before(now.Add(-policy.MaxCompletedJobAge)) {
		return false
	}

	data, getErr := s.getObject(ctx, obj.key, fmt.Sprintf("inspect job %q", obj.key))
	if getErr != nil {
		return false
	}

	record := &storage.JobRecord{}
	if decodeErr := s.decode(data, record); decodeErr != nil {
		return false
	}

	if !record.Status.Terminal() {
		return false
	}

	age := record.UpdatedAt
	if age.IsZero() {
		age = obj.lastModified
	}

	return age.Before(now.Add(-policy.MaxCompletedJobAge))
}

func (s *Store) deleteCounted(ctx context.Context, obj objectInfo, dryRun bool) (int64, error) {
	if dryRun {
		return obj.size, nil
	}

	_, delErr := callS3(ctx, s, fmt.Sprintf("delete %q", obj.key), func(ctx context.Context) (*s3.DeleteObjectOutput, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(obj.key),
		})
	})

	if errors.Is(delErr, errNotFound) {
		return 0, nil
	}

	if delErr != nil {
		return 0, delErr
	}

	return obj.size, nil
}

func (s *Store) getObject(ctx context.Context, key, op string) ([]byte, error) {
	out, getErr := callS3(ctx, s, op, func(ctx context.Context) (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if getErr != nil {
		return nil, getErr
	}

	defer out.Body.Close()

	data, readErr := io.ReadAll(out.Body)
	if readErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrTransient, op, readErr)
	}

	return data, nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, op string) error {
	// The body reader is rebuilt per attempt so retries replay the full
	// payload.
	_, putErr := callS3(ctx, s, op, func(ctx context.Context) (*s3.PutObjectOutput, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentTypeJSON),
		})
	})

	return putErr
}

func (s *Store) encode(state any) ([]byte, error) {
	var buf bytes.Buffer

	encodeErr := s.codec.Encode(&buf, state)
	if encodeErr != nil {
		return nil, fmt.Errorf("%w: encode object: %w", storage.ErrInvalidArgument, encodeErr)
	}

	return buf.Bytes(), nil
}

func (s *Store) decode(data []byte, state any) error {
	return s.codec.Decode(bytes.NewReader(data), state)
}

// callS3 runs one S3 call under the retry policy: transient and timeout
// failures retry with exponential backoff, anything else aborts the loop.
func callS3[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	policy.MaxElapsedTime = 0

	attempt := func() error {
		result, callErr := fn(ctx)
		if callErr != nil {
			classified := classify(callErr, op)
			if errors.Is(classified, storage.ErrTransient) || errors.Is(classified, storage.ErrTimeout) {
				return classified
			}

			return backoff.Permanent(classified)
		}

		out = result

		return nil
	}

	retryErr := backoff.Retry(attempt, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), maxAttempts-1))
	if retryErr == nil {
		return out, nil
	}

	// A context expiring during a retry sleep escapes the classifier.
	switch {
	case errors.Is(retryErr, storage.ErrTransient),
		errors.Is(retryErr, storage.ErrTimeout),
		errors.Is(retryErr, storage.ErrPermanent),
		errors.Is(retryErr, errNotFound):
		return out, retryErr
	case errors.Is(retryErr, context.DeadlineExceeded):
		return out, fmt.Errorf("%w: %s: %w", storage.ErrTimeout, op, retryErr)
	default:
		return out, fmt.Errorf("%s: %w", op, retryErr)
	}
}

// classify maps an S3 failure onto the storage taxonomy. Missing objects
// surface as errNotFound for the caller to translate; credential and
// bucket failures are permanent; deadline expiry is a timeout; everything
// else is worth retrying.
func classify(err error, op string) error {
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %s: %w", storage.ErrPermanent, op, err)
	}

	var noKey *types.NoSuchKey

	var missing *types.NotFound

	if errors.As(err, &noKey) || errors.As(err, &missing) {
		return fmt.Errorf("%w: %s: %w", errNotFound, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", storage.ErrTimeout, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s: %w", storage.ErrPermanent, op, err)
	}

	return fmt.Errorf("%w: %s: %w", storage.ErrTransient, op, err)
}

func sortObjectsByRecency(objects []objectInfo) {
	sort.Slice(objects, func(i, j int) bool {
		if !objects[i].lastModified.Equal(objects[j].lastModified) {
			return objects[i].lastModified.After(objects[j].lastModified)
		}

		return objects[i].key > objects[j].key
	})
}

func sortRunsByRecency(runs []telemetry.RunDocument) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Timestamp.Equal(runs[j].Timestamp) {
			return runs[i].Timestamp.After(runs[j].Timestamp)
		}

		return runs[i].RunID > runs[j].RunID
	})
}

func checkKeys(projectID, jobID string) error {
	if err := storage.ValidateKey("project id", projectID); err != nil {
		return err
	}

	return storage.ValidateKey("job id", jobID)
}
