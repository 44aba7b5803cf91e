// Package docstore is the document-database adapter, speaking to MongoDB
// or any wire-compatible service. Each concern maps to one collection:
//
//	performance_history  one document per project, replaced wholesale
//	performance_runs     append-only run archive
//	performance_jobs     one document per coordination job
//
// Filter and sort fields are first-class BSON so the server pages and
// expires documents without touching payloads; the payloads themselves
// are the same canonical JSON the file and object adapters persist. A
// document replacement is atomic on the server, so this adapter needs
// neither temp files nor post-write verification, and retries ride the
// driver's own retryable reads and writes instead of a second loop here.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/persist"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names inside the configured database.
const (
	historyCollection = "performance_history"
	runsCollection    = "performance_runs"
	jobsCollection    = "performance_jobs"
)

const (
	// defaultDatabase is used when the configuration names none.
	defaultDatabase = "perfsentinel"

	connectTimeout         = 3 * time.Second
	serverSelectionTimeout = 3 * time.Second
	socketTimeout          = 5 * time.Second

	// maxAggregateRuns caps how many of the most recent archived runs one
	// aggregation pass will load.
	maxAggregateRuns = 1000
)

// permanentCodes lists server error codes no retry can clear:
// 13 Unauthorized, 18 AuthenticationFailed.
var permanentCodes = map[int32]bool{
	13: true,
	18: true,
}

// Session is the slice of the driver client this adapter uses after
// connecting: a liveness probe and shutdown.
type Session interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
}

// Collection is the slice of the driver collection API this adapter uses.
// The driver ships no mock; tests implement this in memory and hand results
// back through mongo.NewSingleResultFromDocument and
// mongo.NewCursorFromDocuments.
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
}

var (
	_ Session    = (*mongo.Client)(nil)
	_ Collection = (*mongo.Collection)(nil)
)

// historyRecord is one project's baseline document. Step texts are free
// sentences and cannot serve as BSON field names, so the document rides as
// its canonical JSON payload, byte-compatible with the other adapters.
type historyRecord struct {
	ProjectID   string    `bson:"projectId"`
	Payload     string    `bson:"payload"`
	LastUpdated time.Time `bson:"lastUpdated"`
}

// runRecord is one archived run. The filter and sort fields are first-class
// so the server pages newest-first without decoding payloads.
type runRecord struct {
	ProjectID string    `bson:"projectId"`
	RunID     string    `bson:"runId"`
	Timestamp time.Time `bson:"timestamp"`
	Payload   string    `bson:"payload"`
}

// jobRecord is one coordination job. Status and age are first-class so
// retention filters run server-side.
type jobRecord struct {
	ProjectID    string    `bson:"projectId"`
	JobID        string    `bson:"jobId"`
	Status       string    `bson:"status"`
	RegisteredAt time.Time `bson:"registeredAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
	Payload      string    `bson:"payload"`
}

// Store implements storage.Adapter on one MongoDB-compatible database.
type Store struct {
	connection string
	database   string

	dial    func(ctx context.Context) error
	indexes func(ctx context.Context) error

	session Session
	history Collection
	runs    Collection
	jobs    Collection

	codec persist.Codec

	indexWarning string
	initialized  bool
	now          func() time.Time
}

func init() {
	storage.Register(config.AdapterDatabase, func(opts config.StorageOptions) (storage.Adapter, error) {
		return New(opts), nil
	})
}

// New builds an unopened document-store adapter from the resolved options.
// Nothing touches the network until Initialize.
func New(opts config.StorageOptions) *Store {
	database := opts.DatabaseName
	if database == "" {
		database = defaultDatabase
	}

	store := &Store{
		connection: opts.Connection,
		database:   database,
		codec:      persist.NewJSONCodec(),
		now:        time.Now,
	}
	store.dial = store.dialDriver

	return store
}

// dialDriver connects the official driver and resolves the collections. A
// rejected connection string is permanent; the first network round trip
// happens in the Initialize ping, not here.
func (s *Store) dialDriver(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(s.connection).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetSocketTimeout(socketTimeout)

	client, connectErr := mongo.Connect(ctx, clientOpts)
	if connectErr != nil {
		return fmt.Errorf("%w: connect document store: %w", storage.ErrPermanent, connectErr)
	}

	db := client.Database(s.database)

	s.session = client
	s.history = db.Collection(historyCollection)
	s.runs = db.Collection(runsCollection)
	s.jobs = db.Collection(jobsCollection)
	s.indexes = func(ctx context.Context) error {
		return ensureIndexes(ctx, db)
	}

	return nil
}

// ensureIndexes creates the query indexes: history and jobs look up by
// identity, runs page newest-first per project.
func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	targets := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{historyCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "projectId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{runsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "timestamp", Value: -1}},
		}},
		{jobsCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "jobId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}

	for _, target := range targets {
		_, createErr := db.Collection(target.collection).Indexes().CreateOne(ctx, target.model)
		if createErr != nil {
			return fmt.Errorf("create index on %s: %w", target.collection, createErr)
		}
	}

	return nil
}

// Initialize connects, pings the server, and attempts index creation.
// Index creation needs privileges shared clusters often withhold; its
// failure only degrades the health report, it never blocks startup.
func (s *Store) Initialize(ctx context.Context) error {
	if s.connection == "" {
		return fmt.Errorf("%w: connection string is required", storage.ErrInvalidArgument)
	}

	if s.session == nil {
		if dialErr := s.dial(ctx); dialErr != nil {
			return dialErr
		}
	}

	if probeErr := s.probe(ctx); probeErr != nil {
		return probeErr
	}

	if s.indexes != nil {
		if indexErr := s.indexes(ctx); indexErr != nil {
			s.indexWarning = indexErr.Error()
		}
	}

	s.initialized = true

	return nil
}

// Close disconnects the driver. The adapter is unusable afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.initialized = false

	if s.session == nil {
		return nil
	}

	if disconnectErr := s.session.Disconnect(ctx); disconnectErr != nil {
		return fmt.Errorf("disconnect document store: %w", disconnectErr)
	}

	return nil
}

// Type identifies the adapter.
func (s *Store) Type() config.AdapterType {
	return config.AdapterDatabase
}

// GetHistory loads the project baseline; a missing document yields an
// empty one.
func (s *Store) GetHistory(ctx context.Context, projectID string) (*baseline.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	var record historyRecord

	findErr := s.history.FindOne(ctx, byProject(projectID)).Decode(&record)
	if errors.Is(findErr, mongo.ErrNoDocuments) {
		return baseline.NewDocument(), nil
	}

	if findErr != nil {
		return nil, classify(findErr, fmt.Sprintf("load history for %q", projectID))
	}

	doc := baseline.NewDocument()

	decodeErr := s.decode(record.Payload, doc)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode history for %q: %w", storage.ErrTransient, projectID, decodeErr)
	}

	return doc, nil
}

// SaveHistory replaces the project baseline with an upsert. The replacement
// is a single-document operation the server serializes, so concurrent
// writers cannot interleave partial states; the last completed write wins.
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

	payload, encodeErr := s.encode(doc)
	if encodeErr != nil {
		return encodeErr
	}

	record := historyRecord{
		ProjectID:   projectID,
		Payload:     payload,
		LastUpdated: s.now().UTC(),
	}

	_, replaceErr := s.history.ReplaceOne(ctx, byProject(projectID), record, options.Replace().SetUpsert(true))
	if replaceErr != nil {
		return classify(replaceErr, fmt.Sprintf("save history for %q", projectID))
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
// run ID and returns that ID. Re-archiving under the same ID replaces the
// earlier document.
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

	payload, encodeErr := s.encode(&doc)
	if encodeErr != nil {
		return "", encodeErr
	}

	record := runRecord{
		ProjectID: projectID,
		RunID:     runID,
		Timestamp: doc.Timestamp,
		Payload:   payload,
	}

	_, putErr := s.runs.ReplaceOne(ctx, byRun(projectID, runID), record, options.Replace().SetUpsert(true))
	if putErr != nil {
		return "", classify(putErr, fmt.Sprintf("archive run %q", runID))
	}

	return runID, nil
}

// GetPerformanceRuns returns archived runs, most recent first. The sort and
// the limit run server-side on the (projectId, timestamp) index.
func (s *Store) GetPerformanceRuns(ctx context.Context, projectID string, limit int) ([]telemetry.RunDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	findOpts := options.Find().SetSort(sortNewestFirst())
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, findErr := s.runs.Find(ctx, byProject(projectID), findOpts)
	if findErr != nil {
		return nil, classify(findErr, fmt.Sprintf("list runs for %q", projectID))
	}

	return s.decodeRuns(ctx, cursor)
}

// AggregateResults concatenates samples from the most recent archived runs,
// optionally filtered by job ID.
func (s *Store) AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*storage.AggregateResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	findOpts := options.Find().SetSort(sortNewestFirst()).SetLimit(int64(maxAggregateRuns))

	cursor, findErr := s.runs.Find(ctx, byProject(projectID), findOpts)
	if findErr != nil {
		return nil, classify(findErr, fmt.Sprintf("list runs for %q", projectID))
	}

	runs, decodeErr := s.decodeRuns(ctx, cursor)
	if decodeErr != nil {
		return nil, decodeErr
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

	return s.putJob(ctx, &record, true)
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

	return s.putJob(ctx, record, false)
}

// GetJobInfo loads one job record.
func (s *Store) GetJobInfo(ctx context.Context, projectID, jobID string) (*storage.JobRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := checkKeys(projectID, jobID); err != nil {
		return nil, err
	}

	var stored jobRecord

	findErr := s.jobs.FindOne(ctx, byJob(projectID, jobID)).Decode(&stored)
	if errors.Is(findErr, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrJobNotFound, projectID, jobID)
	}

	if findErr != nil {
		return nil, classify(findErr, fmt.Sprintf("load job %q", jobID))
	}

	record := &storage.JobRecord{}

	decodeErr := s.decode(stored.Payload, record)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode job %q: %w", storage.ErrTransient, jobID, decodeErr)
	}

	return record, nil
}

// WaitForJobs polls the jobs collection until every job is terminal or the
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

// Cleanup deletes expired runs and jobs with server-side filters. The
// history collection is never touched, and a document replace leaves no
// partial artifacts, so TempFilesRemoved is always zero. Document sizes are
// not reported, so BytesReclaimed stays zero too.
func (s *Store) Cleanup(ctx context.Context, projectID string, policy config.RetentionPolicy, dryRun bool) (*storage.CleanupResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if err := storage.ValidateKey("project id", projectID); err != nil {
		return nil, err
	}

	result := &storage.CleanupResult{DryRun: dryRun}
	now := s.now().UTC()

	if policy.MaxRunAge > 0 {
		filter := bson.M{
			"projectId": projectID,
			"timestamp": bson.M{"$lt": now.Add(-policy.MaxRunAge)},
		}

		removed, removeErr := s.purge(ctx, s.runs, filter, dryRun, "expired runs")
		if removeErr != nil {
			return result, removeErr
		}

		result.RunsRemoved = int(removed)
	}

	if filter, apply := expiredJobsFilter(projectID, policy, now); apply {
		removed, removeErr := s.purge(ctx, s.jobs, filter, dryRun, "expired jobs")
		if removeErr != nil {
			return result, removeErr
		}

		result.JobsRemoved = int(removed)
	}

	return result, nil
}

// HealthStatus pings the server. A tolerated index-creation failure from
// Initialize downgrades an otherwise healthy report.
func (s *Store) HealthStatus(ctx context.Context) storage.HealthStatus {
	details := map[string]any{
		"database":    s.database,
		"initialized": s.initialized,
		"collections": []string{historyCollection, runsCollection, jobsCollection},
	}

	status := storage.HealthStatus{
		Type:    config.AdapterDatabase,
		Status:  storage.HealthHealthy,
		Details: details,
	}

	if s.session == nil {
		status.Status = storage.HealthUnhealthy
		status.Error = storage.ErrNotInitialized.Error()

		return status
	}

	if probeErr := s.probe(ctx); probeErr != nil {
		status.Status = storage.HealthError
		status.Error = probeErr.Error()

		return status
	}

	if s.indexWarning != "" {
		status.Status = storage.HealthDegraded
		status.Error = s.indexWarning
	}

	return status
}

func (s *Store) probe(ctx context.Context) error {
	pingErr := s.session.Ping(ctx, readpref.Primary())
	if pingErr != nil {
		return classify(pingErr, "ping document store")
	}

	return nil
}

func (s *Store) ready() error {
	if !s.initialized {
		return storage.ErrNotInitialized
	}

	return nil
}

// putJob writes one job record. Without upsert, a job deleted between the
// caller's read and this write stays deleted and surfaces as not found
// instead of being resurrected.
func (s *Store) putJob(ctx context.Context, record *storage.JobRecord, upsert bool) error {
	payload, encodeErr := s.encode(record)
	if encodeErr != nil {
		return encodeErr
	}

	stored := jobRecord{
		ProjectID:    record.ProjectID,
		JobID:        record.JobID,
		Status:       string(record.Status),
		RegisteredAt: record.RegisteredAt,
		UpdatedAt:    record.UpdatedAt,
		Payload:      payload,
	}

	filter := byJob(record.ProjectID, record.JobID)

	result, replaceErr := s.jobs.ReplaceOne(ctx, filter, stored, options.Replace().SetUpsert(upsert))
	if replaceErr != nil {
		return classify(replaceErr, fmt.Sprintf("save job %q", record.JobID))
	}

	if !upsert && result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", storage.ErrJobNotFound, record.ProjectID, record.JobID)
	}

	return nil
}

// decodeRuns drains the cursor, converting stored records back into run
// documents. Records with torn payloads are skipped: one poisoned write
// must not break the whole archive.
func (s *Store) decodeRuns(ctx context.Context, cursor *mongo.Cursor) ([]telemetry.RunDocument, error) {
	defer cursor.Close(ctx)

	runs := []telemetry.RunDocument{}

	for cursor.Next(ctx) {
		var record runRecord

		if decodeErr := cursor.Decode(&record); decodeErr != nil {
			continue
		}

		doc := telemetry.RunDocument{}
		if decodeErr := s.decode(record.Payload, &doc); decodeErr != nil {
			continue
		}

		runs = append(runs, doc)
	}

	if cursorErr := cursor.Err(); cursorErr != nil {
		return nil, classify(cursorErr, "iterate archived runs")
	}

	return runs, nil
}

// purge deletes every document matching the filter, or only counts them on
// a dry run.
func (s *Store) purge(ctx context.Context, coll Collection, filter bson.M, dryRun bool, op string) (int64, error) {
	if dryRun {
		count, countErr := coll.CountDocuments(ctx, filter)
		if countErr != nil {
			return 0, classify(countErr, "count "+op)
		}

		return count, nil
	}

	deleted, deleteErr := coll.DeleteMany(ctx, filter)
	if deleteErr != nil {
		return 0, classify(deleteErr, "delete "+op)
	}

	return deleted.DeletedCount, nil
}

// expiredJobsFilter combines the two retention classes into one server-side
// filter: any job past the broad age, plus terminal jobs past the shorter
// completed age.
func expiredJobsFilter(projectID string, policy config.RetentionPolicy, now time.Time) (bson.M, bool) {
	classes := make([]bson.M, 0, 2)

	if policy.MaxJobAge > 0 {
		classes = append(classes, bson.M{
			"updatedAt": bson.M{"$lt": now.Add(-policy.MaxJobAge)},
		})
	}

	if policy.MaxCompletedJobAge > 0 {
		classes = append(classes, bson.M{
			"status":    bson.M{"$in": terminalStatuses()},
			"updatedAt": bson.M{"$lt": now.Add(-policy.MaxCompletedJobAge)},
		})
	}

	if len(classes) == 0 {
		return nil, false
	}

	return bson.M{"projectId": projectID, "$or": classes}, true
}

func terminalStatuses() bson.A {
	return bson.A{string(storage.StatusCompleted), string(storage.StatusFailed)}
}

func byProject(projectID string) bson.M {
	return bson.M{"projectId": projectID}
}

func byRun(projectID, runID string) bson.M {
	return bson.M{"projectId": projectID, "runId": runID}
}

func byJob(projectID, jobID string) bson.M {
	return bson.M{"projectId": projectID, "jobId": jobID}
}

func sortNewestFirst() bson.D {
	return bson.D{{Key: "timestamp", Value: -1}, {Key: "runId", Value: -1}}
}

func (s *Store) encode(state any) (string, error) {
	var buf bytes.Buffer

	encodeErr := s.codec.Encode(&buf, state)
	if encodeErr != nil {
		return "", fmt.Errorf("%w: encode document: %w", storage.ErrInvalidArgument, encodeErr)
	}

	return buf.String(), nil
}

func (s *Store) decode(payload string, state any) error {
	return s.codec.Decode(strings.NewReader(payload), state)
}

// classify maps a driver failure onto the storage taxonomy: authorization
// failures are permanent, expired deadlines are timeouts, and everything
// else is worth retrying through the driver or the fallback adapter.
func classify(err error, op string) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && permanentCodes[cmdErr.Code] {
		return fmt.Errorf("%w: %s: %w", storage.ErrPermanent, op, err)
	}

	if mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", storage.ErrTimeout, op, err)
	}

	return fmt.Errorf("%w: %s: %w", storage.ErrTransient, op, err)
}

func checkKeys(projectID, jobID string) error {
	if err := storage.ValidateKey("project id", projectID); err != nil {
		return err
	}

	return storage.ValidateKey("job id", jobID)
}
