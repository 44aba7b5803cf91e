package commands_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/cmd/perfsentinel/commands"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// saveRun archives one run whose samples all belong to jobID.
func saveRun(t *testing.T, service *storage.Service, runID, jobID string, samples []telemetry.StepSample) {
	t.Helper()

	for i := range samples {
		samples[i].Context = &telemetry.StepContext{Suite: "checkout", JobID: jobID}
	}

	_, err := service.SavePerformanceRun(context.Background(), testProjectID, samples, map[string]any{
		"runId": runID,
	})
	require.NoError(t, err)
}

func finishJob(t *testing.T, service *storage.Service, jobID string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, service.RegisterJob(ctx, testProjectID, jobID, nil))
	require.NoError(t, service.UpdateJobStatus(ctx, testProjectID, jobID, storage.StatusCompleted, nil))
}

func TestAggregateCommand_MaterializesAcrossJobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	historyFile := filepath.Join(dir, "state", "history.json")
	outFile := filepath.Join(dir, "aggregate.json")

	service := openTestService(t, historyFile)

	saveRun(t, service, "run-a", "job-a", []telemetry.StepSample{
		{StepText: "user logs in", Duration: 100},
		{StepText: "user pays", Duration: 340},
	})
	saveRun(t, service, "run-b", "job-b", []telemetry.StepSample{
		{StepText: "user logs in", Duration: 104},
		{StepText: "user pays", Duration: 348},
	})
	finishJob(t, service, "job-a")
	finishJob(t, service, "job-b")

	out, err := runCommand(t, commands.NewAggregateCommand(),
		"--job-ids", "job-a,job-b",
		"--wait-for-jobs",
		"--timeout", "5",
		"--poll-interval", "1",
		"--history-file", historyFile,
		"--project-id", testProjectID,
		"--output-file", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregated 4 samples (2 runs, 2 jobs)")
	assert.NotContains(t, out, "timed out")

	// The materialized aggregate is itself a valid run file.
	samples, loadErr := telemetry.LoadRunFile(outFile)
	require.NoError(t, loadErr)
	assert.Len(t, samples, 4)
}

func TestAggregateCommand_FiltersByJobID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	historyFile := filepath.Join(dir, "state", "history.json")

	service := openTestService(t, historyFile)

	saveRun(t, service, "run-a", "job-a", []telemetry.StepSample{
		{StepText: "user logs in", Duration: 100},
	})
	saveRun(t, service, "run-b", "job-b", []telemetry.StepSample{
		{StepText: "user pays", Duration: 340},
	})

	out, err := runCommand(t, commands.NewAggregateCommand(),
		"--job-ids", "job-a",
		"--history-file", historyFile,
		"--project-id", testProjectID)
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregated 1 samples (1 runs, 1 jobs)")
}

func TestAggregateCommand_AnalyzeCommitsHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	historyFile := filepath.Join(dir, "state", "history.json")
	ctx := context.Background()

	service := openTestService(t, historyFile)
	require.NoError(t, service.SeedHistory(ctx, testProjectID, map[string][]float64{
		"user logs in": stableBaseline(),
	}))

	saveRun(t, service, "run-a", "job-a", []telemetry.StepSample{
		{StepText: "user logs in", Duration: 400},
	})

	out, err := runCommand(t, commands.NewAggregateCommand(),
		"--job-ids", "job-a",
		"--analyze",
		"--history-file", historyFile,
		"--project-id", testProjectID)
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregated 1 samples (1 runs, 1 jobs)")
	assert.Contains(t, out, "Regressions (1)")

	history, histErr := service.GetHistory(ctx, testProjectID)
	require.NoError(t, histErr)

	entry := history.Step("user logs in")
	require.NotNil(t, entry)
	assert.Equal(t, len(stableBaseline())+1, entry.SampleCount())
}

func TestAggregateCommand_EmptyJobIDsAggregatesEverything(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	historyFile := filepath.Join(dir, "state", "history.json")

	service := openTestService(t, historyFile)

	saveRun(t, service, "run-a", "job-a", []telemetry.StepSample{
		{StepText: "user logs in", Duration: 100},
	})
	saveRun(t, service, "run-b", "job-b", []telemetry.StepSample{
		{StepText: "user pays", Duration: 340},
	})

	out, err := runCommand(t, commands.NewAggregateCommand(),
		"--history-file", historyFile,
		"--project-id", testProjectID)
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregated 2 samples (2 runs, 2 jobs)")
}

func TestAggregateCommand_RequiresStorageSource(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, commands.NewAggregateCommand(), "--job-ids", "job-a")
	require.ErrorIs(t, err, commands.ErrNoStorageSource)
}
