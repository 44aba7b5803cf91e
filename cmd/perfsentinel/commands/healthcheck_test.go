package commands_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/cmd/perfsentinel/commands"
)

func TestHealthCheckCommand_Healthy(t *testing.T) {
	t.Parallel()

	historyFile := filepath.Join(t.TempDir(), "state", "history.json")

	out, err := runCommand(t, commands.NewHealthCheckCommand(),
		"--history-file", historyFile,
		"--project-id", testProjectID)
	require.NoError(t, err)
	assert.Contains(t, out, "Storage (filesystem): healthy")
	assert.Contains(t, out, "initialized: true")
}

func TestHealthCheckCommand_UnreachableBackend(t *testing.T) {
	t.Parallel()

	// A regular file where a directory is needed makes Initialize fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	out, err := runCommand(t, commands.NewHealthCheckCommand(),
		"--history-file", filepath.Join(blocker, "nested", "history.json"),
		"--project-id", testProjectID)
	require.ErrorIs(t, err, commands.ErrHealthCheckFailed)
	assert.Contains(t, out, "Storage (filesystem): unreachable")
}

func TestHealthCheckCommand_RejectsAmbiguousSources(t *testing.T) {
	t.Parallel()

	_, err := runCommand(t, commands.NewHealthCheckCommand(),
		"--db-connection", "mongodb://localhost:27017",
		"--bucket-name", "perf-artifacts")
	require.ErrorIs(t, err, commands.ErrAmbiguousStorageSource)
}
