package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioDir copies the schema and by_name scenario into a temp dir.
func scenarioDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))

	cue, err := os.ReadFile(schemaPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "people.cue"), cue, 0644))

	src, err := os.ReadFile(filepath.Join("testdata", "scenarios", "by_name.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "by_name.yaml"), src, 0644))
	return dir
}

const failing = `name: wrong_page
description: Expects a page the ordering cannot produce
schema: ../people.cue
data:
  Person:
    - {id: p1, name: Ann}
    - {id: p2, name: Bob}
interest: {type: Person, order: name asc}
steps:
  - order: name desc
    expect:
      page: [p1, p2]
      changes: ["0 reloaded"]
`

func TestTestCommand_Golden(t *testing.T) {
	out, err := execute(t, "test", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ by_name\n")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Update(t *testing.T) {
	dir := scenarioDir(t)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ by_name (golden updated)")

	got, err := os.ReadFile(filepath.Join(dir, "golden", "by_name.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("testdata", "scenarios", "golden", "by_name.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	_, err = execute(t, "test", dir)
	assert.NoError(t, err)
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	dir := scenarioDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "by_name.golden"), []byte("scenario: by_name\n"), 0644))

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ by_name")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_Failure(t *testing.T) {
	dir := scenarioDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_page.yaml"), []byte(failing), 0644))

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 2)
	bad := resp.Data.Scenarios[1]
	assert.Equal(t, "wrong_page", bad.Name)
	assert.False(t, bad.Pass)
	require.NotEmpty(t, bad.Errors)
	assert.Contains(t, bad.Errors[0], `page = ["p2" "p1"], want ["p1" "p2"]`)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := scenarioDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_page.yaml"), []byte(failing), 0644))

	out, err := execute(t, "test", dir, "--filter", "by_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	out, err = execute(t, "test", dir, "--filter", "none*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	_, err = execute(t, "test", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := scenarioDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nsteps: []\n"), 0644))

	out, err := execute(t, "test", dir, "--filter", "broken")
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}
