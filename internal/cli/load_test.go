package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Text(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ki.db")
	out, err := execute(t, "load", schemaPath, filepath.Join("testdata", "people.yaml"), "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "✓ Loaded 6 entities and 2 links from 1 file(s) into sqlite\n", out)
}

func TestLoad_JSON(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ki.db")
	out, err := execute(t, "--format", "json", "load", schemaPath,
		filepath.Join("testdata", "people.yaml"), filepath.Join("testdata", "more.yaml"), "--db", db)
	require.NoError(t, err)

	var resp struct {
		Data LoadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "sqlite", resp.Data.Store)
	assert.Equal(t, 2, resp.Data.Files)
	assert.Equal(t, 7, resp.Data.Total.Entities)
	assert.Equal(t, 2, resp.Data.Total.Links)
}

func TestLoad_BadDatasetWritesNothing(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ki.db")
	out, err := execute(t, "load", schemaPath,
		filepath.Join("testdata", "people.yaml"), filepath.Join("testdata", "bad.yaml"), "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_DATASET]")
	assert.Contains(t, out, `unknown entity type "Robot"`)

	out, err = execute(t, "query", schemaPath, "--type", "Person", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "(0 Person)\n", out)
}

func TestLoad_Args(t *testing.T) {
	_, err := execute(t, "load", schemaPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 2 arg")
}
