package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_AppliesDataset(t *testing.T) {
	db := seededDB(t)

	out, err := execute(t, "watch", schemaPath, "--db", db,
		"--type", "Person", "--where", "age >= 20", "--order", "age desc", "--size", "2",
		"--count", "--apply", filepath.Join("testdata", "more.yaml"), "--settle", "300ms")
	require.NoError(t, err)

	assert.Contains(t, out, "created: 0 reloaded\n")
	assert.Contains(t, out, "created: 1 reloaded\n")
	assert.Contains(t, out, `changed: 0 added [0:"p5"]`+"\n")
	assert.Contains(t, out, `changed: 0 removed [1:"p1"]`+"\n")
	assert.Contains(t, out, "changed: 1 stale\n")
	assert.Contains(t, out, `page: ["p5" "p3"] more`+"\n")
	assert.Contains(t, out, "1 count = 4\n")
}

func TestWatch_JSON(t *testing.T) {
	db := seededDB(t)

	out, err := execute(t, "--format", "json", "watch", schemaPath, "--db", db,
		"--type", "Person", "--where", "city is not null", "--order", "name", "--sum", "age", "--settle", "50ms")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   WatchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Data.Interest)
	require.Len(t, resp.Data.Notifications, 1)
	assert.Equal(t, WatchNotification{Kind: "created", Changes: []string{"0 reloaded", "1 reloaded"}}, resp.Data.Notifications[0])
	ids := make([]any, len(resp.Data.Page))
	for i, r := range resp.Data.Page {
		ids[i] = r.ID
	}
	assert.Equal(t, []any{"p1", "p3", "p4"}, ids)
	assert.False(t, resp.Data.More)
	assert.Equal(t, map[string]string{"1 sum(age)": "107"}, resp.Data.Results)
}

func TestWatch_BadApply(t *testing.T) {
	out, err := execute(t, "watch", schemaPath, "--db", filepath.Join(t.TempDir(), "ki.db"),
		"--type", "Person", "--apply", filepath.Join("testdata", "bad.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_DATASET]")
}
