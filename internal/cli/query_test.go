package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/schema"
)

func TestQuery_Text(t *testing.T) {
	db := seededDB(t)

	out, err := execute(t, "query", schemaPath, "--db", db,
		"--type", "Person", "--where", "age >= 20", "--order", "age desc", "--size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, `"p3" age=45 city="Rome" name="Cid"`+"\n")
	assert.Contains(t, out, `employer=["c1"]`)
	assert.Contains(t, out, `friends=["p2"]`)
	assert.Contains(t, out, "(2 Person, more)\n")
	assert.NotContains(t, out, `"p4"`)
}

func TestQuery_JSON(t *testing.T) {
	db := seededDB(t)

	out, err := execute(t, "--format", "json", "query", schemaPath, "--db", db,
		"--type", "Person", "--where", "city in [Oslo, Lima]", "--order", "name", "--offset", "1", "--size", "5")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   QueryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Offset)
	assert.False(t, resp.Data.More)
	require.Len(t, resp.Data.Rows, 1)
	row := resp.Data.Rows[0]
	assert.Equal(t, "Person", row.Type)
	assert.Equal(t, "p4", row.ID)
	assert.Equal(t, "Eve", row.Values["name"])
	assert.Equal(t, "Lima", row.Values["city"])
}

func TestQuery_Errors(t *testing.T) {
	db := seededDB(t)
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown type", []string{"--type", "Robot"}, "unknown entity type"},
		{"bad where", []string{"--type", "Person", "--where", "age ~ 3"}, "unknown operator"},
		{"unknown property", []string{"--type", "Person", "--where", "height > 3"}, "height"},
		{"bad order", []string{"--type", "Person", "--order", "age sideways"}, "invalid direction"},
		{"negative size", []string{"--type", "Person", "--size", "-1"}, "negative paging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"query", schemaPath, "--db", db}, tt.args...)
			out, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error [E_QUERY]")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQuery_MissingType(t *testing.T) {
	_, err := execute(t, "query", schemaPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "type" not set`)
}

func TestQueryFlags_Build(t *testing.T) {
	types, err := schema.Load(schemaPath)
	require.NoError(t, err)

	q, err := QueryFlags{Type: "Person", Where: []string{"age >= 20", "city is null"}, Order: "name desc", Offset: 2, Size: 3}.build(types)
	require.NoError(t, err)
	assert.Equal(t, "Person", q.Meta.Name())
	assert.Equal(t, "name desc", q.Ordering.String())
	assert.Equal(t, 2, q.Paging.Offset)
	assert.Equal(t, 3, q.Paging.Size)
	assert.Empty(t, q.Stores)
}
