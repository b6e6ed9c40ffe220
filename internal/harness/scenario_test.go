package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "adults_by_age.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "adults_by_age", s.Name)
	assert.Equal(t, filepath.Join("testdata", "people.cue"), s.Schema)
	assert.Len(t, s.Data["Person"], 4)
	assert.Equal(t, "Person", s.Interest.Type)
	assert.Equal(t, "age", s.Interest.Where.Property)
	assert.Equal(t, 2, s.Interest.Size)
	require.Len(t, s.Interest.Projections, 2)
	require.NotNil(t, s.Interest.Projections[0].Count)
	assert.Equal(t, "", *s.Interest.Projections[0].Count)
	assert.Equal(t, "age", s.Interest.Projections[1].Sum)

	require.Len(t, s.Steps, 6)
	assert.NotNil(t, s.Steps[0].Create)
	require.NotNil(t, s.Steps[1].Update)
	assert.Equal(t, "p5", s.Steps[1].Update.ID)
	assert.Equal(t, "next", s.Steps[2].Page)
	require.NotNil(t, s.Steps[2].Expect.More)
	assert.False(t, *s.Steps[2].Expect.More)
	assert.Len(t, s.Assertions, 5)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join("testdata", "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	const head = "name: x\ndescription: d\nschema: people.cue\ninterest: {type: Person}\n"
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", head + "steps: [{page: next}]\nassertion: []\n", "failed to parse YAML"},
		{"missing name", "description: d\nschema: people.cue\ninterest: {type: Person}\nsteps: [{page: next}]\n", "name is required"},
		{"missing description", "name: x\nschema: people.cue\ninterest: {type: Person}\nsteps: [{page: next}]\n", "description is required"},
		{"missing schema", "name: x\ndescription: d\ninterest: {type: Person}\nsteps: [{page: next}]\n", "schema is required"},
		{"schema not found", "name: x\ndescription: d\nschema: missing.cue\ninterest: {type: Person}\nsteps: [{page: next}]\n", "schema not found"},
		{"missing type", "name: x\ndescription: d\nschema: people.cue\nsteps: [{page: next}]\n", "interest.type is required"},
		{"no steps", head, "steps list is required"},
		{"two actions", head + "steps: [{page: next, order: name}]\n", "steps[0]: exactly one action"},
		{"no action", head + "steps: [{expect: {page: []}}]\n", "steps[0]: exactly one action"},
		{"bad page", head + "steps: [{page: sideways}]\n", "page must be next or prev"},
		{"incomplete update", head + "steps: [{update: {type: Person, id: p1}}]\n", "steps[0].update"},
		{"incomplete delete", head + "steps: [{delete: {type: Person}}]\n", "steps[0].delete"},
		{"incomplete relate", head + "steps: [{relate: {type: Person, id: p1}}]\n", "relation and targets are required"},
		{"bad projection", "name: x\ndescription: d\nschema: people.cue\ninterest: {type: Person, projections: [{sum: age, bucket: city}]}\nsteps: [{page: next}]\n", "exactly one of count, sum, bucket"},
		{"of without bucket", "name: x\ndescription: d\nschema: people.cue\ninterest: {type: Person, projections: [{sum: age, of: [{count: \"\"}]}]}\nsteps: [{page: next}]\n", "of is only valid for bucket"},
		{"negative size", "name: x\ndescription: d\nschema: people.cue\ninterest: {type: Person, size: -1}\nsteps: [{page: next}]\n", "must not be negative"},
		{"assertion type", head + "steps: [{page: next}]\nassertions: [{type: trace_count}]\n", `unknown assertion type "trace_count"`},
		{"change_contains", head + "steps: [{page: next}]\nassertions: [{type: change_contains}]\n", "change is required"},
		{"change_order", head + "steps: [{page: next}]\nassertions: [{type: change_order}]\n", "changes list is required"},
		{"notification_count", head + "steps: [{page: next}]\nassertions: [{type: notification_count, count: 1}]\n", "kind is required"},
		{"final_state", head + "steps: [{page: next}]\nassertions: [{type: final_state, entity: Person, id: p1}]\n", "expect is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml), "testdata")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
