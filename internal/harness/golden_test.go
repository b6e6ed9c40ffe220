package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/value"
)

func TestRender(t *testing.T) {
	trace := []TraceEvent{
		{
			Step:          0,
			Action:        "open Person",
			Notifications: []NotificationTrace{{Kind: "created", Changes: []string{"0 reloaded", "1 reloaded"}}},
			Page:          []string{`"p1"`, `"p2"`},
			More:          true,
			Results:       []ResultTrace{{Path: "1", Projection: "count", Value: "3"}},
		},
		{Step: 1, Action: `delete Person "p9"`, Error: "ENTITY_NOT_FOUND: entity not found", Page: []string{}},
		{Step: 2, Action: "close", Notifications: []NotificationTrace{{Kind: "deleted"}}},
	}

	want := `scenario: sample
[0] open Person
  created: 0 reloaded
  created: 1 reloaded
  page: ["p1" "p2"] more
  1 count = 3
[1] delete Person "p9"
  error: ENTITY_NOT_FOUND: entity not found
  page: []
[2] close
  deleted
`
	assert.Equal(t, want, string(Render("sample", trace)))
}

func TestRenderResult(t *testing.T) {
	assert.Equal(t, "stale", RenderResult(projection.Reload(projection.Count(""))))
	assert.Equal(t, "42", RenderResult(&projection.CountResult{Count: 42}))
	assert.Equal(t, "2.5", RenderResult(&projection.SumResult{Sum: 2.5}))
	assert.Equal(t, `{"Oslo": 2, 1.5; null: 0, 0}`, RenderResult(&projection.BucketResult{Buckets: []projection.Group{
		{Key: value.String("Oslo"), Results: []projection.Result{&projection.CountResult{Count: 2}, &projection.SumResult{Sum: 1.5}}},
		{Key: value.Null{}, Results: []projection.Result{&projection.CountResult{}, &projection.SumResult{}}},
	}}))
}
