package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/store/memstore"
	"github.com/svd27/ki/internal/testutil"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 0, Action: "open Person", Notifications: []NotificationTrace{{Kind: "created", Changes: []string{"0 reloaded"}}}},
		{Step: 1, Action: "create Person \"p5\"", Notifications: []NotificationTrace{{Kind: "changed", Changes: []string{`0 added [0:"p5"]`, "1 stale"}}}},
		{Step: 2, Action: "next", Notifications: []NotificationTrace{{Kind: "reloaded", Changes: []string{"0 reloaded"}}}},
		{Step: 3, Action: "close", Notifications: []NotificationTrace{{Kind: "deleted"}}},
	}
}

func TestAssertChangeContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertChangeContains(trace, Assertion{Change: "1 stale"}))

	err := assertChangeContains(trace, Assertion{Change: "2 stale"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertChangeContains, ae.Type)
	assert.Equal(t, "not found in trace", ae.Actual)
	assert.Contains(t, err.Error(), "[1] create Person")
}

func TestAssertChangeOrder(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertChangeOrder(trace, Assertion{Changes: []string{"0 reloaded", `0 added [0:"p5"]`, "1 stale"}}))

	err := assertChangeOrder(trace, Assertion{Changes: []string{"1 stale", `0 added [0:"p5"]`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertChangeOrder(trace, Assertion{Changes: []string{"0 reloaded", "9 stale"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing change: "9 stale"`)
}

func TestAssertNotificationCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertNotificationCount(trace, Assertion{Kind: "changed", Count: 1}))
	assert.NoError(t, assertNotificationCount(trace, Assertion{Kind: "deleted", Count: 1}))
	assert.NoError(t, assertNotificationCount(trace, Assertion{Kind: "unknown", Count: 0}))

	err := assertNotificationCount(trace, Assertion{Kind: "reloaded", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 reloaded notifications")
}

func TestAssertFinalState(t *testing.T) {
	u := testutil.NewUniverse()
	ctx := context.Background()
	s := memstore.New("mem")
	require.NoError(t, s.Create(ctx, u.Person, testutil.Entities(u.NewPerson("p1", "Ann", 34, "Oslo"))))

	assert.NoError(t, assertFinalState(ctx, s, u.Registry, Assertion{Entity: "Person", ID: "p1", Expect: map[string]any{"age": 34, "city": "Oslo", "score": nil}}))

	err := assertFinalState(ctx, s, u.Registry, Assertion{Entity: "Person", ID: "p1", Expect: map[string]any{"age": 35}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "age=34 (want 35)", ae.Actual)

	err = assertFinalState(ctx, s, u.Registry, Assertion{Entity: "Person", ID: "p9", Expect: map[string]any{"age": 1}})
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Actual, "read error")

	err = assertFinalState(ctx, s, u.Registry, Assertion{Entity: "Robot", ID: "r1", Expect: map[string]any{"age": 1}})
	assert.ErrorContains(t, err, `unknown entity type "Robot"`)
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertChangeContains, Change: "1 stale"},
		{Type: AssertNotificationCount, Kind: "changed", Count: 2},
		{Type: AssertFinalState, Entity: "Person", ID: "p1", Expect: map[string]any{"age": 1}},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "notification_count")
	assert.Contains(t, errs[1], "final_state requires a store context")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}
