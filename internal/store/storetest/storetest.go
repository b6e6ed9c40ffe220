// Package storetest holds the behaviour suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

// Factory opens an empty store for the fixture universe that publishes to pub.
type Factory func(t *testing.T, u *testutil.Universe, pub store.Publisher) store.Store

// Events is a Publisher that records events in order.
type Events struct {
	mu     sync.Mutex
	events []event.Event
}

// Publish records ev.
func (e *Events) Publish(ev event.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return true
}

// All returns the recorded events.
func (e *Events) All() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.events...)
}

// Kinds returns the kinds of the recorded events.
func (e *Events) Kinds() []event.Kind {
	all := e.All()
	out := make([]event.Kind, len(all))
	for i, ev := range all {
		out[i] = ev.Kind()
	}
	return out
}

// Reset forgets everything recorded so far.
func (e *Events) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

func str(s string) value.Value { return value.String(s) }

type fixture struct {
	u      *testutil.Universe
	s      store.Store
	events *Events
	ctx    context.Context
}

func setup(t *testing.T, open Factory) *fixture {
	t.Helper()
	u := testutil.NewUniverse()
	ev := &Events{}
	return &fixture{u: u, s: open(t, u, ev), events: ev, ctx: context.Background()}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	people := testutil.Entities(
		f.u.NewPerson("p1", "Ann", 34, "Oslo"),
		f.u.NewPerson("p2", "Bob", 19, ""),
		f.u.NewPerson("p3", "Cid", 45, "Rome"),
		f.u.NewPerson("p4", "Dan", -1, "Oslo"),
		f.u.NewPerson("p5", "Eve", 28, "Lima"),
	)
	require.NoError(t, f.s.Create(f.ctx, f.u.Person, people))
	f.events.Reset()
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("CreateAndRetrieve", func(t *testing.T) { testCreateAndRetrieve(t, open) })
	t.Run("CreateIsAtomic", func(t *testing.T) { testCreateIsAtomic(t, open) })
	t.Run("CreateRejectsInvalid", func(t *testing.T) { testCreateRejectsInvalid(t, open) })
	t.Run("Query", func(t *testing.T) { testQuery(t, open) })
	t.Run("QueryNullsAndNegation", func(t *testing.T) { testQueryNulls(t, open) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open) })
	t.Run("Values", func(t *testing.T) { testValues(t, open) })
	t.Run("OptimisticLock", func(t *testing.T) { testOptimisticLock(t, open) })
	t.Run("Relations", func(t *testing.T) { testRelations(t, open) })
	t.Run("DeleteUnlinksRelations", func(t *testing.T) { testDeleteUnlinks(t, open) })
}

func testCreateAndRetrieve(t *testing.T, open Factory) {
	f := setup(t, open)
	ann := f.u.NewPerson("p1", "Ann", 34, "Oslo")
	bob := f.u.Named("p2", "Bob")
	require.NoError(t, f.s.Create(f.ctx, f.u.Person, testutil.Entities(ann, bob)))

	got, err := f.s.Retrieve(f.ctx, f.u.Person, []value.Value{str("p2"), str("p1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, testutil.IDStrings(got))
	assert.Equal(t, []string{"Bob", "Ann"}, testutil.Names(got))
	for _, e := range got {
		assert.Equal(t, int64(1), e.Version())
	}
	r := got[1].(*meta.Record)
	assert.Equal(t, value.Int(34), r.Get("age"))
	assert.Equal(t, value.String("Oslo"), r.Get("city"))
	assert.True(t, value.IsNull(got[0].(*meta.Record).Get("age")))

	_, err = f.s.Retrieve(f.ctx, f.u.Person, []value.Value{str("p1"), str("nope")})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	lenient, err := f.s.RetrieveLenient(f.ctx, f.u.Person, []value.Value{str("nope"), str("p1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, testutil.IDStrings(lenient))

	evs := f.events.All()
	require.Len(t, evs, 1)
	created, ok := evs[0].(event.Created)
	require.True(t, ok)
	assert.Equal(t, []string{"p1", "p2"}, testutil.IDStrings(created.Entities))
}

func testCreateIsAtomic(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)

	err := f.s.Create(f.ctx, f.u.Person, testutil.Entities(f.u.Named("p9", "Zed"), f.u.Named("p1", "Dup")))
	require.Error(t, err)
	assert.True(t, store.IsExists(err))

	got, err := f.s.RetrieveLenient(f.ctx, f.u.Person, []value.Value{str("p9")})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, f.events.All())

	err = f.s.Create(f.ctx, f.u.Person, testutil.Entities(f.u.Named("p1", "Dup"), f.u.Named("p2", "Dup")))
	require.Error(t, err)
	assert.True(t, store.IsBatch(err))
	assert.True(t, store.IsExists(err))

	err = f.s.Create(f.ctx, f.u.Person, testutil.Entities(f.u.Named("p8", "A"), f.u.Named("p8", "B")))
	require.Error(t, err)
	assert.True(t, store.IsExists(err))
}

func testCreateRejectsInvalid(t *testing.T, open Factory) {
	f := setup(t, open)
	bad := f.u.Person.New(str("p1")).Put("name", value.Int(3))
	err := f.s.Create(f.ctx, f.u.Person, testutil.Entities(bad))
	require.Error(t, err)
	assert.True(t, meta.IsTypeMismatch(err))
}

func testQuery(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person

	adults := filter.Must(filter.Gte(m, "age", value.Int(20)))
	q := query.New(m, adults, 2).WithOrdering(query.OrderBy("name", query.Desc))
	page, err := f.s.Query(f.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"Eve", "Cid"}, testutil.Names(page.Entities))
	assert.True(t, page.More)

	page, err = f.s.Query(f.ctx, q.WithPaging(q.Paging.Next()))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann"}, testutil.Names(page.Entities))
	assert.False(t, page.More)

	oslo := filter.Must(filter.In(m, "city", str("Oslo"), str("Rome")))
	page, err = f.s.Query(f.ctx, query.New(m, oslo, query.Unbounded).WithOrdering(query.OrderBy("name", query.Asc)))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Cid", "Dan"}, testutil.Names(page.Entities))

	ids := filter.IDs(m, str("p2"), str("p5"), str("p7"))
	page, err = f.s.Query(f.ctx, query.New(m, ids, 10).WithOrdering(query.OrderBy("name", query.Asc)))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p5"}, testutil.IDStrings(page.Entities))

	page, err = f.s.Query(f.ctx, query.New(m, filter.None(m), 10))
	require.NoError(t, err)
	assert.Empty(t, page.Entities)
}

func testQueryNulls(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person
	byName := query.OrderBy("name", query.Asc)

	run := func(fl filter.Filter) []string {
		page, err := f.s.Query(f.ctx, query.New(m, fl, query.Unbounded).WithOrdering(byName))
		require.NoError(t, err)
		return testutil.Names(page.Entities)
	}

	assert.Equal(t, []string{"Bob"}, run(filter.Must(filter.IsNull(m, "city"))))
	assert.Equal(t, []string{"Dan"}, run(filter.Must(filter.IsNull(m, "age"))))
	assert.Equal(t, []string{"Ann", "Bob", "Cid", "Dan", "Eve"}, run(filter.Must(filter.IsNull(m, "score"))))
	notOslo := filter.Must(filter.Eq(m, "city", str("Oslo"))).Inverse()
	assert.Equal(t, []string{"Bob", "Cid", "Eve"}, run(notOslo))
	young := filter.Must(filter.Lt(m, "age", value.Int(30)))
	// Null sorts below every value.
	assert.Equal(t, []string{"Bob", "Dan", "Eve"}, run(young))
	assert.Equal(t, []string{"Ann", "Cid"}, run(young.Inverse()))
	assert.Equal(t, []string{"Ann", "Cid", "Eve"}, run(filter.Must(filter.Gt(m, "age", value.Int(20)))))
	assert.Equal(t, []string{"Dan"}, run(filter.Must(filter.Eq(m, "age", value.Null{}))))
	assert.Equal(t, []string{"Bob", "Eve"}, run(filter.Must(filter.NotIn(m, "city", str("Oslo"), str("Rome")))))
	either := filter.Or(filter.Must(filter.Eq(m, "name", str("Ann"))), filter.Must(filter.IsNull(m, "age")))
	assert.Equal(t, []string{"Ann", "Dan"}, run(either))

	nullsFirst := query.OrderBy("age", query.Asc)
	nullsFirst.Nulls = query.NullsFirst
	page, err := f.s.Query(f.ctx, query.New(m, nil, query.Unbounded).WithOrdering(nullsFirst))
	require.NoError(t, err)
	assert.Equal(t, []string{"Dan", "Bob", "Eve", "Ann", "Cid"}, testutil.Names(page.Entities))
}

func testDelete(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person

	err := f.s.Delete(f.ctx, m, []value.Value{str("p1"), str("nope")})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
	got, err := f.s.RetrieveLenient(f.ctx, m, []value.Value{str("p1")})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, f.s.Delete(f.ctx, m, []value.Value{str("p1"), str("p3")}))
	page, err := f.s.Query(f.ctx, query.New(m, nil, query.Unbounded).WithOrdering(query.OrderBy("name", query.Asc)))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Dan", "Eve"}, testutil.Names(page.Entities))

	evs := f.events.All()
	require.Len(t, evs, 1)
	deleted, ok := evs[0].(event.Deleted)
	require.True(t, ok)
	assert.Equal(t, []string{"p1", "p3"}, testutil.IDStrings(deleted.Entities))
	assert.Equal(t, []string{"Ann", "Cid"}, testutil.Names(deleted.Entities))
}

func testValues(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person

	vals, version, err := f.s.GetValues(f.ctx, m, str("p1"), []string{"name", "age"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, map[string]value.Value{"name": str("Ann"), "age": value.Int(34)}, vals)

	version, err = f.s.SetValues(f.ctx, m, str("p1"), map[string]value.Value{"age": value.Int(35), "city": value.Null{}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	vals, _, err = f.s.GetValues(f.ctx, m, str("p1"), nil)
	require.NoError(t, err)
	assert.Equal(t, value.Int(35), vals["age"])
	assert.True(t, value.IsNull(vals["city"]))
	assert.Equal(t, str("Ann"), vals["name"])

	evs := f.events.All()
	require.Len(t, evs, 1)
	up, ok := evs[0].(event.Updated)
	require.True(t, ok)
	assert.Equal(t, []event.Change{
		{Property: "age", Old: value.Int(34)},
		{Property: "city", Old: str("Oslo")},
	}, up.Changes)
	assert.Equal(t, int64(2), up.Entity.Version())

	// Writing the current values is a no-op.
	version, err = f.s.SetValues(f.ctx, m, str("p1"), map[string]value.Value{"age": value.Int(35)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Len(t, f.events.All(), 1)

	_, err = f.s.SetValues(f.ctx, m, str("nope"), map[string]value.Value{"age": value.Int(1)})
	assert.True(t, store.IsNotFound(err))
	_, err = f.s.SetValues(f.ctx, m, str("p1"), map[string]value.Value{"height": value.Int(1)})
	assert.True(t, meta.IsUnknownProperty(err))
	_, err = f.s.SetValues(f.ctx, m, str("p1"), map[string]value.Value{"age": str("old")})
	assert.True(t, meta.IsTypeMismatch(err))
	_, _, err = f.s.GetValues(f.ctx, m, str("p1"), []string{"friends"})
	assert.True(t, meta.IsUnknownProperty(err))
}

func testOptimisticLock(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person

	v, err := f.s.Version(f.ctx, m, str("p2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = f.s.SetValuesVersioned(f.ctx, m, str("p2"), 1, map[string]value.Value{"age": value.Int(20)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = f.s.SetValuesVersioned(f.ctx, m, str("p2"), 1, map[string]value.Value{"age": value.Int(21)})
	require.Error(t, err)
	assert.True(t, store.IsOptimisticLock(err))
	var se *store.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int64(1), se.Expected)
	assert.Equal(t, int64(2), se.Actual)

	vals, _, err := f.s.GetValues(f.ctx, m, str("p2"), []string{"age"})
	require.NoError(t, err)
	assert.Equal(t, value.Int(20), vals["age"])

	_, err = f.s.Version(f.ctx, m, str("nope"))
	assert.True(t, store.IsNotFound(err))
}

func testRelations(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person
	require.NoError(t, f.s.Create(f.ctx, f.u.Company, testutil.Entities(f.u.NewCompany("c1", "Acme", 10), f.u.NewCompany("c2", "Initech", 50))))
	f.events.Reset()

	require.NoError(t, f.s.AddRelations(f.ctx, m, "friends", str("p1"), []value.Value{str("p2"), str("p3")}))
	require.NoError(t, f.s.AddRelations(f.ctx, m, "friends", str("p1"), []value.Value{str("p3")}))
	require.NoError(t, f.s.AddRelations(f.ctx, m, "employer", str("p1"), []value.Value{str("c1")}))
	require.NoError(t, f.s.AddRelations(f.ctx, m, "employer", str("p1"), []value.Value{str("c2")}))

	got, err := f.s.Retrieve(f.ctx, m, []value.Value{str("p1")})
	require.NoError(t, err)
	ann := got[0].(*meta.Record)
	assert.ElementsMatch(t, []string{"Bob", "Cid"}, testutil.Names(ann.Related("friends")))
	assert.Equal(t, []string{"c2"}, testutil.IDStrings(ann.Related("employer")))
	assert.Equal(t, int64(4), ann.Version())

	knowsBob := filter.Must(filter.Any(m, "friends", filter.Must(filter.Eq(m, "name", str("Bob")))))
	page, err := f.s.Query(f.ctx, query.New(m, knowsBob, 10))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, testutil.IDStrings(page.Entities))

	require.NoError(t, f.s.RemoveRelations(f.ctx, m, "friends", str("p1"), []value.Value{str("p2"), str("p5")}))
	page, err = f.s.Query(f.ctx, query.New(m, knowsBob, 10))
	require.NoError(t, err)
	assert.Empty(t, page.Entities)

	assert.Equal(t, []event.Kind{
		event.KindRelationsAdded,
		event.KindRelationsAdded,
		event.KindRelationsAdded,
		event.KindRelationsRemoved,
	}, f.events.Kinds())
	last := f.events.All()[3].(event.RelationsRemoved)
	assert.Equal(t, []value.Value{str("p2")}, last.Targets)
	assert.Equal(t, []string{"Cid"}, testutil.Names(last.Source.(*meta.Record).Related("friends")))

	err = f.s.AddRelations(f.ctx, m, "friends", str("p1"), []value.Value{str("ghost")})
	assert.True(t, store.IsNotFound(err))
	err = f.s.AddRelations(f.ctx, m, "employer", str("p1"), []value.Value{str("c1"), str("c2")})
	assert.True(t, meta.IsTypeMismatch(err))
	err = f.s.AddRelations(f.ctx, m, "name", str("p1"), []value.Value{str("p2")})
	assert.True(t, meta.IsUnknownProperty(err))
}

func testDeleteUnlinks(t *testing.T, open Factory) {
	f := setup(t, open)
	f.seed(t)
	m := f.u.Person
	require.NoError(t, f.s.AddRelations(f.ctx, m, "friends", str("p1"), []value.Value{str("p2"), str("p3")}))
	f.events.Reset()

	require.NoError(t, f.s.Delete(f.ctx, m, []value.Value{str("p2")}))
	assert.Equal(t, []event.Kind{event.KindDeleted, event.KindRelationsRemoved}, f.events.Kinds())

	got, err := f.s.Retrieve(f.ctx, m, []value.Value{str("p1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, testutil.IDStrings(got[0].(*meta.Record).Related("friends")))
}
