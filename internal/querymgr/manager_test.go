package querymgr_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/querymgr"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/store/memstore"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

func startManager(t *testing.T, opts ...querymgr.Option) *querymgr.Manager {
	t.Helper()
	m, err := querymgr.New(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		m.Close()
	})
	return m
}

// seeded creates a memstore holding people with the given names; ids are
// the names prefixed with the store name.
func seeded(t *testing.T, u *testutil.Universe, name string, names ...string) *memstore.Store {
	t.Helper()
	s := memstore.New(name)
	var records []*meta.Record
	for _, n := range names {
		records = append(records, u.Named(name+"-"+n, n))
	}
	require.NoError(t, s.Create(context.Background(), u.Person, testutil.Entities(records...)))
	return s
}

func ready(t *testing.T, m *querymgr.Manager, stores ...store.Store) {
	t.Helper()
	for _, s := range stores {
		require.NoError(t, m.Ready(context.Background(), s))
	}
}

// failing answers every read with an error.
type failing struct {
	store.Store
}

func (f failing) Query(context.Context, query.Query) (query.Page, error) {
	return query.Page{}, errors.New("disk on fire")
}

func (f failing) RetrieveLenient(context.Context, *meta.EntityMeta, []value.Value) ([]meta.Entity, error) {
	return nil, errors.New("disk on fire")
}

func TestQuery_MergesThreeStores(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ready(t, m,
		seeded(t, u, "A", "zc", "xa"),
		seeded(t, u, "B", "zb", "za"),
		seeded(t, u, "C", "wx", "fg"),
	)
	ctx := context.Background()

	q := query.New(u.Person, nil, 2).WithOrdering(query.OrderBy("name", query.Asc))
	var pages [][]string
	var more []bool
	for i := 0; i < 4; i++ {
		page, err := m.Query(ctx, q)
		require.NoError(t, err)
		pages = append(pages, testutil.Names(page.Entities))
		more = append(more, page.More)
		q = q.WithPaging(q.Paging.Next())
	}

	assert.Equal(t, [][]string{{"fg", "wx"}, {"xa", "za"}, {"zb", "zc"}, {}}, pages)
	assert.Equal(t, []bool{true, true, false, false}, more)
}

func TestMerge_TiesFollowStoreOrder(t *testing.T) {
	u := testutil.NewUniverse()
	q := query.New(u.Person, nil, 3).WithOrdering(query.OrderBy("age", query.Asc))
	a := u.NewPerson("a", "Ann", 30, "")
	b := u.NewPerson("b", "Bob", 30, "")
	c := u.NewPerson("c", "Cid", 20, "")

	// Equal keys fall back to id order within one ordering, so use the
	// natural ordering to observe store order.
	natural := query.New(u.Person, nil, 3)
	page := querymgr.Merge(natural, []query.Page{
		{Entities: testutil.Entities(b)},
		{Entities: testutil.Entities(a, c)},
	})
	assert.Equal(t, []string{"b", "a", "c"}, testutil.IDStrings(page.Entities))
	assert.False(t, page.More)

	page = querymgr.Merge(q, []query.Page{
		{Entities: testutil.Entities(b)},
		{Entities: testutil.Entities(c, a)},
	})
	assert.Equal(t, []string{"c", "a", "b"}, testutil.IDStrings(page.Entities))

	page = querymgr.Merge(q.WithPaging(query.Paging{Offset: 1, Size: 1}), []query.Page{
		{Entities: testutil.Entities(b)},
		{Entities: testutil.Entities(c, a), More: true},
	})
	assert.Equal(t, []string{"a"}, testutil.IDStrings(page.Entities))
	assert.True(t, page.More)
}

func TestQuery_TargetStores(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ready(t, m, seeded(t, u, "A", "ann"), seeded(t, u, "B", "bob"))
	ctx := context.Background()

	page, err := m.Query(ctx, query.New(u.Person, nil, 10).WithStores("B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, testutil.Names(page.Entities))

	_, err = m.Query(ctx, query.New(u.Person, nil, 10).WithStores("Z"))
	require.Error(t, err)
	assert.True(t, query.IsNoStore(err))
}

func TestQuery_StoreFailure(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ready(t, m, seeded(t, u, "A", "ann"), failing{Store: seeded(t, u, "B", "bob")})

	_, err := m.Query(context.Background(), query.New(u.Person, nil, 10))
	require.Error(t, err)
	var qe *query.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, query.ErrCodeStoreFailure, qe.Code)
	assert.Equal(t, "B", qe.Store)
}

func TestLifecycle(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ctx := context.Background()
	a := seeded(t, u, "A", "ann")
	ready(t, m, a, seeded(t, u, "B", "bob"))
	assert.Equal(t, []string{"A", "B"}, m.Stores())

	// Re-announcing keeps the position.
	ready(t, m, seeded(t, u, "A", "amy"))
	assert.Equal(t, []string{"A", "B"}, m.Stores())
	page, err := m.Query(ctx, query.New(u.Person, nil, 10).WithStores("A"))
	require.NoError(t, err)
	assert.Equal(t, []string{"amy"}, testutil.Names(page.Entities))

	require.NoError(t, m.Down(ctx, "A"))
	assert.Equal(t, []string{"B"}, m.Stores())
	_, ok := m.Store("A")
	assert.False(t, ok)

	require.NoError(t, m.Down(ctx, "B"))
	_, err = m.Query(ctx, query.New(u.Person, nil, 10))
	assert.True(t, query.IsNoStore(err))
}

func TestRetrieve_AcrossStores(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ready(t, m, seeded(t, u, "A", "ann", "amy"), seeded(t, u, "B", "bob"))
	ctx := context.Background()

	ids := []value.Value{value.String("B-bob"), value.String("A-ann"), value.String("B-bob")}
	got, err := m.Retrieve(ctx, u.Person, ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-bob", "A-ann"}, testutil.IDStrings(got))

	_, err = m.Retrieve(ctx, u.Person, []value.Value{value.String("A-ann"), value.String("nobody")})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))

	got, err = m.RetrieveLenient(ctx, u.Person, []value.Value{value.String("nobody"), value.String("A-amy")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A-amy"}, testutil.IDStrings(got))
}

func TestRetrieve_DoesNotWaitForSlowStores(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	slow := memstore.New("slow", memstore.WithLatency(2*time.Second))
	ready(t, m, slow, seeded(t, u, "fast", "ann"))

	start := time.Now()
	got, err := m.Retrieve(context.Background(), u.Person, []value.Value{value.String("fast-ann")})
	require.NoError(t, err)
	assert.Equal(t, []string{"fast-ann"}, testutil.IDStrings(got))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrieve_Timeout(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t, querymgr.WithRetrieveTimeout(50*time.Millisecond))
	ready(t, m, memstore.New("slow", memstore.WithLatency(2*time.Second)), seeded(t, u, "fast", "ann"))

	_, err := m.Retrieve(context.Background(), u.Person, []value.Value{value.String("fast-ann"), value.String("elsewhere")})
	require.Error(t, err)
	assert.True(t, query.IsTimeout(err))
}

func TestRetrieve_StoreFailure(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	ready(t, m, seeded(t, u, "A", "ann"), failing{Store: memstore.New("B")})

	got, err := m.Retrieve(context.Background(), u.Person, []value.Value{value.String("A-ann")})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = m.RetrieveLenient(context.Background(), u.Person, []value.Value{value.String("B-bob")})
	require.Error(t, err)
	assert.True(t, query.IsQueryError(err))
}

func TestWritesRoute(t *testing.T) {
	u := testutil.NewUniverse()
	m := startManager(t)
	a := memstore.New("A")
	ready(t, m, a)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "", u.Person, testutil.Entities(u.Named("p1", "Ann"))))
	assert.Equal(t, 1, a.Len(u.Person))

	ready(t, m, memstore.New("B"))
	err := m.Create(ctx, "", u.Person, testutil.Entities(u.Named("p2", "Bob")))
	assert.True(t, query.IsNoStore(err))

	require.NoError(t, m.Create(ctx, "B", u.Person, testutil.Entities(u.Named("p2", "Bob"))))
	v, err := m.SetValuesVersioned(ctx, "B", u.Person, value.String("p2"), 1, map[string]value.Value{"age": value.Int(40)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = m.Version(ctx, "A", u.Person, value.String("p2"))
	assert.True(t, store.IsNotFound(err))
	assert.True(t, query.IsNoStore(m.Delete(ctx, "Z", u.Person, nil)))
	require.NoError(t, m.Delete(ctx, "A", u.Person, []value.Value{value.String("p1")}))
	assert.Equal(t, 0, a.Len(u.Person))
}
