package interest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/engine"
	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/interest"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/store/memstore"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

type env struct {
	u     *testutil.Universe
	d     *engine.Dispatcher
	store *memstore.Store
	m     *interest.Manager
	ctx   context.Context
}

// setup runs a dispatcher and seeds people; adults are Eve 28, Ann 34, Cid 45 and Fay 52.
func setup(t *testing.T, opts ...interest.Option) *env {
	t.Helper()
	u := testutil.NewUniverse()
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	s := memstore.New("mem", memstore.WithPublisher(d))
	require.NoError(t, s.Create(context.Background(), u.Person, testutil.Entities(
		u.NewPerson("p1", "Ann", 34, "Oslo"),
		u.NewPerson("p2", "Bob", 19, ""),
		u.NewPerson("p3", "Cid", 45, "Rome"),
		u.NewPerson("p4", "Dan", -1, "Oslo"),
		u.NewPerson("p5", "Eve", 28, "Lima"),
		u.NewPerson("p6", "Fay", 52, "Rome"),
	)))

	opts = append([]interest.Option{interest.WithIDGenerator(testutil.NewSequenceGenerator("interest"))}, opts...)
	m := interest.NewManager(d, s, opts...)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		cancel()
		<-done
	})
	return &env{u: u, d: d, store: s, m: m, ctx: context.Background()}
}

func (e *env) adults(size int) query.Query {
	f := filter.Must(filter.Gte(e.u.Person, "age", value.Int(20)))
	return query.New(e.u.Person, f, size).WithOrdering(query.OrderBy("age", query.Asc))
}

func (e *env) setAge(t *testing.T, id string, age int64) {
	t.Helper()
	_, err := e.store.SetValues(e.ctx, e.u.Person, value.String(id), map[string]value.Value{"age": value.Int(age)})
	require.NoError(t, err)
}

func kinds(ns []interest.Notification) []interest.NotificationKind {
	out := make([]interest.NotificationKind, len(ns))
	for i, n := range ns {
		out[i] = n.Kind
	}
	return out
}

// registered reports whether a live filter with id is in the dispatcher's tree.
func (e *env) registered(id string) bool {
	ev := event.Created{Type: e.u.Person, Entities: testutil.Entities(e.u.NewPerson("p-sample", "Zed", 30, ""))}
	for _, l := range e.d.Tree().Collect(ev) {
		if l.ID() == id {
			return true
		}
	}
	return false
}

func TestPlus_SeedsAndNotifiesCreatedFirst(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()

	i, err := e.m.Plus(e.ctx, e.adults(2), interest.WithSubscriber(rec.Record))
	require.NoError(t, err)
	assert.Equal(t, "interest-1", i.ID())
	assert.Equal(t, interest.StateLive, i.State())
	assert.Equal(t, []string{"p5", "p1"}, testutil.IDStrings(i.Page().Entities))
	assert.True(t, i.Page().More)

	require.NoError(t, e.store.Create(e.ctx, e.u.Person, testutil.Entities(e.u.NewPerson("p7", "Gus", 30, ""))))

	items, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok, "got %d notifications", len(items))
	assert.Equal(t, []interest.NotificationKind{interest.Created, interest.Changed}, kinds(items[:2]))
	assert.Equal(t, "interest-1", items[0].Interest)
	require.Len(t, items[0].Changes, 1)
	assert.Equal(t, "0", items[0].Changes[0].Address())
	assert.Equal(t, []string{"p5", "p7"}, testutil.IDStrings(i.Page().Entities))

	got, ok := i.Get(value.String("p7"))
	require.True(t, ok)
	assert.Equal(t, value.String("Gus"), got.(*meta.Record).Get("name"))
	first, ok := i.At(0)
	require.True(t, ok)
	assert.Equal(t, value.String("p5"), first.ID())
	_, ok = i.At(2)
	assert.False(t, ok)
}

func TestPlus_IgnoresUnrelatedChanges(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()
	i, err := e.m.Plus(e.ctx, e.adults(2), interest.WithSubscriber(rec.Record))
	require.NoError(t, err)

	// Fay stays beyond the page, Ann moves inside it.
	e.setAge(t, "p6", 60)
	e.setAge(t, "p1", 27)

	items, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, []string{"p1", "p5"}, testutil.IDStrings(i.Page().Entities))
	for _, n := range items[1:] {
		assert.Equal(t, interest.Changed, n.Kind)
	}
}

func TestPlus_QueryError(t *testing.T) {
	e := setup(t)
	m := interest.NewManager(e.d, brokenQuerier{}, interest.WithIDGenerator(testutil.NewSequenceGenerator("broken")))

	_, err := m.Plus(e.ctx, e.adults(2))
	require.Error(t, err)
	assert.True(t, interest.IsQueryError(err))
	assert.True(t, errors.Is(err, errBroken))
	assert.Empty(t, m.IDs())
	assert.True(t, testutil.Eventually(func() bool { return e.d.Tree().Len() == 0 }, testutil.DefaultWait))
}

func TestPlus_InvalidQuery(t *testing.T) {
	e := setup(t)
	q := e.adults(2).WithOrdering(query.OrderBy("nope", query.Asc))

	_, err := e.m.Plus(e.ctx, q)
	require.Error(t, err)
	assert.True(t, interest.IsQueryError(err))
	assert.Equal(t, 0, e.d.Tree().Len())
}

func TestInterest_Close(t *testing.T) {
	e := setup(t)
	lifecycle, stop := e.m.Listen(4)
	defer stop()
	rec := testutil.NewRecorder[interest.Notification]()

	i, err := e.m.Plus(e.ctx, e.adults(2), interest.WithSubscriber(rec.Record))
	require.NoError(t, err)
	created, ok := testutil.Receive(lifecycle, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, interest.Lifecycle{Kind: interest.InterestCreated, ID: i.ID()}, created)
	assert.True(t, e.registered(i.ID()))

	require.NoError(t, i.Close(e.ctx))
	require.NoError(t, i.Close(e.ctx))

	deleted, ok := testutil.Receive(lifecycle, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, interest.Lifecycle{Kind: interest.InterestDeleted, ID: i.ID()}, deleted)
	assert.Equal(t, interest.StateClosed, i.State())
	assert.False(t, e.registered(i.ID()))

	_, ok = e.m.Get(i.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, i.Next(e.ctx), interest.ErrClosed)
	_, err = i.Retrieve(e.ctx, interest.PrimaryPath)
	assert.ErrorIs(t, err, interest.ErrClosed)

	select {
	case <-i.Done():
	case <-time.After(testutil.DefaultWait):
		t.Fatal("consumer did not stop")
	}
	items := rec.Items()
	require.NotEmpty(t, items)
	assert.Equal(t, interest.Deleted, items[len(items)-1].Kind)
	assert.Equal(t, []interest.NotificationKind{interest.Created, interest.Deleted}, kinds(items))
}

func TestInterest_Paging(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()
	i, err := e.m.Plus(e.ctx, e.adults(2), interest.WithSubscriber(rec.Record))
	require.NoError(t, err)

	require.NoError(t, i.Next(e.ctx))
	assert.Equal(t, []string{"p3", "p6"}, testutil.IDStrings(i.Page().Entities))
	assert.Equal(t, query.Paging{Offset: 2, Size: 2}, i.Query().Paging)

	require.NoError(t, i.Prev(e.ctx))
	assert.Equal(t, []string{"p5", "p1"}, testutil.IDStrings(i.Page().Entities))

	require.NoError(t, i.SetOrdering(e.ctx, query.OrderBy("name", query.Desc)))
	assert.Equal(t, []string{"p6", "p5"}, testutil.IDStrings(i.Page().Entities))

	require.NoError(t, i.SetPaging(e.ctx, query.Paging{Offset: 1, Size: 3}))
	assert.Equal(t, []string{"p5", "p3", "p1"}, testutil.IDStrings(i.Page().Entities))
	assert.False(t, i.Page().More)

	err = i.SetOrdering(e.ctx, query.OrderBy("nope", query.Asc))
	require.Error(t, err)
	assert.Equal(t, []string{"p5", "p3", "p1"}, testutil.IDStrings(i.Page().Entities))

	// Paging notifications are delivered before the call returns.
	items := rec.Items()
	assert.Equal(t, []interest.NotificationKind{
		interest.Created, interest.Reloaded, interest.Reloaded, interest.Reloaded, interest.Reloaded,
	}, kinds(items))
	last := items[len(items)-1]
	require.Len(t, last.Changes, 1)
	assert.Equal(t, "0 reloaded", projection.Describe(last.Changes[0]))
}

func TestInterest_PagedWindowFollowsChanges(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()
	i, err := e.m.Plus(e.ctx, e.adults(2), interest.WithSubscriber(rec.Record))
	require.NoError(t, err)
	require.NoError(t, i.Next(e.ctx))

	// Eve leaves scope; the second page shifts to Fay only.
	e.setAge(t, "p5", 5)

	require.True(t, testutil.Eventually(func() bool {
		ids := testutil.IDStrings(i.Page().Entities)
		return len(ids) == 1 && ids[0] == "p6"
	}, testutil.DefaultWait), "page: %v", testutil.IDStrings(i.Page().Entities))
	assert.False(t, i.Page().More)
}

func TestInterest_FollowsRelatedEntities(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.Create(e.ctx, e.u.Company, testutil.Entities(e.u.NewCompany("c1", "Acme", 10))))
	require.NoError(t, e.store.AddRelations(e.ctx, e.u.Person, "employer", value.String("p1"), []value.Value{value.String("c1")}))

	globex := filter.Must(filter.Eq(e.u.Company, "name", value.String("Globex")))
	q := query.New(e.u.Person, filter.Must(filter.Any(e.u.Person, "employer", globex)), 5).
		WithOrdering(query.OrderBy("name", query.Asc))
	rec := testutil.NewRecorder[interest.Notification]()
	i, err := e.m.Plus(e.ctx, q, interest.WithSubscriber(rec.Record))
	require.NoError(t, err)
	assert.Empty(t, i.Page().Entities)

	rename := func(name string) {
		t.Helper()
		_, err := e.store.SetValues(e.ctx, e.u.Company, value.String("c1"), map[string]value.Value{"name": value.String(name)})
		require.NoError(t, err)
	}

	rename("Globex")
	items, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok, "no notification after the employer was renamed")
	assert.Equal(t, interest.Changed, items[1].Kind)
	assert.Equal(t, []string{"p1"}, testutil.IDStrings(i.Page().Entities))

	rename("Acme")
	_, ok = rec.WaitN(3, testutil.DefaultWait)
	require.True(t, ok)
	assert.Empty(t, i.Page().Entities)
}

func TestInterest_SubscriberReadsWhilePaging(t *testing.T) {
	e := setup(t)
	i, err := e.m.Plus(e.ctx, e.adults(2))
	require.NoError(t, err)

	inside := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan query.Page, 1)
	rec := testutil.NewRecorder[interest.Notification]()
	var once sync.Once
	i.AddSubscriber(func(n interest.Notification) {
		rec.Record(n)
		if n.Kind != interest.Changed {
			return
		}
		once.Do(func() {
			close(inside)
			<-release
			seen <- i.Page()
		})
	})

	e.setAge(t, "p5", 29)
	select {
	case <-inside:
	case <-time.After(testutil.DefaultWait):
		t.Fatal("no changed notification")
	}

	paged := make(chan error, 1)
	go func() { paged <- i.Next(e.ctx) }()
	select {
	case err := <-paged:
		require.NoError(t, err)
	case <-time.After(testutil.DefaultWait):
		t.Fatal("paging waited for a busy subscriber")
	}
	close(release)

	select {
	case p := <-seen:
		assert.Equal(t, []string{"p3", "p6"}, testutil.IDStrings(p.Entities))
	case <-time.After(testutil.DefaultWait):
		t.Fatal("subscriber could not read the interest")
	}
	items, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, []interest.NotificationKind{interest.Changed, interest.Reloaded}, kinds(items[:2]))
	require.NoError(t, i.Close(e.ctx))
}

func TestInterest_SubscriberPagesInline(t *testing.T) {
	e := setup(t)
	i, err := e.m.Plus(e.ctx, e.adults(2))
	require.NoError(t, err)

	rec := testutil.NewRecorder[interest.Notification]()
	paged := make(chan error, 1)
	i.AddSubscriber(func(n interest.Notification) {
		rec.Record(n)
		if n.Kind == interest.Changed {
			paged <- i.Next(e.ctx)
		}
	})

	e.setAge(t, "p5", 29)
	items, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, []interest.NotificationKind{interest.Changed, interest.Reloaded}, kinds(items[:2]))
	require.NoError(t, <-paged)
	assert.Equal(t, []string{"p3", "p6"}, testutil.IDStrings(i.Page().Entities))
}

// slowQuerier holds queries while hold is set, until release is closed.
type slowQuerier struct {
	next    projection.Querier
	hold    atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (s *slowQuerier) Query(ctx context.Context, q query.Query) (query.Page, error) {
	if s.hold.Load() {
		select {
		case s.started <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return query.Page{}, ctx.Err()
		}
	}
	return s.next.Query(ctx, q)
}

func TestInterest_ReadsDuringSlowReload(t *testing.T) {
	e := setup(t)
	slow := &slowQuerier{next: e.store, started: make(chan struct{}, 1), release: make(chan struct{})}
	m := interest.NewManager(e.d, slow, interest.WithIDGenerator(testutil.NewSequenceGenerator("slow")))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	i, err := m.Plus(e.ctx, e.adults(2))
	require.NoError(t, err)

	slow.hold.Store(true)
	paged := make(chan error, 1)
	go func() { paged <- i.Next(e.ctx) }()
	<-slow.started

	read := make(chan []string, 1)
	go func() { read <- testutil.IDStrings(i.Page().Entities) }()
	select {
	case ids := <-read:
		assert.Equal(t, []string{"p5", "p1"}, ids)
	case <-time.After(testutil.DefaultWait):
		t.Fatal("reader blocked behind a store round-trip")
	}

	close(slow.release)
	require.NoError(t, <-paged)
	assert.Equal(t, []string{"p3", "p6"}, testutil.IDStrings(i.Page().Entities))
}

func TestInterest_Projections(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()
	i, err := e.m.Plus(e.ctx, e.adults(2),
		interest.WithProjections(projection.Count(""), projection.Sum("age")),
		interest.WithSubscriber(rec.Record))
	require.NoError(t, err)

	results := i.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "1", results[1].Projection().Path())
	assert.Equal(t, int64(4), results[1].(*projection.CountResult).Count)
	assert.InDelta(t, 159.0, results[2].(*projection.SumResult).Sum, 1e-9)

	created := rec.Items()[0]
	require.Len(t, created.Changes, 3)

	require.NoError(t, e.store.Create(e.ctx, e.u.Person, testutil.Entities(e.u.NewPerson("p7", "Gus", 30, ""))))
	_, ok := rec.WaitN(2, testutil.DefaultWait)
	require.True(t, ok)

	stale, err := i.Result("1")
	require.NoError(t, err)
	assert.IsType(t, &projection.ReloadResult{}, stale)

	fresh, err := i.Retrieve(e.ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fresh.(*projection.CountResult).Count)

	cached, err := i.Result("1")
	require.NoError(t, err)
	assert.Same(t, fresh, cached)

	sum, err := i.Retrieve(e.ctx, "2")
	require.NoError(t, err)
	assert.InDelta(t, 189.0, sum.(*projection.SumResult).Sum, 1e-9)

	_, err = i.Result("9")
	assert.True(t, projection.IsUnknownPath(err))
}

func TestInterest_InvalidProjection(t *testing.T) {
	e := setup(t)
	_, err := e.m.Plus(e.ctx, e.adults(2), interest.WithProjections(projection.Sum("name")))
	require.Error(t, err)
	assert.True(t, projection.IsInvalid(err))
	assert.Empty(t, e.m.IDs())
}

func TestInterest_Subscribers(t *testing.T) {
	e := setup(t)
	i, err := e.m.Plus(e.ctx, e.adults(2))
	require.NoError(t, err)

	kept := testutil.NewRecorder[interest.Notification]()
	removed := testutil.NewRecorder[interest.Notification]()
	i.AddSubscriber(kept.Record)
	id := i.AddSubscriber(removed.Record)
	assert.True(t, i.RemoveSubscriber(id))
	assert.False(t, i.RemoveSubscriber(id))

	require.NoError(t, i.Next(e.ctx))
	assert.Equal(t, 1, kept.Len())
	assert.Equal(t, 0, removed.Len())
}

func TestStaticInterest(t *testing.T) {
	e := setup(t)
	rec := testutil.NewRecorder[interest.Notification]()
	q := query.New(e.u.Person, nil, 10).WithOrdering(query.OrderBy("name", query.Asc))

	s, err := e.m.PlusStatic(e.ctx, q, []value.Value{value.String("p3"), value.String("p1"), value.String("p1")},
		interest.WithSubscriber(rec.Record))
	require.NoError(t, err)
	assert.Len(t, s.IDs(), 2)
	assert.Equal(t, []string{"p1", "p3"}, testutil.IDStrings(s.Page().Entities))

	require.NoError(t, s.Add(e.ctx, e.u.Named("p2", "Bob")))
	assert.Equal(t, []string{"p1", "p2", "p3"}, testutil.IDStrings(s.Page().Entities))

	require.NoError(t, s.Remove(e.ctx, e.u.Named("p1", "Ann")))
	assert.Equal(t, []string{"p2", "p3"}, testutil.IDStrings(s.Page().Entities))
	assert.Equal(t, []interest.NotificationKind{interest.Created, interest.Reloaded, interest.Reloaded}, kinds(rec.Items()))

	assert.True(t, testutil.Eventually(func() bool { return e.d.Tree().Len() == 1 }, testutil.DefaultWait))

	e.setAge(t, "p2", 20)
	items, ok := rec.WaitN(4, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, interest.Changed, items[3].Kind)
	bob, ok := s.Get(value.String("p2"))
	require.True(t, ok)
	assert.Equal(t, value.Int(20), bob.(*meta.Record).Get("age"))

	require.NoError(t, s.Close(e.ctx))
	assert.ErrorIs(t, s.Add(e.ctx, e.u.Named("p4", "Dan")), interest.ErrClosed)
}

func TestManager_Close(t *testing.T) {
	e := setup(t)
	a, err := e.m.Plus(e.ctx, e.adults(2))
	require.NoError(t, err)
	b, err := e.m.Plus(e.ctx, e.adults(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"interest-1", "interest-2"}, e.m.IDs())

	require.NoError(t, e.m.Close(e.ctx))
	assert.Empty(t, e.m.IDs())
	assert.Equal(t, interest.StateClosed, a.State())
	assert.Equal(t, interest.StateClosed, b.State())
	assert.Equal(t, 0, e.d.Tree().Len())
}

func TestManager_CloseAfterDispatcherStopped(t *testing.T) {
	u := testutil.NewUniverse()
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	m := interest.NewManager(d, memstore.New("mem"))

	i, err := m.Plus(context.Background(), query.New(u.Person, nil, 5))
	require.NoError(t, err)
	cancel()
	<-done

	require.NoError(t, i.Close(context.Background()))
	assert.Equal(t, interest.StateClosed, i.State())
}

var errBroken = errors.New("store unavailable")

type brokenQuerier struct{}

func (brokenQuerier) Query(context.Context, query.Query) (query.Page, error) {
	return query.Page{}, errBroken
}
