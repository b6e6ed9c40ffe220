package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

// startDispatcher runs a dispatcher until the test ends.
func startDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	d := NewDispatcher(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func created(u *testutil.Universe, id, name string) event.Created {
	return event.Created{Type: u.Person, Entities: testutil.Entities(u.Named(id, name))}
}

func TestDispatcher_RoutesMatchingEvents(t *testing.T) {
	u := testutil.NewUniverse()
	d := startDispatcher(t, WithMetrics(metrics.New(metrics.Config{Enabled: true})))
	ctx := context.Background()

	annCh := make(chan event.Event, 4)
	ann := filter.NewLive("ann", filter.Must(filter.Eq(u.Person, "name", value.String("Ann"))), annCh)
	require.NoError(t, d.Register(ctx, ann))
	assert.True(t, d.Tree().Contains(ann))

	require.True(t, d.Publish(created(u, "p1", "Bob")))
	require.True(t, d.Publish(created(u, "p2", "Ann")))

	got, ok := testutil.Receive(annCh, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, []string{"p2"}, testutil.IDStrings(event.Entities(got)))

	_, ok = testutil.Receive(annCh, 50*time.Millisecond)
	assert.False(t, ok, "Bob must not reach the Ann filter")
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	u := testutil.NewUniverse()
	seq := NewSequence(10)
	d := startDispatcher(t, WithSequence(seq))

	ch := make(chan event.Event, 16)
	require.NoError(t, d.Register(context.Background(), filter.NewLive("all", filter.All(u.Person), ch)))

	for _, id := range []string{"a", "b", "c", "d"} {
		d.Publish(created(u, id, id))
	}
	var ids []string
	for range 4 {
		ev, ok := testutil.Receive(ch, testutil.DefaultWait)
		require.True(t, ok)
		ids = append(ids, testutil.IDStrings(event.Entities(ev))...)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, uint64(14), seq.Last())
}

func TestDispatcher_Deregister(t *testing.T) {
	u := testutil.NewUniverse()
	d := startDispatcher(t)
	ctx := context.Background()

	ch := make(chan event.Event, 4)
	l := filter.NewLive("all", filter.All(u.Person), ch)
	require.NoError(t, d.Register(ctx, l))
	require.NoError(t, d.Deregister(ctx, l))
	assert.False(t, d.Tree().Contains(l))
	assert.Equal(t, 0, d.Tree().Len())

	d.Publish(created(u, "p1", "Ann"))
	_, ok := testutil.Receive(ch, 50*time.Millisecond)
	assert.False(t, ok)
}

func TestDispatcher_RemovesClosedLive(t *testing.T) {
	u := testutil.NewUniverse()
	d := startDispatcher(t)

	l := filter.NewLive("gone", filter.All(u.Person), make(chan event.Event))
	require.NoError(t, d.Register(context.Background(), l))
	l.Close()

	d.Publish(created(u, "p1", "Ann"))
	assert.True(t, testutil.Eventually(func() bool { return !d.Tree().Contains(l) }, testutil.DefaultWait))

	err := d.Register(context.Background(), l)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrCodeInvalidLive, de.Code)
}

func TestDispatcher_Listen(t *testing.T) {
	u := testutil.NewUniverse()
	d := NewDispatcher()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	ch, cancel := d.Listen(4)
	other, cancelOther := d.Listen(4)
	cancelOther()

	d.Publish(created(u, "p1", "Ann"))
	ev, ok := testutil.Receive(ch, testutil.DefaultWait)
	require.True(t, ok)
	assert.Equal(t, event.KindCreated, ev.Kind())

	d.Stop()
	require.NoError(t, <-done)
	_, open := <-ch
	assert.False(t, open, "listener channel closes on stop")
	select {
	case <-other:
		t.Fatal("cancelled listener must not receive")
	default:
	}
	cancel()
}

func TestDispatcher_StoppedRejectsCommands(t *testing.T) {
	u := testutil.NewUniverse()
	d := NewDispatcher()
	d.Stop()
	require.NoError(t, d.Run(context.Background()))

	assert.False(t, d.Publish(created(u, "p1", "Ann")))
	err := d.Register(context.Background(), filter.NewLive("x", filter.All(u.Person), nil))
	assert.True(t, IsStopped(err))
}

func TestDispatcher_RegisterHonoursContext(t *testing.T) {
	u := testutil.NewUniverse()
	d := NewDispatcher() // not running
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Register(ctx, filter.NewLive("x", filter.All(u.Person), nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
