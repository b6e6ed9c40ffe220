package filter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

func samplePeople(u *testutil.Universe) []meta.Entity {
	bob := u.NewPerson("p2", "Bob", 25, "Oslo")
	cy := u.NewPerson("p3", "Cy", -1, "")
	ann := u.NewPerson("p1", "Ann", 31, "Bergen")
	ann.SetRelated("friends", testutil.Entities(bob, cy))
	dee := u.NewPerson("p4", "Dee", 30, "")
	dee.SetRelated("friends", testutil.Entities(cy))
	eve := u.NewPerson("p5", "Eve", 45, "Oslo")
	fay := u.NewPerson("p6", "Ann", 17, "Oslo")
	fay.SetRelated("friends", testutil.Entities(bob))
	return testutil.Entities(ann, bob, cy, dee, eve, fay)
}

func sampleFilters(u *testutil.Universe) []Filter {
	m := u.Person
	name := Must(Eq(m, "name", value.String("Ann")))
	older := Must(Gt(m, "age", value.Int(30)))
	noCity := Must(IsNull(m, "city"))
	knowsBob := Must(Any(m, "friends", Must(Eq(m, "name", value.String("Bob")))))
	return []Filter{
		IDs(m, value.String("p1"), value.String("p3")),
		name,
		Must(Neq(m, "name", value.String("Ann"))),
		older,
		Must(Gte(m, "age", value.Int(30))),
		Must(Lt(m, "age", value.Int(30))),
		Must(Lte(m, "age", value.Int(30))),
		noCity,
		Must(IsNotNull(m, "age")),
		Must(In(m, "city", value.String("Oslo"), value.String("Bergen"))),
		Must(NotIn(m, "city", value.String("Oslo"))),
		knowsBob,
		And(name, older),
		Or(noCity, older),
		And(name, Or(older, noCity), knowsBob),
		All(m),
		None(m),
		NewLive("l1", And(name, knowsBob), nil),
	}
}

func TestInverse_NegatesMatching(t *testing.T) {
	u := testutil.NewUniverse()
	people := samplePeople(u)

	for _, f := range sampleFilters(u) {
		inv := f.Inverse()
		for _, e := range people {
			assert.Equal(t, !f.Matches(e), inv.Matches(e), "%s on %v", f, e.ID())
			assert.Equal(t, f.Matches(e), inv.Inverse().Matches(e), "double inverse %s on %v", f, e.ID())

			values := meta.Values(u.Person, e)
			assert.Equal(t, !f.MatchesValues(values), inv.MatchesValues(values), "values %s on %v", f, e.ID())
		}
	}
}

func TestInverse_PartialValues(t *testing.T) {
	u := testutil.NewUniverse()
	// Only "age" present: the rest reads as null.
	partial := map[string]value.Value{"age": value.Int(40)}

	for _, f := range sampleFilters(u) {
		assert.Equal(t, !f.MatchesValues(partial), f.Inverse().MatchesValues(partial), f.String())
	}
}

func TestDeMorgan(t *testing.T) {
	u := testutil.NewUniverse()
	fs := sampleFilters(u)

	for i := range fs {
		for j := range fs {
			a, b := fs[i], fs[j]
			left := And(a, b).Inverse()
			right := Or(a.Inverse(), b.Inverse())
			for _, e := range samplePeople(u) {
				assert.Equal(t, left.Matches(e), right.Matches(e), "%s / %s", a, b)
			}
		}
	}
}

func TestPartitionCompleteness(t *testing.T) {
	u := testutil.NewUniverse()
	people := samplePeople(u)

	for _, f := range sampleFilters(u) {
		var in, out int
		for _, e := range people {
			m, n := f.Matches(e), f.Inverse().Matches(e)
			assert.NotEqual(t, m, n, "disjoint and complete: %s", f)
			if m {
				in++
			}
			if n {
				out++
			}
		}
		assert.Equal(t, len(people), in+out)
	}
}

func TestAnd_FlattensNestedOperands(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	a := Must(Eq(m, "name", value.String("a")))
	b := Must(Eq(m, "city", value.String("b")))
	c := Must(Gt(m, "age", value.Int(1)))

	ab := And(a, b)
	abc := And(ab, c)
	require.IsType(t, &AndFilter{}, abc)
	assert.Len(t, abc.(*AndFilter).Operands(), 3)

	or := Or(Or(a, b), c)
	assert.Len(t, or.(*OrFilter).Operands(), 3)

	assert.Same(t, a, And(a), "single operand returned as-is")
}

func TestEqual_CanonicalOrder(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	a := Must(Eq(m, "name", value.String("a")))
	b := Must(In(m, "city", value.String("y"), value.String("x")))
	b2 := Must(In(m, "city", value.String("x"), value.String("y"), value.String("x")))

	assert.True(t, Equal(And(a, b), And(b2, a)))
	assert.False(t, Equal(And(a, b), Or(a, b)))
	assert.Equal(t, Hash(And(a, b)), Hash(And(b, a)))
	assert.True(t, Equal(IDs(m, value.Int(2), value.Int(1)), IDs(m, value.Int(1), value.Int(2))))
	assert.True(t, Equal(Must(Eq(m, "age", value.Int(3))), Must(Eq(m, "age", value.Float(3)))))
}

func TestConstructionErrors(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person

	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"unknown property", second(Eq(m, "nope", value.Int(1))), ErrCodeUnknownProperty},
		{"compare relation", second(Eq(m, "friends", value.Int(1))), ErrCodeInvalidOperand},
		{"in on relation", second(In(m, "employer", value.Int(1))), ErrCodeInvalidOperand},
		{"any on value property", second(Any(m, "name", All(m))), ErrCodeInvalidOperand},
		{"any with wrong target", second(Any(m, "employer", All(m))), ErrCodeMetaMismatch},
		{"mixed metas", second(NewAnd(All(m), All(u.Company))), ErrCodeMetaMismatch},
		{"empty and", second(NewAnd()), ErrCodeInvalidOperand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, IsFilterError(tt.err))
			var fe *Error
			require.ErrorAs(t, tt.err, &fe)
			assert.Equal(t, tt.code, fe.Code)
		})
	}

	assert.Panics(t, func() { And(All(m), All(u.Company)) })
}

func TestTouched(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	f := And(
		Must(Eq(m, "name", value.String("a"))),
		Or(Must(IsNull(m, "city")), Must(Any(m, "friends", Must(Gt(m, "age", value.Int(3)))))),
	)
	assert.Equal(t, []string{"city", "friends", "name"}, Touched(f))
	assert.Equal(t, []string{"id"}, Touched(IDs(m, value.String("x"))))
	assert.Empty(t, Touched(All(m)))
}

func TestRelationTargets(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	worksAtAcme := Must(Any(m, "employer", Must(Eq(u.Company, "name", value.String("Acme")))))
	friendOfWorker := Must(Any(m, "friends", worksAtAcme))
	f := And(Must(IsNull(m, "city")), Or(friendOfWorker.Inverse(), Must(Gt(m, "age", value.Int(3)))))

	assert.Equal(t, []string{"Company", "Person"}, RelationTargets(f))
	assert.Equal(t, []string{"Company"}, RelationTargets(NewLive("l", worksAtAcme, nil)))
	assert.Empty(t, RelationTargets(Must(Eq(m, "name", value.String("a")))))
}

func TestLive_Deliver(t *testing.T) {
	u := testutil.NewUniverse()
	ch := make(chan event.Event, 1)
	l := NewLive("l1", NewLive("inner", All(u.Person), nil), ch)
	assert.IsType(t, &AllFilter{}, l.Inner(), "nested live filters unwrap")

	ev := event.Created{Type: u.Person, Entities: testutil.Entities(u.Named("p1", "a"))}
	require.NoError(t, l.Deliver(context.Background(), ev))
	got, ok := testutil.Receive(ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, ev.IDs(), got.IDs())

	// Full channel: Deliver unblocks on Close.
	ch <- ev
	errc := make(chan error, 1)
	go func() { errc <- l.Deliver(context.Background(), ev) }()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	err, ok := testutil.Receive(errc, time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrLiveClosed)
	assert.True(t, l.Closed())
	l.Close()
}

func TestRendering_Golden(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	f := And(
		Must(Eq(m, "name", value.String("Ann"))),
		Or(Must(Gt(m, "age", value.Int(30))), Must(IsNull(m, "city"))),
		Must(Any(m, "friends", Must(Eq(m, "name", value.String("Bob"))))),
	)

	out := fmt.Sprintf("filter:  %s\ninverse: %s\nkey:     %s\n", f, f.Inverse(), f.Key())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "filter_rendering", []byte(out))
}

func second(_ Filter, err error) error { return err }
