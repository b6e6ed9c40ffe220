package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

func people(u *testutil.Universe) []meta.Entity {
	return testutil.Entities(
		u.NewPerson("p1", "Dora", 40, "Oslo"),
		u.NewPerson("p2", "Ann", 31, ""),
		u.NewPerson("p3", "Cy", -1, "Rome"),
		u.NewPerson("p4", "Bob", 31, "Oslo"),
		u.NewPerson("p5", "Eve", 25, "Rome"),
	)
}

func TestPaging_NextPrev(t *testing.T) {
	p := query.Paging{Offset: 2, Size: 5}
	assert.Equal(t, query.Paging{Offset: 7, Size: 5}, p.Next())
	assert.Equal(t, query.Paging{Offset: 0, Size: 5}, p.Prev())
	assert.Equal(t, query.Paging{Offset: 0, Size: 5}, p.Prev().Prev())
	assert.Equal(t, query.Unbounded, query.Paging{Offset: 3, Size: query.Unbounded}.End())
}

func TestOrdering_NaturalComparesEqual(t *testing.T) {
	u := testutil.NewUniverse()
	cmp := query.Ordering{}.Comparator(u.Person)
	ps := people(u)
	assert.Zero(t, cmp(ps[0], ps[1]))
	assert.Equal(t, "natural", query.Ordering{}.String())
}

func TestOrdering_TieBreakByID(t *testing.T) {
	u := testutil.NewUniverse()
	q := query.New(u.Person, nil, 10).WithOrdering(query.OrderBy("age", query.Desc))

	page := query.Apply(q, people(u))
	assert.Equal(t, []string{"p1", "p2", "p4", "p5", "p3"}, testutil.IDStrings(page.Entities))
}

func TestOrdering_NullsLast(t *testing.T) {
	u := testutil.NewUniverse()
	o := query.OrderBy("age", query.Asc)
	o.Nulls = query.NullsLast

	page := query.Apply(query.New(u.Person, nil, 10).WithOrdering(o), people(u))
	assert.Equal(t, []string{"p5", "p2", "p4", "p1", "p3"}, testutil.IDStrings(page.Entities))

	o.Nulls = query.NullsFirst
	page = query.Apply(query.New(u.Person, nil, 10).WithOrdering(o), people(u))
	assert.Equal(t, "p3", testutil.IDStrings(page.Entities)[0])
}

func TestOrdering_Collation(t *testing.T) {
	u := testutil.NewUniverse()
	es := testutil.Entities(
		u.Named("a", "zebra"),
		u.Named("b", "Apple"),
		u.Named("c", "éclair"),
	)

	bytewise := query.Apply(query.New(u.Person, nil, 10).WithOrdering(query.OrderBy("name", query.Asc)), es)
	assert.Equal(t, []string{"Apple", "zebra", "éclair"}, testutil.Names(bytewise.Entities))

	o := query.OrderBy("name", query.Asc)
	o.Language = "en"
	collated := query.Apply(query.New(u.Person, nil, 10).WithOrdering(o), es)
	assert.Equal(t, []string{"Apple", "éclair", "zebra"}, testutil.Names(collated.Entities))
}

func TestApply_FilterSortPage(t *testing.T) {
	u := testutil.NewUniverse()
	f := filter.Must(filter.Gt(u.Person, "age", value.Int(26)))
	q := query.New(u.Person, f, 2).WithOrdering(query.OrderBy("name", query.Asc))

	first := query.Apply(q, people(u))
	assert.Equal(t, []string{"Ann", "Bob"}, testutil.Names(first.Entities))
	assert.True(t, first.More)

	second := query.Apply(q.WithPaging(q.Paging.Next()), people(u))
	assert.Equal(t, []string{"Dora"}, testutil.Names(second.Entities))
	assert.False(t, second.More)

	beyond := query.Apply(q.WithPaging(query.Paging{Offset: 10, Size: 2}), people(u))
	assert.Zero(t, beyond.Len())
	assert.False(t, beyond.More)
}

func TestQuery_Validate(t *testing.T) {
	u := testutil.NewUniverse()

	require.NoError(t, query.New(u.Person, nil, 5).Validate())

	err := query.New(u.Person, filter.All(u.Company), 5).Validate()
	assert.True(t, query.IsQueryError(err))

	err = query.New(u.Person, nil, 5).WithOrdering(query.OrderBy("friends", query.Asc)).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot order by relation")

	err = query.New(u.Person, nil, 5).WithOrdering(query.OrderBy("nope", query.Asc)).Validate()
	assert.Contains(t, err.Error(), "unknown ordering property")

	err = query.New(u.Person, nil, 5).WithPaging(query.Paging{Offset: -1, Size: 5}).Validate()
	assert.Error(t, err)
}

func TestErrors(t *testing.T) {
	err := error(&query.Error{Code: query.ErrCodeTimeout, Message: "retrieve", Store: "a"})
	assert.True(t, query.IsTimeout(err))
	assert.False(t, query.IsNoStore(err))
	assert.Equal(t, "query TIMEOUT: retrieve (store=a)", err.Error())
}

func TestParseOrdering(t *testing.T) {
	tests := []struct {
		in   string
		want query.Ordering
	}{
		{"", query.Ordering{}},
		{"age", query.OrderBy("age", query.Asc)},
		{"age desc, name", query.OrderBy("age", query.Desc, "name", query.Asc)},
		{"age:DESC,name:asc", query.OrderBy("age", query.Desc, "name", query.Asc)},
		{"city asc nulls last", query.Ordering{Keys: []query.SortKey{{Property: "city"}}, Nulls: query.NullsLast}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := query.ParseOrdering(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"age sideways", "age asc extra", "age nulls middle"} {
		_, err := query.ParseOrdering(bad)
		assert.True(t, query.IsQueryError(err), bad)
	}
}
