package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/testutil"
	"github.com/svd27/ki/internal/value"
)

const (
	namePath = `$."name"`
	agePath  = `$."age"`
	cityPath = `$."city"`
)

func TestCompileFilter_Leaves(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	c := NewSQLCompiler()

	tests := []struct {
		name   string
		f      filter.Filter
		sql    string
		params []any
		exact  bool
	}{
		{
			name:   "equals",
			f:      filter.Must(filter.Eq(m, "name", value.String("Ann"))),
			sql:    "json_extract(e0.props, ?) = ?",
			params: []any{namePath, "Ann"},
			exact:  true,
		},
		{
			name:   "less than admits null",
			f:      filter.Must(filter.Lt(m, "age", value.Int(30))),
			sql:    "(json_extract(e0.props, ?) IS NULL OR json_extract(e0.props, ?) < ?)",
			params: []any{agePath, agePath, int64(30)},
			exact:  true,
		},
		{
			name:   "greater than excludes null",
			f:      filter.Must(filter.Gt(m, "age", value.Int(30))),
			sql:    "json_extract(e0.props, ?) > ?",
			params: []any{agePath, int64(30)},
			exact:  true,
		},
		{
			name:   "not equal admits null",
			f:      filter.Must(filter.Neq(m, "city", value.String("Oslo"))),
			sql:    "(json_extract(e0.props, ?) IS NULL OR json_extract(e0.props, ?) <> ?)",
			params: []any{cityPath, cityPath, "Oslo"},
			exact:  true,
		},
		{
			name:   "equals null",
			f:      filter.Must(filter.Eq(m, "age", value.Null{})),
			sql:    "json_extract(e0.props, ?) IS NULL",
			params: []any{agePath},
			exact:  true,
		},
		{
			name:   "is not null",
			f:      filter.Must(filter.IsNotNull(m, "city")),
			sql:    "json_extract(e0.props, ?) IS NOT NULL",
			params: []any{cityPath},
			exact:  true,
		},
		{
			name:   "ids use the canonical key",
			f:      filter.IDs(m, value.String("p2"), value.String("p1")),
			sql:    "e0.id IN (?, ?)",
			params: []any{`s:"p1"`, `s:"p2"`},
			exact:  true,
		},
		{
			name:   "id property compares the native id",
			f:      filter.Must(filter.Gte(m, "id", value.String("p3"))),
			sql:    "e0.id_value >= ?",
			params: []any{"p3"},
			exact:  true,
		},
		{
			name:   "in with null",
			f:      filter.Must(filter.In(m, "city", value.String("Oslo"), value.Null{})),
			sql:    "(json_extract(e0.props, ?) IS NULL OR json_extract(e0.props, ?) IN (?))",
			params: []any{cityPath, cityPath, "Oslo"},
			exact:  true,
		},
		{
			name:   "not in admits null",
			f:      filter.Must(filter.NotIn(m, "city", value.String("Oslo"), value.String("Rome"))),
			sql:    "(json_extract(e0.props, ?) IS NULL OR json_extract(e0.props, ?) NOT IN (?, ?))",
			params: []any{cityPath, cityPath, "Oslo", "Rome"},
			exact:  true,
		},
		{
			name:  "kind mismatch falls back to a loose clause",
			f:     filter.Must(filter.Gt(m, "name", value.Int(3))),
			sql:   "1 = 1",
			exact: false,
		},
		{
			name:  "none",
			f:     filter.None(m),
			sql:   "1 = 0",
			exact: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl, err := c.CompileFilter(tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, cl.SQL)
			assert.Equal(t, tt.params, cl.Params)
			assert.Equal(t, tt.exact, cl.Exact)
		})
	}
}

func TestCompileFilter_Junctions(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	c := NewSQLCompiler()

	ann := filter.Must(filter.Eq(m, "name", value.String("Ann")))
	noCity := filter.Must(filter.IsNull(m, "city"))
	loose := filter.Must(filter.Gt(m, "name", value.Int(3)))

	cl, err := c.CompileFilter(filter.And(ann, noCity))
	require.NoError(t, err)
	assert.Equal(t, "(json_extract(e0.props, ?) = ?) AND (json_extract(e0.props, ?) IS NULL)", cl.SQL)
	assert.Equal(t, []any{namePath, "Ann", cityPath}, cl.Params)
	assert.True(t, cl.Exact)

	cl, err = c.CompileFilter(filter.Or(ann, loose))
	require.NoError(t, err)
	assert.Equal(t, "(json_extract(e0.props, ?) = ?) OR (1 = 1)", cl.SQL)
	assert.False(t, cl.Exact)
}

func TestCompileFilter_Relations(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	c := NewSQLCompiler()

	bob := filter.Must(filter.Eq(m, "name", value.String("Bob")))
	knowsBob := filter.Must(filter.Any(m, "friends", bob))

	want := "EXISTS (SELECT 1 FROM relations r1 JOIN entities e1 ON e1.type = r1.target_type AND e1.id = r1.target" +
		" WHERE r1.source_type = e0.type AND r1.source = e0.id AND r1.relation = ? AND (json_extract(e1.props, ?) = ?))"

	cl, err := c.CompileFilter(knowsBob)
	require.NoError(t, err)
	assert.Equal(t, want, cl.SQL)
	assert.Equal(t, []any{"friends", namePath, "Bob"}, cl.Params)
	assert.True(t, cl.Exact)

	cl, err = c.CompileFilter(knowsBob.Inverse())
	require.NoError(t, err)
	assert.Equal(t, "NOT "+want, cl.SQL)
	assert.True(t, cl.Exact)

	// Two levels deep cannot be decided on one-level materialisation.
	deep := filter.Must(filter.Any(m, "friends", knowsBob))
	cl, err = c.CompileFilter(deep)
	require.NoError(t, err)
	assert.Contains(t, cl.SQL, "r2.relation = ?")
	assert.False(t, cl.Exact)

	cl, err = c.CompileFilter(deep.Inverse())
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", cl.SQL)
	assert.False(t, cl.Exact)
}

func TestCompile_Statement(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	c := NewSQLCompiler()
	ann := filter.Must(filter.Eq(m, "name", value.String("Ann")))

	q := query.New(m, ann, 10).
		WithOrdering(query.OrderBy("age", query.Desc, "name", query.Asc)).
		WithPaging(query.Paging{Offset: 20, Size: 10})
	stmt, err := c.Compile(q, []string{"Person"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT e0.type, e0.version, e0.props FROM entities e0"+
		" WHERE e0.type IN (?) AND (json_extract(e0.props, ?) = ?)"+
		" ORDER BY json_extract(e0.props, ?) DESC, json_extract(e0.props, ?) COLLATE BINARY ASC, e0.id_value ASC"+
		" LIMIT ? OFFSET ?", stmt.SQL)
	assert.Equal(t, []any{"Person", namePath, "Ann", agePath, namePath, 11, 20}, stmt.Params)
	assert.True(t, stmt.Paged)
	assert.NotContains(t, stmt.SQL, "Ann")
}

func TestCompile_UnpushableOrdering(t *testing.T) {
	u := testutil.NewUniverse()
	m := u.Person
	c := NewSQLCompiler()

	collated := query.OrderBy("name", query.Asc)
	collated.Language = "sv"
	stmt, err := c.Compile(query.New(m, nil, 10).WithOrdering(collated), []string{"Person", "Employee"})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "e0.type IN (?, ?)")
	assert.Contains(t, stmt.SQL, "ORDER BY e0.id_value ASC")
	assert.NotContains(t, stmt.SQL, "LIMIT")
	assert.False(t, stmt.Paged)

	stmt, err = c.Compile(query.New(m, nil, query.Unbounded), nil)
	require.NoError(t, err)
	assert.False(t, stmt.Paged)
	assert.Equal(t, []any{"Person"}, stmt.Params)

	nullsLast := query.OrderBy("city", query.Asc)
	nullsLast.Nulls = query.NullsLast
	stmt, err = c.Compile(query.New(m, nil, 5).WithOrdering(nullsLast), nil)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "COLLATE BINARY ASC NULLS LAST")
	assert.True(t, stmt.Paged)
}
