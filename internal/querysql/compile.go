// Package querysql compiles live-query filters and orderings to
// parameterized SQLite SQL over the entity document table.
//
// Entities are stored one row per entity:
//
//	entities(type, id, id_value, version, props)
//
// where id is the canonical key, id_value the native id and props a JSON
// object of the non-id property values. Relations live in
//
//	relations(source_type, source, relation, position, target_type, target)
//
// A compiled clause is a sound pre-filter: every entity the filter matches
// satisfies the clause. Clauses marked Exact select exactly the matches,
// which lets the store push ordering and paging into SQL. Callers still
// evaluate the filter on the loaded entities.
package querysql

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// Clause is a compiled WHERE fragment.
type Clause struct {
	SQL    string
	Params []any
	Exact  bool
}

var (
	always = Clause{SQL: "1 = 1", Exact: true}
	never  = Clause{SQL: "1 = 0", Exact: true}
	// loose admits everything; used where SQL cannot express the filter.
	loose = Clause{SQL: "1 = 1", Exact: false}
)

// Statement is a compiled SELECT.
type Statement struct {
	SQL    string
	Params []any
	// Paged reports that LIMIT/OFFSET were applied in SQL. The statement
	// then reads one row past the page so the caller can detect more.
	Paged bool
}

// SQLCompiler compiles queries to parameterized SQL for SQLite.
//
// Every statement ends with a deterministic ORDER BY. Values are always
// bound as parameters, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts q into a SELECT over the given entity type names
// (q's type and its known subtypes).
func (c *SQLCompiler) Compile(q query.Query, types []string) (Statement, error) {
	if q.Meta == nil {
		return Statement{}, fmt.Errorf("cannot compile query without entity type")
	}
	if len(types) == 0 {
		types = []string{q.Meta.Name()}
	}

	where, err := c.CompileFilter(q.Filter)
	if err != nil {
		return Statement{}, fmt.Errorf("compile filter: %w", err)
	}

	var b strings.Builder
	b.WriteString("SELECT e0.type, e0.version, e0.props FROM entities e0 WHERE e0.type IN (")
	b.WriteString(placeholders(len(types)))
	b.WriteString(") AND (")
	b.WriteString(where.SQL)
	b.WriteString(")")

	params := make([]any, 0, len(types)+len(where.Params)+2)
	for _, t := range types {
		params = append(params, t)
	}
	params = append(params, where.Params...)

	order, orderParams, pushed := c.orderBy(q.Meta, q.Ordering, "e0")
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	params = append(params, orderParams...)

	stmt := Statement{}
	if where.Exact && pushed && q.Paging.Size < query.Unbounded {
		b.WriteString(" LIMIT ? OFFSET ?")
		params = append(params, q.Paging.Size+1, q.Paging.Offset)
		stmt.Paged = true
	}
	stmt.SQL = b.String()
	stmt.Params = params
	return stmt, nil
}

// orderBy renders the sort keys with the id tiebreaker. It reports false
// when SQL cannot reproduce the ordering (collated strings).
func (c *SQLCompiler) orderBy(m *meta.EntityMeta, o query.Ordering, alias string) (string, []any, bool) {
	idOrder := alias + ".id_value ASC"
	if o.Natural() {
		return idOrder, nil, true
	}
	if o.Language != "" {
		return idOrder, nil, false
	}
	parts := make([]string, 0, len(o.Keys)+1)
	var params []any
	for _, k := range o.Keys {
		p, ok := m.Property(k.Property)
		if !ok {
			return idOrder, nil, false
		}
		part := column(m, p, alias)
		params = append(params, pathParams(m, p)...)
		if p.Kind == meta.KindString {
			part += " COLLATE BINARY"
		}
		if k.Direction == query.Desc {
			part += " DESC"
		} else {
			part += " ASC"
		}
		if o.Nulls == query.NullsLast {
			part += " NULLS LAST"
		}
		parts = append(parts, part)
	}
	parts = append(parts, idOrder)
	return strings.Join(parts, ", "), params, true
}

// CompileFilter compiles f against the outermost entity alias e0.
// A nil filter compiles to the always-true clause.
func (c *SQLCompiler) CompileFilter(f filter.Filter) (Clause, error) {
	if f == nil {
		return always, nil
	}
	return c.compile(filter.Unwrap(f), 0)
}

func (c *SQLCompiler) compile(f filter.Filter, depth int) (Clause, error) {
	alias := "e" + strconv.Itoa(depth)
	switch ft := f.(type) {
	case *filter.AllFilter:
		return always, nil
	case *filter.NoneFilter:
		return never, nil
	case *filter.StaticID:
		return c.compileIDs(ft, alias), nil
	case *filter.PropertyCompare:
		return c.compileCompare(ft, alias), nil
	case *filter.PropertyNull:
		return Clause{SQL: column(ft.Meta(), ft.Property(), alias) + " IS NULL", Params: pathParams(ft.Meta(), ft.Property()), Exact: true}, nil
	case *filter.PropertyNotNull:
		return Clause{SQL: column(ft.Meta(), ft.Property(), alias) + " IS NOT NULL", Params: pathParams(ft.Meta(), ft.Property()), Exact: true}, nil
	case *filter.PropertyIn:
		return c.compileIn(ft.Meta(), ft.Property(), ft.Values(), alias, false), nil
	case *filter.PropertyNotIn:
		return c.compileIn(ft.Meta(), ft.Property(), ft.Values(), alias, true), nil
	case *filter.AndFilter:
		return c.compileJunction(ft.Operands(), " AND ", depth, always)
	case *filter.OrFilter:
		return c.compileJunction(ft.Operands(), " OR ", depth, never)
	case *filter.AnyRelation:
		return c.compileRelation(ft.Property(), ft.Nested(), depth, false)
	case *filter.NoRelation:
		return c.compileRelation(ft.Property(), ft.Nested(), depth, true)
	case *filter.Live:
		return c.compile(filter.Unwrap(ft), depth)
	default:
		return Clause{}, fmt.Errorf("unsupported filter type: %T", f)
	}
}

func (c *SQLCompiler) compileIDs(f *filter.StaticID, alias string) Clause {
	ids := f.IDs()
	if len(ids) == 0 {
		return never
	}
	params := make([]any, len(ids))
	for i, id := range ids {
		params[i] = value.Canonical(id)
	}
	return Clause{SQL: alias + ".id IN (" + placeholders(len(ids)) + ")", Params: params, Exact: true}
}

// compileCompare follows the value order in which null sorts below every
// other value: x < v and x != v hold for null x.
func (c *SQLCompiler) compileCompare(f *filter.PropertyCompare, alias string) Clause {
	m, p, v := f.Meta(), f.Property(), f.Value()
	col := column(m, p, alias)
	path := pathParams(m, p)
	exact := func(sql string, params ...any) Clause {
		return Clause{SQL: sql, Params: append(append([]any(nil), path...), params...), Exact: true}
	}
	// Repeated column references need the path bound once per reference.
	twice := func(sql string, params ...any) Clause {
		out := append(append([]any(nil), path...), path...)
		return Clause{SQL: sql, Params: append(out, params...), Exact: true}
	}

	if value.IsNull(v) {
		switch f.Op() {
		case filter.EQ, filter.LTE:
			return exact(col + " IS NULL")
		case filter.NEQ, filter.GT:
			return exact(col + " IS NOT NULL")
		case filter.GTE:
			return always
		default:
			return never
		}
	}
	param, ok := bindable(p, v)
	if !ok {
		return loose
	}
	switch f.Op() {
	case filter.EQ:
		return exact(col+" = ?", param)
	case filter.NEQ:
		return twice("("+col+" IS NULL OR "+col+" <> ?)", param)
	case filter.GT:
		return exact(col+" > ?", param)
	case filter.GTE:
		return exact(col+" >= ?", param)
	case filter.LT:
		return twice("("+col+" IS NULL OR "+col+" < ?)", param)
	case filter.LTE:
		return twice("("+col+" IS NULL OR "+col+" <= ?)", param)
	default:
		return loose
	}
}

func (c *SQLCompiler) compileIn(m *meta.EntityMeta, p *meta.Property, vals []value.Value, alias string, negate bool) Clause {
	col := column(m, p, alias)
	path := pathParams(m, p)
	var params []any
	withNull := false
	for _, v := range vals {
		if value.IsNull(v) {
			withNull = true
			continue
		}
		param, ok := bindable(p, v)
		if !ok {
			return loose
		}
		params = append(params, param)
	}

	refs := func(n int, tail []any) []any {
		out := make([]any, 0, n*len(path)+len(tail))
		for range n {
			out = append(out, path...)
		}
		return append(out, tail...)
	}

	switch {
	case len(params) == 0 && !withNull:
		if negate {
			return always
		}
		return never
	case len(params) == 0:
		if negate {
			return Clause{SQL: col + " IS NOT NULL", Params: refs(1, nil), Exact: true}
		}
		return Clause{SQL: col + " IS NULL", Params: refs(1, nil), Exact: true}
	}

	list := col + " IN (" + placeholders(len(params)) + ")"
	if negate {
		list = col + " NOT IN (" + placeholders(len(params)) + ")"
		if withNull {
			return Clause{SQL: "(" + col + " IS NOT NULL AND " + list + ")", Params: refs(2, params), Exact: true}
		}
		return Clause{SQL: "(" + col + " IS NULL OR " + list + ")", Params: refs(2, params), Exact: true}
	}
	if withNull {
		return Clause{SQL: "(" + col + " IS NULL OR " + list + ")", Params: refs(2, params), Exact: true}
	}
	return Clause{SQL: list, Params: refs(1, params), Exact: true}
}

func (c *SQLCompiler) compileJunction(operands []filter.Filter, sep string, depth int, empty Clause) (Clause, error) {
	if len(operands) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(operands))
	var params []any
	exact := true
	for _, op := range operands {
		cl, err := c.compile(op, depth)
		if err != nil {
			return Clause{}, err
		}
		parts = append(parts, "("+cl.SQL+")")
		params = append(params, cl.Params...)
		exact = exact && cl.Exact
	}
	return Clause{SQL: strings.Join(parts, sep), Params: params, Exact: exact}, nil
}

// compileRelation renders an EXISTS subquery joining the relation rows of
// the outer entity to their targets.
func (c *SQLCompiler) compileRelation(p *meta.Property, nested filter.Filter, depth int, negate bool) (Clause, error) {
	outer := "e" + strconv.Itoa(depth)
	inner := "e" + strconv.Itoa(depth+1)
	rel := "r" + strconv.Itoa(depth+1)

	nested = filter.Unwrap(nested)
	cl, err := c.compile(nested, depth+1)
	if err != nil {
		return Clause{}, err
	}
	// Related entities are materialised one level deep, so a nested
	// relation test never matches when evaluated on them.
	exact := cl.Exact && !relational(nested)
	if negate && !exact {
		return loose, nil
	}

	sql := fmt.Sprintf("EXISTS (SELECT 1 FROM relations %[1]s JOIN entities %[2]s ON %[2]s.type = %[1]s.target_type AND %[2]s.id = %[1]s.target"+
		" WHERE %[1]s.source_type = %[3]s.type AND %[1]s.source = %[3]s.id AND %[1]s.relation = ? AND (%[4]s))",
		rel, inner, outer, cl.SQL)
	if negate {
		sql = "NOT " + sql
	}
	params := append([]any{p.Name}, cl.Params...)
	return Clause{SQL: sql, Params: params, Exact: exact}, nil
}

func relational(f filter.Filter) bool {
	switch ft := filter.Unwrap(f).(type) {
	case *filter.AnyRelation, *filter.NoRelation:
		return true
	case *filter.AndFilter:
		return slices.ContainsFunc(ft.Operands(), relational)
	case *filter.OrFilter:
		return slices.ContainsFunc(ft.Operands(), relational)
	default:
		return false
	}
}

// column returns the SQL expression reading p on the entity alias. Value
// properties read through json_extract with the path bound as a parameter.
func column(m *meta.EntityMeta, p *meta.Property, alias string) string {
	if isID(m, p) {
		return alias + ".id_value"
	}
	return "json_extract(" + alias + ".props, ?)"
}

func pathParams(m *meta.EntityMeta, p *meta.Property) []any {
	if isID(m, p) {
		return nil
	}
	return []any{JSONPath(p.Name)}
}

func isID(m *meta.EntityMeta, p *meta.Property) bool {
	return m.IDProperty() != nil && p.Name == m.IDProperty().Name
}

// JSONPath returns the SQLite JSON path of a top-level property.
func JSONPath(name string) string {
	return `$."` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}

// bindable converts v to a driver parameter when SQLite compares it the
// same way the value order does for properties of p's kind.
func bindable(p *meta.Property, v value.Value) (any, bool) {
	switch p.Kind {
	case meta.KindString:
		if s, ok := v.(value.String); ok {
			return string(s), true
		}
	case meta.KindInt, meta.KindFloat:
		switch n := v.(type) {
		case value.Int:
			return int64(n), true
		case value.Float:
			return float64(n), true
		}
	case meta.KindBool:
		if b, ok := v.(value.Bool); ok {
			return bool(b), true
		}
	}
	return nil, false
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
