package filter

import (
	"slices"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// DomainFilter is the hash domain for filter identity.
const DomainFilter = "ki/filter/v1"

// Filter is an immutable predicate over entities of one type.
type Filter interface {
	// Meta returns the entity type the filter applies to.
	Meta() *meta.EntityMeta
	// Matches evaluates the filter against a full entity.
	Matches(e meta.Entity) bool
	// MatchesValues evaluates the filter against a partial value map.
	// Absent properties read as null.
	MatchesValues(values map[string]value.Value) bool
	// Inverse returns the logical negation.
	Inverse() Filter
	// Key returns the canonical form: operand trees sorted, values canonical.
	Key() string
	String() string
	filterNode() // Marker method - seals interface to this package
}

// Equal reports whether two filters are semantically equal, i.e. apply to
// the same type and have structurally equal canonical operand trees.
func Equal(a, b Filter) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Meta().Equal(b.Meta()) && a.Key() == b.Key()
}

// Hash returns a stable content hash of the filter's canonical form.
func Hash(f Filter) string {
	return value.Hash(DomainFilter, []byte(f.Meta().Name()+":"+f.Key()))
}

// Unwrap strips Live wrappers.
func Unwrap(f Filter) Filter {
	for {
		l, ok := f.(*Live)
		if !ok {
			return f
		}
		f = l.inner
	}
}

// Touched returns the sorted names of the properties a filter reads on its
// own entity type. Nested relation filters contribute the relation property only.
func Touched(f Filter) []string {
	set := make(map[string]struct{})
	collectTouched(f, set)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func collectTouched(f Filter, set map[string]struct{}) {
	switch ft := f.(type) {
	case *StaticID:
		set[ft.meta.IDProperty().Name] = struct{}{}
	case *PropertyCompare:
		set[ft.prop.Name] = struct{}{}
	case *PropertyNull:
		set[ft.prop.Name] = struct{}{}
	case *PropertyNotNull:
		set[ft.prop.Name] = struct{}{}
	case *PropertyIn:
		set[ft.prop.Name] = struct{}{}
	case *PropertyNotIn:
		set[ft.prop.Name] = struct{}{}
	case *AnyRelation:
		set[ft.prop.Name] = struct{}{}
	case *NoRelation:
		set[ft.prop.Name] = struct{}{}
	case *AndFilter:
		for _, op := range ft.operands {
			collectTouched(op, set)
		}
	case *OrFilter:
		for _, op := range ft.operands {
			collectTouched(op, set)
		}
	case *Live:
		collectTouched(ft.inner, set)
	case *AllFilter, *NoneFilter:
	}
}

// lookup reads a property from a partial value map.
func lookup(values map[string]value.Value, name string) value.Value {
	if v, ok := values[name]; ok && v != nil {
		return v
	}
	return value.Null{}
}

// sortedUnique sorts values and drops duplicates.
func sortedUnique(vals []value.Value) []value.Value {
	out := slices.Clone(vals)
	slices.SortFunc(out, value.Compare)
	return slices.CompactFunc(out, value.Equal)
}

func contains(sorted []value.Value, v value.Value) bool {
	_, found := slices.BinarySearchFunc(sorted, v, value.Compare)
	return found
}

func canonicalList(vals []value.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = value.Canonical(v)
	}
	return strings.Join(parts, ",")
}

func formatList(vals []value.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = value.Format(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func property(m *meta.EntityMeta, name string) (*meta.Property, error) {
	p, ok := m.Property(name)
	if !ok {
		return nil, &Error{Code: ErrCodeUnknownProperty, Message: "property not declared", Entity: m.Name(), Property: name}
	}
	return p, nil
}

// Must is a helper that panics when err is non-nil.
// Use only in tests or when inputs are known to be valid.
func Must(f Filter, err error) Filter {
	if err != nil {
		panic(err)
	}
	return f
}
