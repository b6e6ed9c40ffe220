package filter

import (
	"slices"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// AnyRelation matches when at least one related entity through a relation
// property matches the nested filter.
//
// Evaluation reads the related entities materialised on the entity. Raw value
// maps carry no related entities, so MatchesValues is always false.
type AnyRelation struct {
	meta   *meta.EntityMeta
	prop   *meta.Property
	nested Filter
}

// NoRelation matches when no related entity matches the nested filter.
// It is the inverse of AnyRelation.
type NoRelation struct {
	meta   *meta.EntityMeta
	prop   *meta.Property
	nested Filter
}

// Any creates a relation filter. nested must apply to the relation target type.
func Any(m *meta.EntityMeta, relation string, nested Filter) (Filter, error) {
	p, err := property(m, relation)
	if err != nil {
		return nil, err
	}
	if !p.IsRelation() {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "property is not a relation", Entity: m.Name(), Property: relation}
	}
	if nested == nil {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "nested filter is required", Entity: m.Name(), Property: relation}
	}
	if nested.Meta().Name() != p.Target {
		return nil, &Error{Code: ErrCodeMetaMismatch, Message: "nested filter applies to " + nested.Meta().Name() + ", relation targets " + p.Target, Entity: m.Name(), Property: relation}
	}
	return &AnyRelation{meta: m, prop: p, nested: nested}, nil
}

// Property returns the relation property.
func (f *AnyRelation) Property() *meta.Property { return f.prop }

// Nested returns the filter applied to related entities.
func (f *AnyRelation) Nested() Filter { return f.nested }

func (f *AnyRelation) Meta() *meta.EntityMeta { return f.meta }
func (f *AnyRelation) Matches(e meta.Entity) bool {
	for _, r := range f.prop.Related(e) {
		if f.nested.Matches(r) {
			return true
		}
	}
	return false
}
func (f *AnyRelation) MatchesValues(map[string]value.Value) bool { return false }
func (f *AnyRelation) Inverse() Filter {
	return &NoRelation{meta: f.meta, prop: f.prop, nested: f.nested}
}
func (f *AnyRelation) Key() string    { return "any(" + f.prop.Name + ":" + f.nested.Key() + ")" }
func (f *AnyRelation) String() string { return f.prop.Name + " any " + wrap(f.nested) }
func (*AnyRelation) filterNode()      {}

// Property returns the relation property.
func (f *NoRelation) Property() *meta.Property { return f.prop }

// Nested returns the filter applied to related entities.
func (f *NoRelation) Nested() Filter { return f.nested }

func (f *NoRelation) Meta() *meta.EntityMeta { return f.meta }
func (f *NoRelation) Matches(e meta.Entity) bool {
	for _, r := range f.prop.Related(e) {
		if f.nested.Matches(r) {
			return false
		}
	}
	return true
}
func (f *NoRelation) MatchesValues(map[string]value.Value) bool { return true }
func (f *NoRelation) Inverse() Filter {
	return &AnyRelation{meta: f.meta, prop: f.prop, nested: f.nested}
}
func (f *NoRelation) Key() string    { return "norel(" + f.prop.Name + ":" + f.nested.Key() + ")" }
func (f *NoRelation) String() string { return f.prop.Name + " none " + wrap(f.nested) }
func (*NoRelation) filterNode()      {}

func wrap(f Filter) string {
	switch f.(type) {
	case *AndFilter, *OrFilter:
		return f.String()
	default:
		return "(" + f.String() + ")"
	}
}

// RelationTargets returns the sorted names of the types that relation
// predicates in f read, following nested relation filters.
func RelationTargets(f Filter) []string {
	var out []string
	var walk func(Filter)
	walk = func(f Filter) {
		switch ft := f.(type) {
		case *AnyRelation:
			out = append(out, ft.prop.Target)
			walk(ft.nested)
		case *NoRelation:
			out = append(out, ft.prop.Target)
			walk(ft.nested)
		case *AndFilter:
			for _, op := range ft.operands {
				walk(op)
			}
		case *OrFilter:
			for _, op := range ft.operands {
				walk(op)
			}
		case *Live:
			walk(ft.inner)
		}
	}
	walk(f)
	slices.Sort(out)
	return slices.Compact(out)
}
