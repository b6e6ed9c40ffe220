package filter

import (
	"fmt"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Op is a comparison operator.
type Op int

const (
	EQ Op = iota + 1
	NEQ
	GT
	GTE
	LT
	LTE
)

func (o Op) String() string {
	switch o {
	case EQ:
		return "=="
	case NEQ:
		return "!="
	case GT:
		return ">"
	case GTE:
		return ">="
	case LT:
		return "<"
	case LTE:
		return "<="
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Negate returns the operator matching exactly the complement.
func (o Op) Negate() Op {
	switch o {
	case EQ:
		return NEQ
	case NEQ:
		return EQ
	case GT:
		return LTE
	case GTE:
		return LT
	case LT:
		return GTE
	case LTE:
		return GT
	default:
		return o
	}
}

// Eval applies the operator to a Compare result.
func (o Op) Eval(cmp int) bool {
	switch o {
	case EQ:
		return cmp == 0
	case NEQ:
		return cmp != 0
	case GT:
		return cmp > 0
	case GTE:
		return cmp >= 0
	case LT:
		return cmp < 0
	case LTE:
		return cmp <= 0
	default:
		return false
	}
}

// StaticID matches entities whose id is in a fixed set.
type StaticID struct {
	meta *meta.EntityMeta
	ids  []value.Value
}

// IDs creates a static id filter.
func IDs(m *meta.EntityMeta, ids ...value.Value) *StaticID {
	return &StaticID{meta: m, ids: sortedUnique(ids)}
}

// IDs returns the sorted id set.
func (f *StaticID) IDs() []value.Value { return append([]value.Value(nil), f.ids...) }

func (f *StaticID) Meta() *meta.EntityMeta { return f.meta }
func (f *StaticID) Matches(e meta.Entity) bool {
	return contains(f.ids, e.ID())
}
func (f *StaticID) MatchesValues(values map[string]value.Value) bool {
	return contains(f.ids, lookup(values, f.meta.IDProperty().Name))
}
func (f *StaticID) Inverse() Filter {
	return &PropertyNotIn{meta: f.meta, prop: f.meta.IDProperty(), values: f.ids}
}
func (f *StaticID) Key() string    { return "id[" + canonicalList(f.ids) + "]" }
func (f *StaticID) String() string { return "id in " + formatList(f.ids) }
func (*StaticID) filterNode()      {}

// PropertyCompare compares a property with a value.
type PropertyCompare struct {
	meta  *meta.EntityMeta
	prop  *meta.Property
	op    Op
	value value.Value
}

// Compare creates a property comparison filter.
func Compare(m *meta.EntityMeta, prop string, op Op, v value.Value) (Filter, error) {
	p, err := property(m, prop)
	if err != nil {
		return nil, err
	}
	if p.IsRelation() {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "cannot compare a relation; use Any", Entity: m.Name(), Property: prop}
	}
	if op < EQ || op > LTE {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "unknown operator " + op.String(), Entity: m.Name(), Property: prop}
	}
	if v == nil {
		v = value.Null{}
	}
	return &PropertyCompare{meta: m, prop: p, op: op, value: v}, nil
}

// Eq creates prop == v.
func Eq(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, EQ, v)
}

// Neq creates prop != v.
func Neq(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, NEQ, v)
}

// Gt creates prop > v.
func Gt(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, GT, v)
}

// Gte creates prop >= v.
func Gte(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, GTE, v)
}

// Lt creates prop < v.
func Lt(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, LT, v)
}

// Lte creates prop <= v.
func Lte(m *meta.EntityMeta, prop string, v value.Value) (Filter, error) {
	return Compare(m, prop, LTE, v)
}

// Property returns the compared property.
func (f *PropertyCompare) Property() *meta.Property { return f.prop }

// Op returns the operator.
func (f *PropertyCompare) Op() Op { return f.op }

// Value returns the operand.
func (f *PropertyCompare) Value() value.Value { return f.value }

func (f *PropertyCompare) Meta() *meta.EntityMeta { return f.meta }
func (f *PropertyCompare) Matches(e meta.Entity) bool {
	return f.op.Eval(value.Compare(f.prop.Get(e), f.value))
}
func (f *PropertyCompare) MatchesValues(values map[string]value.Value) bool {
	return f.op.Eval(value.Compare(lookup(values, f.prop.Name), f.value))
}
func (f *PropertyCompare) Inverse() Filter {
	return &PropertyCompare{meta: f.meta, prop: f.prop, op: f.op.Negate(), value: f.value}
}
func (f *PropertyCompare) Key() string {
	return "cmp(" + f.prop.Name + f.op.String() + value.Canonical(f.value) + ")"
}
func (f *PropertyCompare) String() string {
	return f.prop.Name + " " + f.op.String() + " " + value.Format(f.value)
}
func (*PropertyCompare) filterNode() {}

// PropertyNull matches entities whose property is null.
type PropertyNull struct {
	meta *meta.EntityMeta
	prop *meta.Property
}

// IsNull creates prop is null.
func IsNull(m *meta.EntityMeta, prop string) (Filter, error) {
	p, err := property(m, prop)
	if err != nil {
		return nil, err
	}
	return &PropertyNull{meta: m, prop: p}, nil
}

// Property returns the tested property.
func (f *PropertyNull) Property() *meta.Property { return f.prop }

func (f *PropertyNull) Meta() *meta.EntityMeta { return f.meta }
func (f *PropertyNull) Matches(e meta.Entity) bool {
	return value.IsNull(f.prop.Get(e))
}
func (f *PropertyNull) MatchesValues(values map[string]value.Value) bool {
	return value.IsNull(lookup(values, f.prop.Name))
}
func (f *PropertyNull) Inverse() Filter {
	return &PropertyNotNull{meta: f.meta, prop: f.prop}
}
func (f *PropertyNull) Key() string    { return "null(" + f.prop.Name + ")" }
func (f *PropertyNull) String() string { return f.prop.Name + " is null" }
func (*PropertyNull) filterNode()      {}

// PropertyNotNull matches entities whose property is set.
type PropertyNotNull struct {
	meta *meta.EntityMeta
	prop *meta.Property
}

// IsNotNull creates prop is not null.
func IsNotNull(m *meta.EntityMeta, prop string) (Filter, error) {
	p, err := property(m, prop)
	if err != nil {
		return nil, err
	}
	return &PropertyNotNull{meta: m, prop: p}, nil
}

// Property returns the tested property.
func (f *PropertyNotNull) Property() *meta.Property { return f.prop }

func (f *PropertyNotNull) Meta() *meta.EntityMeta { return f.meta }
func (f *PropertyNotNull) Matches(e meta.Entity) bool {
	return !value.IsNull(f.prop.Get(e))
}
func (f *PropertyNotNull) MatchesValues(values map[string]value.Value) bool {
	return !value.IsNull(lookup(values, f.prop.Name))
}
func (f *PropertyNotNull) Inverse() Filter {
	return &PropertyNull{meta: f.meta, prop: f.prop}
}
func (f *PropertyNotNull) Key() string    { return "notnull(" + f.prop.Name + ")" }
func (f *PropertyNotNull) String() string { return f.prop.Name + " is not null" }
func (*PropertyNotNull) filterNode()      {}

// PropertyIn matches entities whose property value is one of a set.
type PropertyIn struct {
	meta   *meta.EntityMeta
	prop   *meta.Property
	values []value.Value
}

// In creates prop in values.
func In(m *meta.EntityMeta, prop string, values ...value.Value) (Filter, error) {
	p, err := property(m, prop)
	if err != nil {
		return nil, err
	}
	if p.IsRelation() {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "cannot test a relation with in; use Any", Entity: m.Name(), Property: prop}
	}
	return &PropertyIn{meta: m, prop: p, values: sortedUnique(values)}, nil
}

// Property returns the tested property.
func (f *PropertyIn) Property() *meta.Property { return f.prop }

// Values returns the sorted value set.
func (f *PropertyIn) Values() []value.Value { return append([]value.Value(nil), f.values...) }

func (f *PropertyIn) Meta() *meta.EntityMeta { return f.meta }
func (f *PropertyIn) Matches(e meta.Entity) bool {
	return contains(f.values, f.prop.Get(e))
}
func (f *PropertyIn) MatchesValues(values map[string]value.Value) bool {
	return contains(f.values, lookup(values, f.prop.Name))
}
func (f *PropertyIn) Inverse() Filter {
	return &PropertyNotIn{meta: f.meta, prop: f.prop, values: f.values}
}
func (f *PropertyIn) Key() string    { return "in(" + f.prop.Name + ":" + canonicalList(f.values) + ")" }
func (f *PropertyIn) String() string { return f.prop.Name + " in " + formatList(f.values) }
func (*PropertyIn) filterNode()      {}

// PropertyNotIn matches entities whose property value is not in a set.
type PropertyNotIn struct {
	meta   *meta.EntityMeta
	prop   *meta.Property
	values []value.Value
}

// NotIn creates prop not in values.
func NotIn(m *meta.EntityMeta, prop string, values ...value.Value) (Filter, error) {
	p, err := property(m, prop)
	if err != nil {
		return nil, err
	}
	if p.IsRelation() {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "cannot test a relation with not in; use Any", Entity: m.Name(), Property: prop}
	}
	return &PropertyNotIn{meta: m, prop: p, values: sortedUnique(values)}, nil
}

// Property returns the tested property.
func (f *PropertyNotIn) Property() *meta.Property { return f.prop }

// Values returns the sorted value set.
func (f *PropertyNotIn) Values() []value.Value { return append([]value.Value(nil), f.values...) }

func (f *PropertyNotIn) Meta() *meta.EntityMeta { return f.meta }
func (f *PropertyNotIn) Matches(e meta.Entity) bool {
	return !contains(f.values, f.prop.Get(e))
}
func (f *PropertyNotIn) MatchesValues(values map[string]value.Value) bool {
	return !contains(f.values, lookup(values, f.prop.Name))
}
func (f *PropertyNotIn) Inverse() Filter {
	return &PropertyIn{meta: f.meta, prop: f.prop, values: f.values}
}
func (f *PropertyNotIn) Key() string    { return "notin(" + f.prop.Name + ":" + canonicalList(f.values) + ")" }
func (f *PropertyNotIn) String() string { return f.prop.Name + " not in " + formatList(f.values) }
func (*PropertyNotIn) filterNode()      {}
