package filter

import (
	"slices"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// AndFilter matches when every operand matches. No operands: always true.
type AndFilter struct {
	meta     *meta.EntityMeta
	operands []Filter
}

// OrFilter matches when any operand matches. No operands: always false.
type OrFilter struct {
	meta     *meta.EntityMeta
	operands []Filter
}

// AllFilter matches every entity.
type AllFilter struct {
	meta *meta.EntityMeta
}

// NoneFilter matches no entity.
type NoneFilter struct {
	meta *meta.EntityMeta
}

// All creates the match-everything filter.
func All(m *meta.EntityMeta) *AllFilter { return &AllFilter{meta: m} }

// None creates the match-nothing filter.
func None(m *meta.EntityMeta) *NoneFilter { return &NoneFilter{meta: m} }

// And combines filters conjunctively. Operands that are themselves And
// filters are flattened, so And(And(a, b), c) has operands [a b c].
// A single operand is returned unchanged.
//
// Panics with *Error when operands apply to different entity types; use
// NewAnd to get the error instead.
func And(first Filter, rest ...Filter) Filter {
	f, err := NewAnd(append([]Filter{first}, rest...)...)
	if err != nil {
		panic(err)
	}
	return f
}

// Or combines filters disjunctively, flattening nested Or operands.
// Panics with *Error on mixed entity types; use NewOr to get the error instead.
func Or(first Filter, rest ...Filter) Filter {
	f, err := NewOr(append([]Filter{first}, rest...)...)
	if err != nil {
		panic(err)
	}
	return f
}

// NewAnd is the validating form of And.
func NewAnd(operands ...Filter) (Filter, error) {
	m, err := commonMeta(operands)
	if err != nil {
		return nil, err
	}
	flat := make([]Filter, 0, len(operands))
	for _, op := range operands {
		if a, ok := op.(*AndFilter); ok {
			flat = append(flat, a.operands...)
			continue
		}
		flat = append(flat, op)
	}
	if len(flat) == 1 {
		return flat[0], nil
	}
	return &AndFilter{meta: m, operands: flat}, nil
}

// NewOr is the validating form of Or.
func NewOr(operands ...Filter) (Filter, error) {
	m, err := commonMeta(operands)
	if err != nil {
		return nil, err
	}
	flat := make([]Filter, 0, len(operands))
	for _, op := range operands {
		if o, ok := op.(*OrFilter); ok {
			flat = append(flat, o.operands...)
			continue
		}
		flat = append(flat, op)
	}
	if len(flat) == 1 {
		return flat[0], nil
	}
	return &OrFilter{meta: m, operands: flat}, nil
}

func commonMeta(operands []Filter) (*meta.EntityMeta, error) {
	if len(operands) == 0 || operands[0] == nil {
		return nil, &Error{Code: ErrCodeInvalidOperand, Message: "combinator needs at least one operand"}
	}
	m := operands[0].Meta()
	for _, op := range operands[1:] {
		if op == nil {
			return nil, &Error{Code: ErrCodeInvalidOperand, Message: "nil operand", Entity: m.Name()}
		}
		if !op.Meta().Equal(m) {
			return nil, &Error{Code: ErrCodeMetaMismatch, Message: "operand applies to " + op.Meta().Name(), Entity: m.Name()}
		}
	}
	return m, nil
}

// Operands returns the conjuncts.
func (f *AndFilter) Operands() []Filter { return slices.Clone(f.operands) }

func (f *AndFilter) Meta() *meta.EntityMeta { return f.meta }
func (f *AndFilter) Matches(e meta.Entity) bool {
	for _, op := range f.operands {
		if !op.Matches(e) {
			return false
		}
	}
	return true
}
func (f *AndFilter) MatchesValues(values map[string]value.Value) bool {
	for _, op := range f.operands {
		if !op.MatchesValues(values) {
			return false
		}
	}
	return true
}
func (f *AndFilter) Inverse() Filter {
	inv := make([]Filter, len(f.operands))
	for i, op := range f.operands {
		inv[i] = op.Inverse()
	}
	return &OrFilter{meta: f.meta, operands: inv}
}
func (f *AndFilter) Key() string    { return "and(" + sortedKeys(f.operands) + ")" }
func (f *AndFilter) String() string { return joinOperands(f.operands, " && ") }
func (*AndFilter) filterNode()      {}

// Operands returns the disjuncts.
func (f *OrFilter) Operands() []Filter { return slices.Clone(f.operands) }

func (f *OrFilter) Meta() *meta.EntityMeta { return f.meta }
func (f *OrFilter) Matches(e meta.Entity) bool {
	for _, op := range f.operands {
		if op.Matches(e) {
			return true
		}
	}
	return false
}
func (f *OrFilter) MatchesValues(values map[string]value.Value) bool {
	for _, op := range f.operands {
		if op.MatchesValues(values) {
			return true
		}
	}
	return false
}
func (f *OrFilter) Inverse() Filter {
	inv := make([]Filter, len(f.operands))
	for i, op := range f.operands {
		inv[i] = op.Inverse()
	}
	return &AndFilter{meta: f.meta, operands: inv}
}
func (f *OrFilter) Key() string    { return "or(" + sortedKeys(f.operands) + ")" }
func (f *OrFilter) String() string { return joinOperands(f.operands, " || ") }
func (*OrFilter) filterNode()      {}

func (f *AllFilter) Meta() *meta.EntityMeta                    { return f.meta }
func (f *AllFilter) Matches(meta.Entity) bool                  { return true }
func (f *AllFilter) MatchesValues(map[string]value.Value) bool { return true }
func (f *AllFilter) Inverse() Filter                           { return &NoneFilter{meta: f.meta} }
func (f *AllFilter) Key() string                               { return "all" }
func (f *AllFilter) String() string                            { return "true" }
func (*AllFilter) filterNode()                                 {}

func (f *NoneFilter) Meta() *meta.EntityMeta                    { return f.meta }
func (f *NoneFilter) Matches(meta.Entity) bool                  { return false }
func (f *NoneFilter) MatchesValues(map[string]value.Value) bool { return false }
func (f *NoneFilter) Inverse() Filter                           { return &AllFilter{meta: f.meta} }
func (f *NoneFilter) Key() string                               { return "none" }
func (f *NoneFilter) String() string                            { return "false" }
func (*NoneFilter) filterNode()                                 {}

func sortedKeys(operands []Filter) string {
	keys := make([]string, len(operands))
	for i, op := range operands {
		keys[i] = op.Key()
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

func joinOperands(operands []Filter, sep string) string {
	parts := make([]string, len(operands))
	for i, op := range operands {
		parts[i] = op.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
