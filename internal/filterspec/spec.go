// Package filterspec builds filters from declarative YAML specs and from
// one-line text expressions such as "age >= 20" or "city in [Oslo, Rome]".
package filterspec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Operators accepted in Spec.Op and in text expressions.
const (
	OpEq      = "=="
	OpNeq     = "!="
	OpGt      = ">"
	OpGte     = ">="
	OpLt      = "<"
	OpLte     = "<="
	OpIn      = "in"
	OpNotIn   = "not in"
	OpIsNull  = "is null"
	OpNotNull = "is not null"
)

var compareOps = map[string]filter.Op{
	OpEq:  filter.EQ,
	"=":   filter.EQ,
	OpNeq: filter.NEQ,
	OpGt:  filter.GT,
	OpGte: filter.GTE,
	OpLt:  filter.LT,
	OpLte: filter.LTE,
}

// Types resolves relation targets. *meta.Registry satisfies it.
type Types interface {
	MetaFor(name string) (*meta.EntityMeta, bool)
}

// Spec is one filter node. Exactly one form is set: All, Any, Not, IDs, a
// Property test or a Relation test. The zero Spec matches everything.
//
//	all:
//	  - {property: age, op: ">=", value: 20}
//	  - not: {property: city, op: is null}
//	  - relation: employer
//	    where: {property: name, op: "==", value: Acme}
type Spec struct {
	All []Spec `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Spec `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Spec  `yaml:"not,omitempty" json:"not,omitempty"`
	IDs []any  `yaml:"ids,omitempty" json:"ids,omitempty"`

	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	Op       string `yaml:"op,omitempty" json:"op,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []any  `yaml:"values,omitempty" json:"values,omitempty"`

	// Relation matches entities with at least one related entity matching Where.
	Relation string `yaml:"relation,omitempty" json:"relation,omitempty"`
	Where    *Spec  `yaml:"where,omitempty" json:"where,omitempty"`
}

// Build compiles s into a filter over m. types resolves relation targets and
// may be nil when s has no relation tests.
func (s Spec) Build(m *meta.EntityMeta, types Types) (filter.Filter, error) {
	forms := 0
	for _, set := range []bool{s.All != nil, s.Any != nil, s.Not != nil, s.IDs != nil, s.Property != "", s.Relation != ""} {
		if set {
			forms++
		}
	}
	if forms > 1 {
		return nil, errors.New("filter spec sets more than one of all, any, not, ids, property, relation")
	}

	switch {
	case s.All != nil:
		return s.combine(m, types, s.All, filter.NewAnd)
	case s.Any != nil:
		return s.combine(m, types, s.Any, filter.NewOr)
	case s.Not != nil:
		inner, err := s.Not.Build(m, types)
		if err != nil {
			return nil, err
		}
		return inner.Inverse(), nil
	case s.IDs != nil:
		ids, err := coerceAll(m.IDProperty(), s.IDs)
		if err != nil {
			return nil, err
		}
		return filter.IDs(m, ids...), nil
	case s.Property != "":
		return s.property(m)
	case s.Relation != "":
		return s.relation(m, types)
	default:
		return filter.All(m), nil
	}
}

func (s Spec) combine(m *meta.EntityMeta, types Types, specs []Spec, join func(...filter.Filter) (filter.Filter, error)) (filter.Filter, error) {
	if len(specs) == 0 {
		return filter.All(m), nil
	}
	operands := make([]filter.Filter, len(specs))
	for i, sub := range specs {
		f, err := sub.Build(m, types)
		if err != nil {
			return nil, err
		}
		operands[i] = f
	}
	return join(operands...)
}

func (s Spec) property(m *meta.EntityMeta) (filter.Filter, error) {
	p, ok := m.Property(s.Property)
	if !ok {
		return nil, &filter.Error{Code: filter.ErrCodeUnknownProperty, Message: "unknown property", Entity: m.Name(), Property: s.Property}
	}
	op := strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(s.Op, "_", " ")), " "))
	switch op {
	case OpIsNull:
		return filter.IsNull(m, s.Property)
	case OpNotNull, "not null":
		return filter.IsNotNull(m, s.Property)
	case OpIn, OpNotIn:
		vals, err := coerceAll(p, s.Values)
		if err != nil {
			return nil, err
		}
		if op == OpIn {
			return filter.In(m, s.Property, vals...)
		}
		return filter.NotIn(m, s.Property, vals...)
	}
	cop, ok := compareOps[op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q for property %s", s.Op, s.Property)
	}
	v, err := coerce(p, s.Value)
	if err != nil {
		return nil, err
	}
	return filter.Compare(m, s.Property, cop, v)
}

func (s Spec) relation(m *meta.EntityMeta, types Types) (filter.Filter, error) {
	p, ok := m.Property(s.Relation)
	if !ok || !p.IsRelation() {
		return nil, &filter.Error{Code: filter.ErrCodeInvalidOperand, Message: "property is not a relation", Entity: m.Name(), Property: s.Relation}
	}
	if types == nil {
		return nil, fmt.Errorf("relation %s: no types to resolve %s", s.Relation, p.Target)
	}
	target, ok := types.MetaFor(p.Target)
	if !ok {
		return nil, fmt.Errorf("relation %s: unknown target type %s", s.Relation, p.Target)
	}
	var where Spec
	if s.Where != nil {
		where = *s.Where
	}
	nested, err := where.Build(target, types)
	if err != nil {
		return nil, fmt.Errorf("relation %s: %w", s.Relation, err)
	}
	return filter.Any(m, s.Relation, nested)
}

// coerce converts a decoded scalar to a value fitting p. Null passes through.
func coerce(p *meta.Property, raw any) (value.Value, error) {
	v, err := value.Of(raw)
	if err != nil {
		return nil, fmt.Errorf("property %s: %w", p.Name, err)
	}
	if value.IsNull(v) {
		return value.Null{}, nil
	}
	c, err := p.Coerce(v)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func coerceAll(p *meta.Property, raw []any) ([]value.Value, error) {
	out := make([]value.Value, len(raw))
	for i, r := range raw {
		v, err := coerce(p, r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
