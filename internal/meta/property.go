package meta

import (
	"fmt"

	"github.com/svd27/ki/internal/value"
)

// Kind tags the value type of a property.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindRelation
)

var kindNames = map[Kind]string{
	KindString:   "string",
	KindInt:      "int",
	KindFloat:    "float",
	KindBool:     "bool",
	KindRelation: "relation",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name ("string", "int", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown property kind %q", s)
}

// Arity is the container arity of a relation property.
type Arity int

const (
	One Arity = iota + 1
	Many
)

// Property describes one property of an entity type.
//
// Get, Set and Related dispatch to closures fixed at declaration time.
type Property struct {
	Name     string
	Kind     Kind
	Nullable bool
	Mutable  bool
	// Order is the fixed comparison order used for index and tie-break decisions.
	Order  int
	Target string
	Arity  Arity

	entity  string
	get     func(Entity) value.Value
	set     func(Entity, value.Value) error
	related func(Entity) []Entity
}

// IsRelation reports whether the property references other entities.
func (p *Property) IsRelation() bool {
	return p.Kind == KindRelation
}

// Get returns the property value of e, or Null.
func (p *Property) Get(e Entity) value.Value {
	if p.get == nil || e == nil {
		return value.Null{}
	}
	if v := p.get(e); v != nil {
		return v
	}
	return value.Null{}
}

// Set validates v against the property and stores it on e.
func (p *Property) Set(e Entity, v value.Value) error {
	cv, err := p.Coerce(v)
	if err != nil {
		return err
	}
	if p.set == nil {
		return &Error{Code: ErrCodeInvalidDefinition, Message: "property has no setter", Entity: p.entity, Property: p.Name}
	}
	return p.set(e, cv)
}

// Related returns the materialised related entities of e through this property.
func (p *Property) Related(e Entity) []Entity {
	if p.related == nil || e == nil {
		return nil
	}
	return p.related(e)
}

// Coerce checks that v fits the property's kind and nullability.
// Ints are widened to Float for float properties.
func (p *Property) Coerce(v value.Value) (value.Value, error) {
	if value.IsNull(v) {
		if !p.Nullable {
			return nil, p.mismatch("null not allowed")
		}
		return value.Null{}, nil
	}

	switch p.Kind {
	case KindString:
		if _, ok := v.(value.String); ok {
			return v, nil
		}
	case KindInt:
		if _, ok := v.(value.Int); ok {
			return v, nil
		}
	case KindFloat:
		switch val := v.(type) {
		case value.Float:
			return val, nil
		case value.Int:
			return value.Float(val), nil
		}
	case KindBool:
		if _, ok := v.(value.Bool); ok {
			return v, nil
		}
	case KindRelation:
		if p.Arity == Many {
			if _, ok := v.(value.Array); ok {
				return v, nil
			}
		} else if _, ok := v.(value.Array); !ok {
			return v, nil
		}
	}
	return nil, p.mismatch(fmt.Sprintf("%s value does not fit %s property", value.Format(v), p.Kind))
}

func (p *Property) mismatch(msg string) error {
	return &Error{Code: ErrCodeTypeMismatch, Message: msg, Entity: p.entity, Property: p.Name}
}

// PropertyOption configures a property declaration.
type PropertyOption func(*Property)

// Nullable allows null values.
func Nullable() PropertyOption {
	return func(p *Property) { p.Nullable = true }
}

// Immutable forbids updates after creation.
func Immutable() PropertyOption {
	return func(p *Property) { p.Mutable = false }
}

// WithOrder overrides the comparison order (default: declaration position).
func WithOrder(order int) PropertyOption {
	return func(p *Property) { p.Order = order }
}

// WithArity sets the container arity of a relation.
func WithArity(a Arity) PropertyOption {
	return func(p *Property) { p.Arity = a }
}

// WithAccessors replaces the default Record accessors.
func WithAccessors(get func(Entity) value.Value, set func(Entity, value.Value) error) PropertyOption {
	return func(p *Property) {
		p.get = get
		p.set = set
	}
}

// WithRelated replaces the default Record related-entity accessor.
func WithRelated(fn func(Entity) []Entity) PropertyOption {
	return func(p *Property) { p.related = fn }
}
