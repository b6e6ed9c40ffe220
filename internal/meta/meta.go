package meta

import (
	"fmt"
	"slices"

	"github.com/svd27/ki/internal/value"
)

// EntityMeta is the immutable descriptor of one entity type.
// Two metas are equal when their names are equal.
type EntityMeta struct {
	name      string
	id        *Property
	parent    *EntityMeta
	versioned bool
	props     []*Property // sorted by Order, then Name
	byName    map[string]*Property
}

// Name returns the entity type name.
func (m *EntityMeta) Name() string { return m.name }

// IDProperty returns the id property descriptor.
func (m *EntityMeta) IDProperty() *Property { return m.id }

// Parent returns the parent type, or nil for a root type.
func (m *EntityMeta) Parent() *EntityMeta { return m.parent }

// Versioned reports whether entities of this type carry version tokens.
func (m *EntityMeta) Versioned() bool { return m.versioned }

// Property looks up a property by name, including inherited ones.
func (m *EntityMeta) Property(name string) (*Property, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// MustProperty is like Property but panics when the property is unknown.
// Use only in tests or when inputs are known to be valid.
func (m *EntityMeta) MustProperty(name string) *Property {
	p, ok := m.byName[name]
	if !ok {
		panic(fmt.Sprintf("meta %s: unknown property %q", m.name, name))
	}
	return p
}

// Properties returns the properties in comparison order.
func (m *EntityMeta) Properties() []*Property {
	return slices.Clone(m.props)
}

// Ancestors returns the parent chain, nearest first.
func (m *EntityMeta) Ancestors() []*EntityMeta {
	var out []*EntityMeta
	for p := m.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// IsA reports whether m is other or descends from it.
func (m *EntityMeta) IsA(other *EntityMeta) bool {
	for cur := m; cur != nil; cur = cur.parent {
		if cur.Equal(other) {
			return true
		}
	}
	return false
}

// Equal compares metas by name.
func (m *EntityMeta) Equal(other *EntityMeta) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.name == other.name
}

// New creates an empty Record of this type.
func (m *EntityMeta) New(id value.Value) *Record {
	return NewRecord(m.name, id)
}

func (m *EntityMeta) String() string { return m.name }

// Builder declares an entity type.
//
// Example:
//
//	person := meta.Define("Person").
//	    ID("id", meta.KindString).
//	    Property("name", meta.KindString).
//	    Property("age", meta.KindInt, meta.Nullable()).
//	    Relation("friends", "Person", meta.WithArity(meta.Many)).
//	    MustBuild()
type Builder struct {
	name      string
	parent    *EntityMeta
	versioned bool
	id        *Property
	props     []*Property
	errs      []string
}

// Define starts the declaration of an entity type.
func Define(name string) *Builder {
	b := &Builder{name: name}
	if name == "" {
		b.errs = append(b.errs, "entity name is required")
	}
	return b
}

// Extends sets the parent type. Inherited properties keep their descriptors.
func (b *Builder) Extends(parent *EntityMeta) *Builder {
	b.parent = parent
	return b
}

// Versioned marks the type as carrying optimistic version tokens.
func (b *Builder) Versioned() *Builder {
	b.versioned = true
	return b
}

// ID declares the id property.
func (b *Builder) ID(name string, kind Kind) *Builder {
	if kind == KindRelation {
		b.errs = append(b.errs, "id property cannot be a relation")
	}
	b.id = &Property{Name: name, Kind: kind, Order: 0}
	return b
}

// Property declares a value property.
func (b *Builder) Property(name string, kind Kind, opts ...PropertyOption) *Builder {
	if kind == KindRelation {
		b.errs = append(b.errs, fmt.Sprintf("property %q: use Relation to declare relations", name))
	}
	p := &Property{Name: name, Kind: kind, Mutable: true, Order: len(b.props) + 1}
	for _, opt := range opts {
		opt(p)
	}
	b.props = append(b.props, p)
	return b
}

// Relation declares a relation property to the target type.
func (b *Builder) Relation(name, target string, opts ...PropertyOption) *Builder {
	p := &Property{
		Name:     name,
		Kind:     KindRelation,
		Mutable:  true,
		Nullable: true,
		Order:    len(b.props) + 1,
		Target:   target,
		Arity:    One,
	}
	for _, opt := range opts {
		opt(p)
	}
	if target == "" {
		b.errs = append(b.errs, fmt.Sprintf("relation %q: target is required", name))
	}
	b.props = append(b.props, p)
	return b
}

// Build validates the declaration and returns the immutable meta.
func (b *Builder) Build() (*EntityMeta, error) {
	if len(b.errs) > 0 {
		return nil, &Error{Code: ErrCodeInvalidDefinition, Message: b.errs[0], Entity: b.name}
	}

	id := b.id
	if b.parent != nil {
		id = b.parent.id
	}
	if id == nil {
		return nil, &Error{Code: ErrCodeInvalidDefinition, Message: "id property is required", Entity: b.name}
	}

	m := &EntityMeta{
		name:      b.name,
		parent:    b.parent,
		versioned: b.versioned || (b.parent != nil && b.parent.versioned),
		byName:    make(map[string]*Property),
	}

	add := func(p *Property) error {
		if _, dup := m.byName[p.Name]; dup {
			return &Error{Code: ErrCodeInvalidDefinition, Message: "duplicate property", Entity: b.name, Property: p.Name}
		}
		m.byName[p.Name] = p
		m.props = append(m.props, p)
		return nil
	}

	if b.parent != nil {
		for _, p := range b.parent.props {
			if err := add(p); err != nil {
				return nil, err
			}
		}
	} else {
		idp := *id
		idp.entity = b.name
		idp.Mutable = false
		idp.Nullable = false
		if idp.get == nil {
			idp.get = func(e Entity) value.Value { return e.ID() }
		}
		id = &idp
		if err := add(id); err != nil {
			return nil, err
		}
	}
	m.id = m.byName[id.Name]

	for _, decl := range b.props {
		p := *decl
		p.entity = b.name
		if p.get == nil {
			p.get = recordGetter(p.Name)
		}
		if p.set == nil {
			p.set = recordSetter(p.Name)
		}
		if p.related == nil && p.Kind == KindRelation {
			p.related = recordRelated(p.Name)
		}
		if err := add(&p); err != nil {
			return nil, err
		}
	}

	slices.SortStableFunc(m.props, func(a, b *Property) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})

	return m, nil
}

// MustBuild is like Build but panics on error.
// Use only in tests or when inputs are known to be valid.
func (b *Builder) MustBuild() *EntityMeta {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

func recordGetter(name string) func(Entity) value.Value {
	return func(e Entity) value.Value {
		if r, ok := e.(*Record); ok {
			return r.Get(name)
		}
		return value.Null{}
	}
}

func recordSetter(name string) func(Entity, value.Value) error {
	return func(e Entity, v value.Value) error {
		r, ok := e.(*Record)
		if !ok {
			return fmt.Errorf("default setter for %q requires *meta.Record, got %T", name, e)
		}
		r.Put(name, v)
		return nil
	}
}

func recordRelated(name string) func(Entity) []Entity {
	return func(e Entity) []Entity {
		if r, ok := e.(*Record); ok {
			return r.Related(name)
		}
		return nil
	}
}
