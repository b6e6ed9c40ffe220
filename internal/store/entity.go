package store

import (
	"slices"
	"strings"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Key returns the storage key of an id.
func Key(id value.Value) string {
	return value.Canonical(id)
}

// Snapshot copies the non-relation property values of e into a fresh
// record, coercing every value to its property kind. Unset nullable
// properties become null; unset required properties fail.
func Snapshot(m *meta.EntityMeta, e meta.Entity) (*meta.Record, error) {
	id, err := m.IDProperty().Coerce(e.ID())
	if err != nil {
		return nil, Invalid(m, e.ID(), err)
	}
	r := m.New(id)
	for _, p := range m.Properties() {
		if p.IsRelation() {
			continue
		}
		v, err := p.Coerce(p.Get(e))
		if err != nil {
			return nil, Invalid(m, id, err)
		}
		r.Put(p.Name, v)
	}
	return r, nil
}

// PrepareWrite validates a property write: every name must be a mutable,
// non-relation, non-id property and every value must fit its kind.
func PrepareWrite(m *meta.EntityMeta, id value.Value, values map[string]value.Value) (map[string]value.Value, error) {
	out := make(map[string]value.Value, len(values))
	for name, v := range values {
		p, ok := m.Property(name)
		if !ok {
			return nil, Invalid(m, id, &meta.Error{Code: meta.ErrCodeUnknownProperty, Message: "unknown property", Entity: m.Name(), Property: name})
		}
		if p.IsRelation() || p == m.IDProperty() || !p.Mutable {
			return nil, Invalid(m, id, &meta.Error{Code: meta.ErrCodeInvalidDefinition, Message: "property is not writable", Entity: m.Name(), Property: name})
		}
		c, err := p.Coerce(v)
		if err != nil {
			return nil, Invalid(m, id, err)
		}
		out[name] = c
	}
	return out, nil
}

// Relation validates a relation name.
func Relation(m *meta.EntityMeta, name string) (*meta.Property, error) {
	p, ok := m.Property(name)
	if !ok || !p.IsRelation() {
		return nil, Invalid(m, nil, &meta.Error{Code: meta.ErrCodeUnknownProperty, Message: "unknown relation", Entity: m.Name(), Property: name})
	}
	return p, nil
}

// Apply returns a copy of r with values written and the changes made.
func Apply(r *meta.Record, values map[string]value.Value) (*meta.Record, []event.Change) {
	next := r.Clone()
	var changes []event.Change
	for name, v := range values {
		old := r.Get(name)
		if value.Equal(old, v) {
			continue
		}
		next.Put(name, v)
		changes = append(changes, event.Change{Property: name, Old: old})
	}
	slices.SortFunc(changes, func(a, b event.Change) int { return strings.Compare(a.Property, b.Property) })
	return next, changes
}

// ReadValues picks props (all non-relation properties when empty) from r.
func ReadValues(m *meta.EntityMeta, r *meta.Record, props []string) (map[string]value.Value, error) {
	out := make(map[string]value.Value)
	if len(props) == 0 {
		for _, p := range m.Properties() {
			if !p.IsRelation() {
				out[p.Name] = p.Get(r)
			}
		}
		return out, nil
	}
	for _, name := range props {
		p, ok := m.Property(name)
		if !ok || p.IsRelation() {
			return nil, Invalid(m, r.ID(), &meta.Error{Code: meta.ErrCodeUnknownProperty, Message: "unknown property", Entity: m.Name(), Property: name})
		}
		out[name] = p.Get(r)
	}
	return out, nil
}

// InitialVersion is the version of a freshly created entity.
func InitialVersion(m *meta.EntityMeta) int64 {
	if m.Versioned() {
		return 1
	}
	return 0
}

// NextVersion advances a version token for a write.
func NextVersion(m *meta.EntityMeta, current int64) int64 {
	if m.Versioned() {
		return current + 1
	}
	return current
}
