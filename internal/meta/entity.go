package meta

import (
	"maps"

	"github.com/svd27/ki/internal/value"
)

// Entity is an instance of an entity type.
type Entity interface {
	// Type returns the entity type name.
	Type() string
	// ID returns the id property value.
	ID() value.Value
	// Version returns the optimistic version token (0 when unversioned).
	Version() int64
}

// Record is the generic Entity representation: a property value map plus
// materialised related entities.
//
// Records handed out by stores and carried by events are snapshots shared
// between goroutines; mutate only a Clone.
type Record struct {
	typ     string
	id      value.Value
	version int64
	values  map[string]value.Value
	related map[string][]Entity
}

// NewRecord creates an empty record of the given type.
func NewRecord(typ string, id value.Value) *Record {
	return &Record{
		typ:    typ,
		id:     id,
		values: make(map[string]value.Value),
	}
}

// Type returns the entity type name.
func (r *Record) Type() string { return r.typ }

// ID returns the id value.
func (r *Record) ID() value.Value { return r.id }

// Version returns the version token.
func (r *Record) Version() int64 { return r.version }

// SetVersion sets the version token.
func (r *Record) SetVersion(v int64) { r.version = v }

// Get returns the value of a property, or Null.
func (r *Record) Get(name string) value.Value {
	if v, ok := r.values[name]; ok && v != nil {
		return v
	}
	return value.Null{}
}

// Has reports whether a property value is set.
func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Put sets a property value without validation and returns the record.
func (r *Record) Put(name string, v value.Value) *Record {
	r.values[name] = v
	return r
}

// Values returns a copy of the property values.
func (r *Record) Values() map[string]value.Value {
	return maps.Clone(r.values)
}

// Related returns the materialised related entities through a relation.
func (r *Record) Related(name string) []Entity {
	return r.related[name]
}

// SetRelated replaces the materialised related entities through a relation.
func (r *Record) SetRelated(name string, entities []Entity) *Record {
	if r.related == nil {
		r.related = make(map[string][]Entity)
	}
	r.related[name] = entities
	return r
}

// Clone returns a copy that shares no maps with r.
func (r *Record) Clone() *Record {
	c := &Record{
		typ:     r.typ,
		id:      r.id,
		version: r.version,
		values:  maps.Clone(r.values),
	}
	if r.related != nil {
		c.related = make(map[string][]Entity, len(r.related))
		for k, v := range r.related {
			c.related[k] = append([]Entity(nil), v...)
		}
	}
	return c
}

// Values reads all declared property values of e through its meta.
func Values(m *EntityMeta, e Entity) map[string]value.Value {
	out := make(map[string]value.Value, len(m.props))
	for _, p := range m.props {
		out[p.Name] = p.Get(e)
	}
	return out
}
