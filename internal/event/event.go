// Package event defines the entity mutation events emitted by stores and
// routed to live filters.
package event

import (
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Kind distinguishes event variants.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindDeleted
	KindUpdated
	KindRelationsAdded
	KindRelationsRemoved
)

func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindDeleted:
		return "deleted"
	case KindUpdated:
		return "updated"
	case KindRelationsAdded:
		return "relations_added"
	case KindRelationsRemoved:
		return "relations_removed"
	default:
		return "unknown"
	}
}

// Event is a sealed interface over entity mutation events.
type Event interface {
	// Meta returns the type of the entities the event concerns.
	Meta() *meta.EntityMeta
	// Kind returns the event variant.
	Kind() Kind
	// IDs returns the ids of the affected entities (the source for relation events).
	IDs() []value.Value
	eventNode()
}

// Created reports newly created entities.
type Created struct {
	Type     *meta.EntityMeta
	Entities []meta.Entity
}

func (e Created) Meta() *meta.EntityMeta { return e.Type }
func (e Created) Kind() Kind             { return KindCreated }
func (e Created) IDs() []value.Value     { return idsOf(e.Entities) }
func (Created) eventNode()               {}

// Deleted reports deleted entities. Entities holds the last known state when
// the store had it; IDs always lists every deleted id.
type Deleted struct {
	Type      *meta.EntityMeta
	Entities  []meta.Entity
	EntityIDs []value.Value
}

func (e Deleted) Meta() *meta.EntityMeta { return e.Type }
func (e Deleted) Kind() Kind             { return KindDeleted }
func (e Deleted) IDs() []value.Value {
	if len(e.EntityIDs) > 0 {
		return e.EntityIDs
	}
	return idsOf(e.Entities)
}
func (Deleted) eventNode() {}

// Change records the previous value of an updated property.
type Change struct {
	Property string
	Old      value.Value
}

// Updated reports property changes of one entity. Entity is the new state.
type Updated struct {
	Type    *meta.EntityMeta
	Entity  meta.Entity
	Changes []Change
}

func (e Updated) Meta() *meta.EntityMeta { return e.Type }
func (e Updated) Kind() Kind             { return KindUpdated }
func (e Updated) IDs() []value.Value     { return []value.Value{e.Entity.ID()} }
func (Updated) eventNode()               {}

// Changed reports whether prop is among the changed properties.
func (e Updated) Changed(prop string) bool {
	for _, c := range e.Changes {
		if c.Property == prop {
			return true
		}
	}
	return false
}

// OldValue returns the value prop had before the update.
// Unchanged properties report their current value.
func (e Updated) OldValue(prop string) value.Value {
	for _, c := range e.Changes {
		if c.Property == prop {
			return c.Old
		}
	}
	if p, ok := e.Type.Property(prop); ok {
		return p.Get(e.Entity)
	}
	return value.Null{}
}

// RelationsAdded reports targets linked to Source through Relation.
type RelationsAdded struct {
	Type     *meta.EntityMeta
	Relation string
	Source   meta.Entity
	Targets  []value.Value
}

func (e RelationsAdded) Meta() *meta.EntityMeta { return e.Type }
func (e RelationsAdded) Kind() Kind             { return KindRelationsAdded }
func (e RelationsAdded) IDs() []value.Value     { return []value.Value{e.Source.ID()} }
func (RelationsAdded) eventNode()               {}

// RelationsRemoved reports targets unlinked from Source through Relation.
type RelationsRemoved struct {
	Type     *meta.EntityMeta
	Relation string
	Source   meta.Entity
	Targets  []value.Value
}

func (e RelationsRemoved) Meta() *meta.EntityMeta { return e.Type }
func (e RelationsRemoved) Kind() Kind             { return KindRelationsRemoved }
func (e RelationsRemoved) IDs() []value.Value     { return []value.Value{e.Source.ID()} }
func (RelationsRemoved) eventNode()               {}

// Entities returns the entity states carried by an event.
func Entities(ev Event) []meta.Entity {
	switch e := ev.(type) {
	case Created:
		return e.Entities
	case Deleted:
		return e.Entities
	case Updated:
		return []meta.Entity{e.Entity}
	case RelationsAdded:
		return []meta.Entity{e.Source}
	case RelationsRemoved:
		return []meta.Entity{e.Source}
	default:
		return nil
	}
}

// Relation returns the relation name of a relation event.
func Relation(ev Event) (string, bool) {
	switch e := ev.(type) {
	case RelationsAdded:
		return e.Relation, true
	case RelationsRemoved:
		return e.Relation, true
	default:
		return "", false
	}
}

func idsOf(entities []meta.Entity) []value.Value {
	ids := make([]value.Value, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	return ids
}
