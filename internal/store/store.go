package store

import (
	"context"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// Store is the facade of one backing store.
type Store interface {
	// Name identifies the store within a query manager.
	Name() string

	// Query answers a single-store paged query.
	Query(ctx context.Context, q query.Query) (query.Page, error)

	// Retrieve returns the entities with the given ids, in id order of the
	// request. A missing id fails the whole call with ENTITY_NOT_FOUND.
	Retrieve(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error)

	// RetrieveLenient is Retrieve that skips missing ids.
	RetrieveLenient(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error)

	// Create stores new entities. Nothing is stored if any entity fails.
	Create(ctx context.Context, m *meta.EntityMeta, entities []meta.Entity) error

	// Delete removes entities by id. Nothing is removed if any id is unknown.
	Delete(ctx context.Context, m *meta.EntityMeta, ids []value.Value) error

	// GetValues reads raw property values and the current version. An empty
	// props list reads every non-relation property.
	GetValues(ctx context.Context, m *meta.EntityMeta, id value.Value, props []string) (map[string]value.Value, int64, error)

	// SetValues writes raw property values and returns the new version.
	SetValues(ctx context.Context, m *meta.EntityMeta, id value.Value, values map[string]value.Value) (int64, error)

	// SetValuesVersioned is SetValues guarded by an expected version.
	SetValuesVersioned(ctx context.Context, m *meta.EntityMeta, id value.Value, expected int64, values map[string]value.Value) (int64, error)

	// Version returns the current version token.
	Version(ctx context.Context, m *meta.EntityMeta, id value.Value) (int64, error)

	// AddRelations links targets to the source entity through relation.
	AddRelations(ctx context.Context, m *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error

	// RemoveRelations unlinks targets from the source entity.
	RemoveRelations(ctx context.Context, m *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error
}

// Publisher receives the events of store mutations. The engine dispatcher
// implements it.
type Publisher interface {
	Publish(ev event.Event) bool
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish drops ev.
func (Discard) Publish(event.Event) bool { return true }
