// Package memstore is an in-memory Store used by tests, examples and as a
// cache-like backing store for embedded deployments.
package memstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// Store keeps entities in maps guarded by one RWMutex.
//
// Thread-safety: all methods are safe for concurrent use. Events are
// published while the write lock is held, so their order is the mutation order.
type Store struct {
	name      string
	publisher store.Publisher
	logger    *slog.Logger
	latency   time.Duration

	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	meta *meta.EntityMeta
	rows map[string]*row
}

type row struct {
	record    *meta.Record
	relations map[string][]value.Value
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets the publisher that receives mutation events.
func WithPublisher(p store.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLatency delays every read by d, honouring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(s *Store) {
		s.latency = d
	}
}

// New creates an empty store.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:      name,
		publisher: store.Discard{},
		logger:    slog.Default(),
		tables:    make(map[string]*table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Len returns the number of stored entities of m.
func (s *Store) Len(m *meta.EntityMeta) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[m.Name()]; ok {
		return len(t.rows)
	}
	return 0
}

// Query evaluates q over every stored entity of its type and subtypes.
func (s *Store) Query(ctx context.Context, q query.Query) (query.Page, error) {
	if err := q.Validate(); err != nil {
		return query.Page{}, err
	}
	if err := s.wait(ctx); err != nil {
		return query.Page{}, err
	}

	s.mu.RLock()
	var entities []meta.Entity
	for _, t := range s.tables {
		if !t.meta.IsA(q.Meta) {
			continue
		}
		for _, r := range t.rows {
			entities = append(entities, s.materialize(t.meta, r))
		}
	}
	s.mu.RUnlock()

	// Natural order of this store is id order.
	slices.SortFunc(entities, func(a, b meta.Entity) int { return value.Compare(a.ID(), b.ID()) })
	return query.Apply(q, entities), nil
}

// Retrieve returns entities by id; any missing id fails the call.
func (s *Store) Retrieve(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error) {
	return s.retrieve(ctx, m, ids, true)
}

// RetrieveLenient returns the entities found, skipping missing ids.
func (s *Store) RetrieveLenient(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error) {
	return s.retrieve(ctx, m, ids, false)
}

func (s *Store) retrieve(ctx context.Context, m *meta.EntityMeta, ids []value.Value, strict bool) ([]meta.Entity, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]meta.Entity, 0, len(ids))
	var missing []error
	for _, id := range ids {
		r, ok := s.row(m, id)
		if !ok {
			missing = append(missing, store.NotFound(m, id))
			continue
		}
		out = append(out, s.materialize(m, r))
	}
	if strict && len(missing) > 0 {
		return nil, store.Batch(m, missing)
	}
	return out, nil
}

// Create stores entities; fails without storing anything if any id exists
// or any entity does not fit its type.
func (s *Store) Create(ctx context.Context, m *meta.EntityMeta, entities []meta.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(entities))
	records := make([]*meta.Record, 0, len(entities))
	for _, e := range entities {
		r, err := store.Snapshot(m, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		k := store.Key(r.ID())
		if _, exists := s.row(m, r.ID()); exists || seen[k] {
			errs = append(errs, store.Exists(m, r.ID()))
			continue
		}
		seen[k] = true
		r.SetVersion(store.InitialVersion(m))
		records = append(records, r)
	}
	if err := store.Batch(m, errs); err != nil {
		return err
	}

	t := s.table(m)
	created := make([]meta.Entity, 0, len(records))
	for _, r := range records {
		nr := &row{record: r, relations: make(map[string][]value.Value)}
		t.rows[store.Key(r.ID())] = nr
		created = append(created, s.materialize(m, nr))
	}
	s.logger.Debug("entities created", "store", s.name, "type", m.Name(), "count", len(created))
	s.publisher.Publish(event.Created{Type: m, Entities: created})
	return nil
}

// Delete removes entities and every relation pointing at them.
func (s *Store) Delete(ctx context.Context, m *meta.EntityMeta, ids []value.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, ok := s.row(m, id); !ok {
			errs = append(errs, store.NotFound(m, id))
		}
	}
	if err := store.Batch(m, errs); err != nil {
		return err
	}

	t := s.table(m)
	gone := make([]meta.Entity, 0, len(ids))
	keys := make(map[string]bool, len(ids))
	for _, id := range ids {
		k := store.Key(id)
		if r, ok := t.rows[k]; ok {
			gone = append(gone, s.materialize(m, r))
			delete(t.rows, k)
			keys[k] = true
		}
	}
	s.publisher.Publish(event.Deleted{Type: m, Entities: gone, EntityIDs: slices.Clone(ids)})
	s.unlinkDeleted(m, keys)
	return nil
}

// unlinkDeleted drops relation targets that referenced deleted entities and
// publishes the resulting relation removals.
func (s *Store) unlinkDeleted(m *meta.EntityMeta, keys map[string]bool) {
	for _, t := range s.tables {
		for _, p := range t.meta.Properties() {
			if !p.IsRelation() || p.Target != m.Name() {
				continue
			}
			for _, r := range t.rows {
				var removed []value.Value
				kept := r.relations[p.Name][:0:0]
				for _, target := range r.relations[p.Name] {
					if keys[store.Key(target)] {
						removed = append(removed, target)
						continue
					}
					kept = append(kept, target)
				}
				if len(removed) == 0 {
					continue
				}
				r.relations[p.Name] = kept
				r.record.SetVersion(store.NextVersion(t.meta, r.record.Version()))
				s.publisher.Publish(event.RelationsRemoved{Type: t.meta, Relation: p.Name, Source: s.materialize(t.meta, r), Targets: removed})
			}
		}
	}
}

// GetValues reads raw property values and the version.
func (s *Store) GetValues(ctx context.Context, m *meta.EntityMeta, id value.Value, props []string) (map[string]value.Value, int64, error) {
	if err := s.wait(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.row(m, id)
	if !ok {
		return nil, 0, store.NotFound(m, id)
	}
	values, err := store.ReadValues(m, r.record, props)
	if err != nil {
		return nil, 0, err
	}
	return values, r.record.Version(), nil
}

// SetValues writes raw property values.
func (s *Store) SetValues(ctx context.Context, m *meta.EntityMeta, id value.Value, values map[string]value.Value) (int64, error) {
	return s.setValues(ctx, m, id, nil, values)
}

// SetValuesVersioned writes raw property values if the version matches.
func (s *Store) SetValuesVersioned(ctx context.Context, m *meta.EntityMeta, id value.Value, expected int64, values map[string]value.Value) (int64, error) {
	return s.setValues(ctx, m, id, &expected, values)
}

func (s *Store) setValues(ctx context.Context, m *meta.EntityMeta, id value.Value, expected *int64, values map[string]value.Value) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.row(m, id)
	if !ok {
		return 0, store.NotFound(m, id)
	}
	if expected != nil {
		if !m.Versioned() {
			return 0, store.VersionNotFound(m, id)
		}
		if actual := r.record.Version(); actual != *expected {
			return 0, store.OptimisticLock(m, id, *expected, actual)
		}
	}
	prepared, err := store.PrepareWrite(m, id, values)
	if err != nil {
		return 0, err
	}
	next, changes := store.Apply(r.record, prepared)
	if len(changes) == 0 {
		return r.record.Version(), nil
	}
	next.SetVersion(store.NextVersion(m, r.record.Version()))
	r.record = next
	s.publisher.Publish(event.Updated{Type: m, Entity: s.materialize(m, r), Changes: changes})
	return next.Version(), nil
}

// Version returns the version token of a versioned entity.
func (s *Store) Version(ctx context.Context, m *meta.EntityMeta, id value.Value) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.Versioned() {
		return 0, store.VersionNotFound(m, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.row(m, id)
	if !ok {
		return 0, store.NotFound(m, id)
	}
	return r.record.Version(), nil
}

// AddRelations links targets to source. A single-valued relation is replaced.
func (s *Store) AddRelations(ctx context.Context, m *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error {
	return s.relate(ctx, m, relation, source, targets, true)
}

// RemoveRelations unlinks targets from source.
func (s *Store) RemoveRelations(ctx context.Context, m *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error {
	return s.relate(ctx, m, relation, source, targets, false)
}

func (s *Store) relate(ctx context.Context, m *meta.EntityMeta, relation string, source value.Value, targets []value.Value, add bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := store.Relation(m, relation)
	if err != nil {
		return err
	}
	if add && p.Arity == meta.One && len(targets) > 1 {
		return store.Invalid(m, source, &meta.Error{Code: meta.ErrCodeTypeMismatch, Message: "single-valued relation", Entity: m.Name(), Property: relation})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.row(m, source)
	if !ok {
		return store.NotFound(m, source)
	}
	current := r.relations[relation]
	var changed []value.Value
	if add {
		var errs []error
		for _, t := range targets {
			if !s.exists(p.Target, t) {
				errs = append(errs, &store.Error{Code: store.ErrCodeNotFound, Message: "relation target not found", Entity: p.Target, ID: t})
			}
		}
		if err := store.Batch(m, errs); err != nil {
			return err
		}
		for _, t := range targets {
			if !containsValue(current, t) && !containsValue(changed, t) {
				changed = append(changed, t)
			}
		}
		if p.Arity == meta.One {
			current = slices.Clone(changed)
		} else {
			current = append(slices.Clip(current), changed...)
		}
	} else {
		kept := make([]value.Value, 0, len(current))
		for _, t := range current {
			if containsValue(targets, t) {
				changed = append(changed, t)
				continue
			}
			kept = append(kept, t)
		}
		current = kept
	}
	if len(changed) == 0 {
		return nil
	}

	r.relations[relation] = current
	r.record.SetVersion(store.NextVersion(m, r.record.Version()))
	src := s.materialize(m, r)
	if add {
		s.publisher.Publish(event.RelationsAdded{Type: m, Relation: relation, Source: src, Targets: changed})
	} else {
		s.publisher.Publish(event.RelationsRemoved{Type: m, Relation: relation, Source: src, Targets: changed})
	}
	return nil
}

// materialize returns a snapshot of r with its related entities loaded one
// level deep. Callers hold the lock.
func (s *Store) materialize(m *meta.EntityMeta, r *row) *meta.Record {
	out := r.record.Clone()
	for _, p := range m.Properties() {
		if !p.IsRelation() {
			continue
		}
		ids := r.relations[p.Name]
		related := make([]meta.Entity, 0, len(ids))
		if t, ok := s.tables[p.Target]; ok {
			for _, id := range ids {
				if tr, ok := t.rows[store.Key(id)]; ok {
					related = append(related, tr.record.Clone())
				}
			}
		}
		out.SetRelated(p.Name, related)
	}
	return out
}

func (s *Store) row(m *meta.EntityMeta, id value.Value) (*row, bool) {
	t, ok := s.tables[m.Name()]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[store.Key(id)]
	return r, ok
}

func (s *Store) exists(typeName string, id value.Value) bool {
	t, ok := s.tables[typeName]
	if !ok {
		return false
	}
	_, ok = t.rows[store.Key(id)]
	return ok
}

func (s *Store) table(m *meta.EntityMeta) *table {
	t, ok := s.tables[m.Name()]
	if !ok {
		t = &table{meta: m, rows: make(map[string]*row)}
		s.tables[m.Name()] = t
	}
	return t
}

func (s *Store) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsValue(vals []value.Value, v value.Value) bool {
	return slices.ContainsFunc(vals, func(x value.Value) bool { return value.Equal(x, v) })
}
