package sqlstore

import (
	"context"
	"fmt"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// keyChunk bounds the ids bound into one IN list.
const keyChunk = 500

// Query answers q. Filters that compile exactly have ordering and paging
// applied in SQL; everything else is narrowed in SQL and finished in memory.
func (s *Store) Query(ctx context.Context, q query.Query) (query.Page, error) {
	if err := q.Validate(); err != nil {
		return query.Page{}, err
	}
	stmt, err := s.compiler.Compile(q, s.types.family(q.Meta))
	if err != nil {
		return query.Page{}, fmt.Errorf("query %s: %w", q.Meta.Name(), err)
	}

	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return query.Page{}, fmt.Errorf("query %s: %w", q.Meta.Name(), err)
	}
	scanned, err := scanRows(rows)
	if err != nil {
		return query.Page{}, err
	}
	records, err := s.decode(q.Meta, scanned)
	if err != nil {
		return query.Page{}, err
	}
	if err := s.materialize(ctx, s.db, records); err != nil {
		return query.Page{}, err
	}
	entities := asEntities(records)

	if stmt.Paged {
		more := len(entities) > q.Paging.Size
		if more {
			entities = entities[:q.Paging.Size]
		}
		return query.Page{Paging: q.Paging, Entities: entities, More: more}, nil
	}
	return query.Apply(q, entities), nil
}

// Retrieve returns entities by id; any missing id fails the call.
func (s *Store) Retrieve(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error) {
	records, err := s.load(ctx, s.db, m, ids, true)
	if err != nil {
		return nil, err
	}
	return asEntities(records), nil
}

// RetrieveLenient returns the entities found, skipping missing ids.
func (s *Store) RetrieveLenient(ctx context.Context, m *meta.EntityMeta, ids []value.Value) ([]meta.Entity, error) {
	records, err := s.load(ctx, s.db, m, ids, false)
	if err != nil {
		return nil, err
	}
	return asEntities(records), nil
}

// GetValues reads raw property values and the version.
func (s *Store) GetValues(ctx context.Context, m *meta.EntityMeta, id value.Value, props []string) (map[string]value.Value, int64, error) {
	r, err := s.loadOne(ctx, s.db, m, id)
	if err != nil {
		return nil, 0, err
	}
	values, err := store.ReadValues(m, r, props)
	if err != nil {
		return nil, 0, err
	}
	return values, r.Version(), nil
}

// Version returns the version token of a versioned entity.
func (s *Store) Version(ctx context.Context, m *meta.EntityMeta, id value.Value) (int64, error) {
	if !m.Versioned() {
		return 0, store.VersionNotFound(m, id)
	}
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM entities WHERE type = ? AND id = ?`, m.Name(), store.Key(id)).Scan(&version)
	if isNoRows(err) {
		return 0, store.NotFound(m, id)
	}
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return version, nil
}

// load reads records of m by id, in request order, with relations
// materialised. Missing ids fail the call when strict.
func (s *Store) load(ctx context.Context, q querier, m *meta.EntityMeta, ids []value.Value, strict bool) ([]*meta.Record, error) {
	s.types.add(m)
	byKey := make(map[string]*meta.Record, len(ids))
	for start := 0; start < len(ids); start += keyChunk {
		chunk := ids[start:min(start+keyChunk, len(ids))]
		params := make([]any, 0, len(chunk)+1)
		params = append(params, m.Name())
		for _, id := range chunk {
			params = append(params, store.Key(id))
		}
		rows, err := q.QueryContext(ctx,
			`SELECT type, version, props FROM entities WHERE type = ? AND id IN (`+placeholders(len(chunk))+`)`,
			params...)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", m.Name(), err)
		}
		scanned, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		records, err := s.decode(m, scanned)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			byKey[store.Key(r.ID())] = r
		}
	}

	out := make([]*meta.Record, 0, len(ids))
	var missing []error
	for _, id := range ids {
		r, ok := byKey[store.Key(id)]
		if !ok {
			missing = append(missing, store.NotFound(m, id))
			continue
		}
		out = append(out, r)
	}
	if strict && len(missing) > 0 {
		return nil, store.Batch(m, missing)
	}
	if err := s.materialize(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadOne reads a single record without relations.
func (s *Store) loadOne(ctx context.Context, q querier, m *meta.EntityMeta, id value.Value) (*meta.Record, error) {
	var version int64
	var props string
	err := q.QueryRowContext(ctx, `SELECT version, props FROM entities WHERE type = ? AND id = ?`, m.Name(), store.Key(id)).Scan(&version, &props)
	if isNoRows(err) {
		return nil, store.NotFound(m, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", m.Name(), err)
	}
	return unmarshalRecord(m, version, props)
}

// decode turns scanned rows into records, using the row's own type when
// known and fallback otherwise.
func (s *Store) decode(fallback *meta.EntityMeta, rows []row) ([]*meta.Record, error) {
	out := make([]*meta.Record, 0, len(rows))
	for _, r := range rows {
		m, ok := s.types.lookup(r.typ)
		if !ok {
			m = fallback
		}
		rec, err := unmarshalRecord(m, r.version, r.props)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// materialize loads the related entities of records one level deep.
func (s *Store) materialize(ctx context.Context, q querier, records []*meta.Record) error {
	byType := make(map[string][]*meta.Record)
	for _, r := range records {
		byType[r.Type()] = append(byType[r.Type()], r)
	}
	for typ, group := range byType {
		m, ok := s.types.lookup(typ)
		if !ok {
			continue
		}
		for _, p := range m.Properties() {
			if !p.IsRelation() {
				continue
			}
			if err := s.materializeRelation(ctx, q, m, p, group); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) materializeRelation(ctx context.Context, q querier, m *meta.EntityMeta, p *meta.Property, group []*meta.Record) error {
	target, ok := s.types.lookup(p.Target)
	related := make(map[string][]meta.Entity, len(group))
	for start := 0; ok && start < len(group); start += keyChunk {
		chunk := group[start:min(start+keyChunk, len(group))]
		params := make([]any, 0, len(chunk)+2)
		params = append(params, m.Name(), p.Name)
		for _, r := range chunk {
			params = append(params, store.Key(r.ID()))
		}
		rows, err := q.QueryContext(ctx, `
			SELECT r.source, e.version, e.props
			FROM relations r
			JOIN entities e ON e.type = r.target_type AND e.id = r.target
			WHERE r.source_type = ? AND r.relation = ? AND r.source IN (`+placeholders(len(chunk))+`)
			ORDER BY r.source COLLATE BINARY ASC, r.position ASC`, params...)
		if err != nil {
			return fmt.Errorf("load relation %s.%s: %w", m.Name(), p.Name, err)
		}
		scanned, err := scanRows(rows)
		if err != nil {
			return err
		}
		// The first column carries the source key here.
		for _, sr := range scanned {
			rec, err := unmarshalRecord(target, sr.version, sr.props)
			if err != nil {
				return err
			}
			related[sr.typ] = append(related[sr.typ], rec)
		}
	}
	for _, r := range group {
		entities := related[store.Key(r.ID())]
		if entities == nil {
			entities = []meta.Entity{}
		}
		r.SetRelated(p.Name, entities)
	}
	return nil
}

func asEntities(records []*meta.Record) []meta.Entity {
	out := make([]meta.Entity, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
