package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// Create stores entities; fails without storing anything if any id exists
// or any entity does not fit its type.
func (s *Store) Create(ctx context.Context, m *meta.EntityMeta, entities []meta.Entity) error {
	s.types.add(m)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var created []*meta.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
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
			exists, err := s.exists(ctx, tx, m.Name(), k)
			if err != nil {
				return err
			}
			if exists || seen[k] {
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

		for _, r := range records {
			props, err := marshalProps(m, r)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO entities (type, id, id_value, version, props) VALUES (?, ?, ?, ?, ?)`,
				m.Name(), store.Key(r.ID()), value.Encode(r.ID()), r.Version(), props)
			if err != nil {
				return fmt.Errorf("insert %s: %w", m.Name(), err)
			}
		}
		created = records
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range created {
		for _, p := range m.Properties() {
			if p.IsRelation() {
				r.SetRelated(p.Name, []meta.Entity{})
			}
		}
	}
	s.logger.Debug("entities created", "store", s.name, "type", m.Name(), "count", len(created))
	s.publisher.Publish(event.Created{Type: m, Entities: asEntities(created)})
	return nil
}

// unlinked is a source whose links to deleted entities were removed.
type unlinked struct {
	meta     *meta.EntityMeta
	source   value.Value
	relation string
	targets  []value.Value
}

// Delete removes entities and every relation pointing at them.
func (s *Store) Delete(ctx context.Context, m *meta.EntityMeta, ids []value.Value) error {
	s.types.add(m)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var gone []*meta.Record
	var sources []unlinked
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		records, err := s.load(ctx, tx, m, ids, true)
		if err != nil {
			return err
		}
		byKey := make(map[string]value.Value, len(ids))
		for _, id := range ids {
			byKey[store.Key(id)] = id
		}

		linked, err := s.incoming(ctx, tx, m, byKey)
		if err != nil {
			return err
		}
		for _, u := range linked {
			if _, deleted := byKey[store.Key(u.source)]; deleted && u.meta.Name() == m.Name() {
				continue
			}
			sources = append(sources, u)
		}
		for _, u := range sources {
			if err := s.bumpVersion(ctx, tx, u.meta, u.source); err != nil {
				return err
			}
		}
		for k := range byKey {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE target_type = ? AND target = ?`, m.Name(), k); err != nil {
				return fmt.Errorf("unlink %s: %w", m.Name(), err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE type = ? AND id = ?`, m.Name(), k); err != nil {
				return fmt.Errorf("delete %s: %w", m.Name(), err)
			}
		}
		gone = records
		return nil
	})
	if err != nil {
		return err
	}

	s.publisher.Publish(event.Deleted{Type: m, Entities: asEntities(gone), EntityIDs: slices.Clone(ids)})
	for _, u := range sources {
		src, err := s.load(ctx, s.db, u.meta, []value.Value{u.source}, true)
		if err != nil {
			s.logger.Warn("reload unlinked source failed", "store", s.name, "type", u.meta.Name(), "error", err)
			continue
		}
		s.publisher.Publish(event.RelationsRemoved{Type: u.meta, Relation: u.relation, Source: src[0], Targets: u.targets})
	}
	return nil
}

// incoming lists the relation links pointing at the given keys of m,
// grouped per source and relation.
func (s *Store) incoming(ctx context.Context, q querier, m *meta.EntityMeta, keys map[string]value.Value) ([]unlinked, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT r.source_type, r.relation, r.target, e.props
		FROM relations r
		JOIN entities e ON e.type = r.source_type AND e.id = r.source
		WHERE r.target_type = ?
		ORDER BY r.source_type COLLATE BINARY ASC, r.source COLLATE BINARY ASC, r.relation ASC, r.position ASC`, m.Name())
	if err != nil {
		return nil, fmt.Errorf("find links to %s: %w", m.Name(), err)
	}
	defer rows.Close()

	type link struct {
		sourceType, relation, target, props string
	}
	var links []link
	for rows.Next() {
		var l link
		if err := rows.Scan(&l.sourceType, &l.relation, &l.target, &l.props); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if _, ok := keys[l.target]; ok {
			links = append(links, l)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	rows.Close()

	var out []unlinked
	for _, l := range links {
		sm, ok := s.types.lookup(l.sourceType)
		if !ok {
			continue
		}
		src, err := unmarshalRecord(sm, 0, l.props)
		if err != nil {
			return nil, err
		}
		target := keys[l.target]
		if n := len(out); n > 0 && out[n-1].meta == sm && out[n-1].relation == l.relation && value.Equal(out[n-1].source, src.ID()) {
			out[n-1].targets = append(out[n-1].targets, target)
			continue
		}
		out = append(out, unlinked{meta: sm, source: src.ID(), relation: l.relation, targets: []value.Value{target}})
	}
	return out, nil
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
	s.types.add(m)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var version int64
	var changes []event.Change
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := s.loadOne(ctx, tx, m, id)
		if err != nil {
			return err
		}
		version = r.Version()
		if expected != nil {
			if !m.Versioned() {
				return store.VersionNotFound(m, id)
			}
			if version != *expected {
				return store.OptimisticLock(m, id, *expected, version)
			}
		}
		prepared, err := store.PrepareWrite(m, id, values)
		if err != nil {
			return err
		}
		next, ch := store.Apply(r, prepared)
		if len(ch) == 0 {
			return nil
		}
		next.SetVersion(store.NextVersion(m, version))
		props, err := marshalProps(m, next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entities SET props = ?, version = ? WHERE type = ? AND id = ?`,
			props, next.Version(), m.Name(), store.Key(id))
		if err != nil {
			return fmt.Errorf("update %s: %w", m.Name(), err)
		}
		version = next.Version()
		changes = ch
		return nil
	})
	if err != nil || len(changes) == 0 {
		return version, err
	}

	s.publishUpdated(ctx, m, id, changes)
	return version, nil
}

func (s *Store) publishUpdated(ctx context.Context, m *meta.EntityMeta, id value.Value, changes []event.Change) {
	src, err := s.load(ctx, s.db, m, []value.Value{id}, true)
	if err != nil {
		s.logger.Warn("reload updated entity failed", "store", s.name, "type", m.Name(), "error", err)
		return
	}
	s.publisher.Publish(event.Updated{Type: m, Entity: src[0], Changes: changes})
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
	p, err := store.Relation(m, relation)
	if err != nil {
		return err
	}
	if add && p.Arity == meta.One && len(targets) > 1 {
		return store.Invalid(m, source, &meta.Error{Code: meta.ErrCodeTypeMismatch, Message: "single-valued relation", Entity: m.Name(), Property: relation})
	}
	s.types.add(m)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	srcKey := store.Key(source)
	var changed []value.Value
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadOne(ctx, tx, m, source); err != nil {
			return err
		}
		changed = nil
		if add {
			var errs []error
			for _, t := range targets {
				ok, err := s.exists(ctx, tx, p.Target, store.Key(t))
				if err != nil {
					return err
				}
				if !ok {
					errs = append(errs, &store.Error{Code: store.ErrCodeNotFound, Message: "relation target not found", Entity: p.Target, ID: t})
				}
			}
			if err := store.Batch(m, errs); err != nil {
				return err
			}
		}
		for _, t := range targets {
			if slices.ContainsFunc(changed, func(c value.Value) bool { return value.Equal(c, t) }) {
				continue
			}
			linked, err := s.linked(ctx, tx, m, relation, srcKey, store.Key(t))
			if err != nil {
				return err
			}
			if linked != add {
				changed = append(changed, t)
			}
		}
		if len(changed) == 0 {
			return nil
		}

		if add && p.Arity == meta.One {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE source_type = ? AND source = ? AND relation = ?`,
				m.Name(), srcKey, relation); err != nil {
				return fmt.Errorf("replace %s.%s: %w", m.Name(), relation, err)
			}
		}
		for _, t := range changed {
			if add {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO relations (source_type, source, relation, position, target_type, target)
					VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM relations WHERE source_type = ? AND source = ? AND relation = ?), ?, ?)`,
					m.Name(), srcKey, relation, m.Name(), srcKey, relation, p.Target, store.Key(t))
			} else {
				_, err = tx.ExecContext(ctx,
					`DELETE FROM relations WHERE source_type = ? AND source = ? AND relation = ? AND target = ?`,
					m.Name(), srcKey, relation, store.Key(t))
			}
			if err != nil {
				return fmt.Errorf("write %s.%s: %w", m.Name(), relation, err)
			}
		}
		return s.bumpVersion(ctx, tx, m, source)
	})
	if err != nil || len(changed) == 0 {
		return err
	}

	src, err := s.load(ctx, s.db, m, []value.Value{source}, true)
	if err != nil {
		s.logger.Warn("reload relation source failed", "store", s.name, "type", m.Name(), "error", err)
		return nil
	}
	if add {
		s.publisher.Publish(event.RelationsAdded{Type: m, Relation: relation, Source: src[0], Targets: changed})
	} else {
		s.publisher.Publish(event.RelationsRemoved{Type: m, Relation: relation, Source: src[0], Targets: changed})
	}
	return nil
}

func (s *Store) linked(ctx context.Context, q querier, m *meta.EntityMeta, relation, source, target string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations WHERE source_type = ? AND source = ? AND relation = ? AND target = ?`,
		m.Name(), source, relation, target).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read link: %w", err)
	}
	return n > 0, nil
}

func (s *Store) exists(ctx context.Context, q querier, typ, key string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE type = ? AND id = ?`, typ, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", typ, err)
	}
	return n > 0, nil
}

func (s *Store) bumpVersion(ctx context.Context, q querier, m *meta.EntityMeta, id value.Value) error {
	if !m.Versioned() {
		return nil
	}
	_, err := q.ExecContext(ctx, `UPDATE entities SET version = version + 1 WHERE type = ? AND id = ?`, m.Name(), store.Key(id))
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
