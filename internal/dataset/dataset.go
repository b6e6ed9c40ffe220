// Package dataset reads entity rows from YAML and writes them to a store.
//
// A dataset maps type names to rows. Relation properties take the ids of
// their targets, a single id for to-one relations and a list for to-many:
//
//	Company:
//	  - {id: c1, name: Acme}
//	Person:
//	  - {id: p1, name: Ann, age: 34, employer: c1}
//	  - {id: p2, name: Bob, friends: [p1]}
package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// Row is one entity as decoded from YAML.
type Row map[string]any

// Dataset maps entity type names to rows.
type Dataset map[string][]Row

// Types resolves entity types by name. *meta.Registry satisfies it.
type Types interface {
	MetaFor(name string) (*meta.EntityMeta, bool)
}

// Batch holds the records of one type and the relation links between them
// and other records.
type Batch struct {
	Meta    *meta.EntityMeta
	Records []*meta.Record
	Links   []Link
}

// Link relates a source entity to targets through a relation property.
type Link struct {
	Source   value.Value
	Relation string
	Targets  []value.Value
}

// Stats counts what Seed wrote.
type Stats struct {
	Entities int `json:"entities"`
	Links    int `json:"links"`
}

// Load reads a dataset file.
func Load(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}
	return Decode(data)
}

// Decode parses a YAML dataset. An empty document is an empty dataset.
func Decode(data []byte) (Dataset, error) {
	var d Dataset
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if d == nil {
		d = Dataset{}
	}
	return d, nil
}

// Compile converts every row into a record of its type, in type name order.
func (d Dataset) Compile(types Types) ([]Batch, error) {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Batch, 0, len(names))
	for _, name := range names {
		m, ok := types.MetaFor(name)
		if !ok {
			return nil, fmt.Errorf("unknown entity type %q", name)
		}
		b := Batch{Meta: m}
		for i, row := range d[name] {
			r, links, err := compileRow(m, types, row)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			b.Records = append(b.Records, r)
			b.Links = append(b.Links, links...)
		}
		out = append(out, b)
	}
	return out, nil
}

func compileRow(m *meta.EntityMeta, types Types, row Row) (*meta.Record, []Link, error) {
	idp := m.IDProperty()
	rawID, ok := row[idp.Name]
	if !ok {
		return nil, nil, fmt.Errorf("missing id property %q", idp.Name)
	}
	id, err := coerce(idp, rawID)
	if err != nil {
		return nil, nil, err
	}

	r := m.New(id)
	var links []Link
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, name := range keys {
		if name == idp.Name {
			continue
		}
		p, ok := m.Property(name)
		if !ok {
			return nil, nil, &meta.Error{Code: meta.ErrCodeUnknownProperty, Message: "unknown property", Entity: m.Name(), Property: name}
		}
		if !p.IsRelation() {
			v, err := coerce(p, row[name])
			if err != nil {
				return nil, nil, err
			}
			r.Put(name, v)
			continue
		}
		targets, err := targetIDs(p, types, row[name])
		if err != nil {
			return nil, nil, err
		}
		if len(targets) > 0 {
			links = append(links, Link{Source: id, Relation: name, Targets: targets})
		}
	}
	return r, links, nil
}

func targetIDs(p *meta.Property, types Types, raw any) ([]value.Value, error) {
	target, ok := types.MetaFor(p.Target)
	if !ok {
		return nil, fmt.Errorf("relation %s: unknown target type %s", p.Name, p.Target)
	}
	var items []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		if p.Arity != meta.Many {
			return nil, fmt.Errorf("relation %s: to-one relation takes a single id", p.Name)
		}
		items = val
	default:
		items = []any{val}
	}
	out := make([]value.Value, len(items))
	for i, item := range items {
		v, err := coerce(target.IDProperty(), item)
		if err != nil {
			return nil, fmt.Errorf("relation %s: %w", p.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func coerce(p *meta.Property, raw any) (value.Value, error) {
	v, err := value.Of(raw)
	if err != nil {
		return nil, fmt.Errorf("property %s: %w", p.Name, err)
	}
	return p.Coerce(v)
}

// Seed creates every record, then adds every relation link. Records of one
// type are created in a single call.
func Seed(ctx context.Context, s store.Store, batches []Batch) (Stats, error) {
	var stats Stats
	for _, b := range batches {
		if len(b.Records) == 0 {
			continue
		}
		entities := make([]meta.Entity, len(b.Records))
		for i, r := range b.Records {
			entities[i] = r
		}
		if err := s.Create(ctx, b.Meta, entities); err != nil {
			return stats, fmt.Errorf("create %s: %w", b.Meta.Name(), err)
		}
		stats.Entities += len(entities)
	}
	for _, b := range batches {
		for _, l := range b.Links {
			if err := s.AddRelations(ctx, b.Meta, l.Relation, l.Source, l.Targets); err != nil {
				return stats, fmt.Errorf("relate %s %s.%s: %w", b.Meta.Name(), value.Format(l.Source), l.Relation, err)
			}
			stats.Links += len(l.Targets)
		}
	}
	return stats, nil
}
