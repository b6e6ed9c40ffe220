package filtertree

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// DefaultLoad is the node split threshold used when none is configured.
const DefaultLoad = 32

// Tree is an immutable index of live filters per entity type.
// The zero value is not usable; create trees with New.
type Tree struct {
	load  int
	nodes map[string]node
	// types records the node types each live filter is registered in.
	types map[string][]string
}

// New creates an empty tree. Nodes split at load filters and merge back at load/2.
func New(load int) *Tree {
	if load < 2 {
		load = DefaultLoad
	}
	return &Tree{load: load, nodes: map[string]node{}, types: map[string][]string{}}
}

// Load returns the split threshold.
func (t *Tree) Load() int { return t.load }

// Len returns the number of registered live filters.
func (t *Tree) Len() int { return len(t.types) }

// Contains reports whether the live filter is registered.
func (t *Tree) Contains(l *filter.Live) bool {
	_, ok := t.types[l.ID()]
	return ok
}

// Insert returns a tree with l registered. Inserting a registered filter
// returns t unchanged.
func (t *Tree) Insert(l *filter.Live) *Tree {
	if t.Contains(l) {
		return t
	}
	regs := registrations(l)
	c := &Tree{load: t.load, nodes: maps.Clone(t.nodes), types: maps.Clone(t.types)}
	typeNames := slices.Sorted(maps.Keys(regs))
	for _, name := range typeNames {
		n, ok := c.nodes[name]
		if !ok {
			n = &entityNode{}
		}
		n = n.with(l.ID(), regs[name])
		if flat, ok := n.(*entityNode); ok && flat.lives() >= c.load {
			n = split(flat)
		}
		c.nodes[name] = n
	}
	c.types[l.ID()] = typeNames
	return c
}

// Remove returns a tree without l. Removing an unknown filter returns t unchanged.
func (t *Tree) Remove(l *filter.Live) *Tree {
	typeNames, ok := t.types[l.ID()]
	if !ok {
		return t
	}
	c := &Tree{load: t.load, nodes: maps.Clone(t.nodes), types: maps.Clone(t.types)}
	delete(c.types, l.ID())
	for _, name := range typeNames {
		n, ok := c.nodes[name]
		if !ok {
			continue
		}
		n = n.without(l.ID())
		switch {
		case n.lives() == 0:
			delete(c.nodes, name)
			continue
		case n.lives() <= c.load/2:
			if sn, ok := n.(*splitNode); ok {
				n = merge(sn)
			}
		}
		c.nodes[name] = n
	}
	return c
}

// Collect returns the live filters an event may concern, ordered by id.
// Every filter whose verdict on an entity can change through the event is
// included; callers re-evaluate the rest.
func (t *Tree) Collect(ev event.Event) []*filter.Live {
	if ev == nil || ev.Meta() == nil {
		return nil
	}
	m := ev.Meta()
	var targets []node
	for _, mt := range append([]*meta.EntityMeta{m}, m.Ancestors()...) {
		if n, ok := t.nodes[mt.Name()]; ok {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	out := make(map[string]*filter.Live)
	for _, s := range states(ev) {
		for _, n := range targets {
			n.collect(s, out)
		}
	}
	lives := slices.Collect(maps.Values(out))
	slices.SortFunc(lives, func(a, b *filter.Live) int { return strings.Compare(a.ID(), b.ID()) })
	return lives
}

// Dump renders the tree structure for diagnostics.
func (t *Tree) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tree load=%d lives=%d\n", t.load, t.Len())
	for _, name := range slices.Sorted(maps.Keys(t.nodes)) {
		n := t.nodes[name]
		kind := "flat"
		if _, ok := n.(*splitNode); ok {
			kind = "split"
		}
		fmt.Fprintf(&b, "%s %s (%d)\n", name, kind, n.lives())
		n.dump(&b)
	}
	return b.String()
}

// registrations computes a live filter's entries per type: its own type
// under its best fits, and the target type of every relation predicate
// under the nested filter's best fits.
func registrations(l *filter.Live) map[string][]entry {
	regs := make(map[string][]entry)
	own := l.Meta().Name()
	touched := filter.Touched(l)
	for _, f := range Classify(l) {
		regs[own] = append(regs[own], entry{live: l, fit: f, touched: touched})
	}

	var walk func(f filter.Filter)
	walk = func(f filter.Filter) {
		var prop *meta.Property
		var nested filter.Filter
		switch ft := f.(type) {
		case *filter.AnyRelation:
			prop, nested = ft.Property(), ft.Nested()
		case *filter.NoRelation:
			prop, nested = ft.Property(), ft.Nested()
		case *filter.AndFilter:
			for _, op := range ft.Operands() {
				walk(op)
			}
			return
		case *filter.OrFilter:
			for _, op := range ft.Operands() {
				walk(op)
			}
			return
		default:
			return
		}
		nt := filter.Touched(nested)
		for _, fit := range Classify(nested) {
			regs[prop.Target] = append(regs[prop.Target], entry{live: l, fit: fit, touched: nt, scope: true})
		}
		walk(nested)
	}
	walk(filter.Unwrap(l))
	return regs
}

// states describes the entity transitions carried by an event.
func states(ev event.Event) []*state {
	m := ev.Meta()
	switch e := ev.(type) {
	case event.Created:
		out := make([]*state, 0, len(e.Entities))
		for _, en := range e.Entities {
			out = append(out, &state{id: en.ID(), snapshots: snapshots(meta.Values(m, en)), entity: en})
		}
		return out
	case event.Deleted:
		seen := make(map[string]bool)
		var out []*state
		for _, en := range e.Entities {
			seen[value.Canonical(en.ID())] = true
			out = append(out, &state{id: en.ID(), snapshots: snapshots(meta.Values(m, en)), entity: en})
		}
		for _, id := range e.EntityIDs {
			if !seen[value.Canonical(id)] {
				out = append(out, &state{id: id, snapshots: []map[string]value.Value{nil}})
			}
		}
		return out
	case event.Updated:
		after := meta.Values(m, e.Entity)
		before := maps.Clone(after)
		changed := make(map[string]struct{}, len(e.Changes))
		for _, c := range e.Changes {
			before[c.Property] = c.Old
			changed[c.Property] = struct{}{}
		}
		return []*state{{id: e.Entity.ID(), snapshots: snapshots(before, after), changed: changed, entity: e.Entity}}
	case event.RelationsAdded:
		return []*state{relationState(m, e.Source, e.Relation)}
	case event.RelationsRemoved:
		return []*state{relationState(m, e.Source, e.Relation)}
	default:
		return nil
	}
}

func relationState(m *meta.EntityMeta, source meta.Entity, relation string) *state {
	return &state{
		id:        source.ID(),
		snapshots: snapshots(meta.Values(m, source)),
		changed:   map[string]struct{}{relation: {}},
		entity:    source,
	}
}

func snapshots(s ...map[string]value.Value) []map[string]value.Value { return s }
