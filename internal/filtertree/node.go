package filtertree

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// entry registers one live filter under one fit in one type node.
type entry struct {
	live    *filter.Live
	fit     Fit
	touched []string
	// scope marks registrations made on a relation target type.
	scope bool
}

func (e entry) String() string {
	s := e.live.ID() + " " + e.fit.String()
	if e.scope {
		s = "~" + s
	}
	return s
}

// state is one entity transition as seen by a node.
type state struct {
	id value.Value
	// snapshots holds the before and/or after values; a nil snapshot is an
	// unknown state that every fit matches.
	snapshots []map[string]value.Value
	// changed is nil for create and delete.
	changed map[string]struct{}
	// entity is the current entity, nil when only the id is known.
	entity meta.Entity
}

func (s *state) admits(e entry) bool {
	if e.fit.Class() == ClassAll {
		return true
	}
	if s.changed != nil && !s.touches(e) {
		// A member whose non-filter properties change is still of interest
		// to its own filter.
		if e.scope || s.entity == nil || !e.live.Matches(s.entity) {
			return false
		}
	}
	for _, snap := range s.snapshots {
		if snap == nil || e.fit.matches(snap) {
			return true
		}
	}
	return false
}

func (s *state) touches(e entry) bool {
	for _, p := range e.touched {
		if _, ok := s.changed[p]; ok {
			return true
		}
	}
	return false
}

type node interface {
	with(id string, es []entry) node
	without(id string) node
	collect(s *state, out map[string]*filter.Live)
	lives() int
	dump(b *strings.Builder)
}

// entityNode is a flat filter set.
type entityNode struct {
	byLive map[string][]entry
}

func (n *entityNode) with(id string, es []entry) node {
	c := &entityNode{byLive: maps.Clone(n.byLive)}
	if c.byLive == nil {
		c.byLive = make(map[string][]entry)
	}
	c.byLive[id] = es
	return c
}

func (n *entityNode) without(id string) node {
	c := &entityNode{byLive: maps.Clone(n.byLive)}
	delete(c.byLive, id)
	return c
}

func (n *entityNode) collect(s *state, out map[string]*filter.Live) {
	for id, es := range n.byLive {
		if _, ok := out[id]; ok {
			continue
		}
		for _, e := range es {
			if s.admits(e) {
				out[id] = e.live
				break
			}
		}
	}
}

func (n *entityNode) lives() int { return len(n.byLive) }

func (n *entityNode) dump(b *strings.Builder) {
	for _, id := range slices.Sorted(maps.Keys(n.byLive)) {
		for _, e := range n.byLive[id] {
			fmt.Fprintf(b, "  %s\n", e)
		}
	}
}

// propertyIndex holds the fits on one property: equality fits bucketed by
// canonical value, every other fit in a list.
type propertyIndex struct {
	values map[string][]entry
	other  []entry
}

// splitNode indexes filters by id, property and catch-all.
type splitNode struct {
	byLive map[string][]entry
	ids    map[string][]entry
	props  map[string]propertyIndex
	all    []entry
}

func split(n *entityNode) *splitNode {
	s := &splitNode{
		byLive: make(map[string][]entry, len(n.byLive)),
		ids:    make(map[string][]entry),
		props:  make(map[string]propertyIndex),
	}
	for id, es := range n.byLive {
		for _, e := range es {
			if p := e.fit.Property(); p != nil {
				idx := s.props[p.Name]
				if idx.values == nil {
					idx.values = make(map[string][]entry)
				}
				s.props[p.Name] = idx
			}
			s.index(e)
		}
		s.byLive[id] = es
	}
	return s
}

func merge(n *splitNode) *entityNode {
	return &entityNode{byLive: maps.Clone(n.byLive)}
}

// shallow copies the node's maps; buckets and property indexes are cloned
// by the caller before they are written.
func (n *splitNode) shallow() *splitNode {
	return &splitNode{
		byLive: maps.Clone(n.byLive),
		ids:    maps.Clone(n.ids),
		props:  maps.Clone(n.props),
		all:    n.all,
	}
}

func (n *splitNode) with(id string, es []entry) node {
	c := n.shallow()
	for _, e := range es {
		if p := e.fit.Property(); p != nil {
			idx := c.props[p.Name]
			idx.values = maps.Clone(idx.values)
			if idx.values == nil {
				idx.values = make(map[string][]entry)
			}
			c.props[p.Name] = idx
		}
	}
	for _, e := range es {
		c.index(e)
	}
	c.byLive[id] = es
	return c
}

// index adds e to its bucket. Slices are extended without aliasing the
// previous version's backing arrays.
func (n *splitNode) index(e entry) {
	switch f := e.fit.(type) {
	case IDFit:
		for _, id := range f.Leaf.IDs() {
			k := value.Canonical(id)
			n.ids[k] = appendEntry(n.ids[k], e)
		}
	case ValueFit:
		idx := n.props[f.Property().Name]
		k := value.Canonical(f.Leaf.Value())
		idx.values[k] = appendEntry(idx.values[k], e)
	case PredicateFit, RelationFit:
		name := f.Property().Name
		idx := n.props[name]
		idx.other = appendEntry(idx.other, e)
		n.props[name] = idx
	default:
		n.all = appendEntry(n.all, e)
	}
}

func (n *splitNode) without(id string) node {
	es, ok := n.byLive[id]
	if !ok {
		return n
	}
	c := n.shallow()
	delete(c.byLive, id)
	for _, e := range es {
		switch f := e.fit.(type) {
		case IDFit:
			for _, v := range f.Leaf.IDs() {
				k := value.Canonical(v)
				setBucket(c.ids, k, removeEntries(c.ids[k], id))
			}
		case ValueFit:
			name := f.Property().Name
			idx := c.props[name]
			idx.values = maps.Clone(idx.values)
			k := value.Canonical(f.Leaf.Value())
			setBucket(idx.values, k, removeEntries(idx.values[k], id))
			c.putIndex(name, idx)
		case PredicateFit, RelationFit:
			name := f.Property().Name
			idx := c.props[name]
			idx.other = removeEntries(idx.other, id)
			c.putIndex(name, idx)
		default:
			c.all = removeEntries(c.all, id)
		}
	}
	return c
}

func (n *splitNode) putIndex(name string, idx propertyIndex) {
	if len(idx.values) == 0 && len(idx.other) == 0 {
		delete(n.props, name)
		return
	}
	n.props[name] = idx
}

func (n *splitNode) collect(s *state, out map[string]*filter.Live) {
	visit := func(es []entry) {
		for _, e := range es {
			if _, ok := out[e.live.ID()]; ok {
				continue
			}
			if s.admits(e) {
				out[e.live.ID()] = e.live
			}
		}
	}

	if s.id != nil {
		visit(n.ids[value.Canonical(s.id)])
	}
	for name, idx := range n.props {
		for _, snap := range s.snapshots {
			if snap == nil {
				for _, bucket := range idx.values {
					visit(bucket)
				}
				continue
			}
			visit(idx.values[value.Canonical(lookup(snap, name))])
		}
		visit(idx.other)
	}
	visit(n.all)
}

func (n *splitNode) lives() int { return len(n.byLive) }

func (n *splitNode) dump(b *strings.Builder) {
	for _, k := range slices.Sorted(maps.Keys(n.ids)) {
		fmt.Fprintf(b, "  id %s: %s\n", k, liveIDs(n.ids[k]))
	}
	for _, name := range slices.Sorted(maps.Keys(n.props)) {
		idx := n.props[name]
		fmt.Fprintf(b, "  prop %s\n", name)
		for _, k := range slices.Sorted(maps.Keys(idx.values)) {
			fmt.Fprintf(b, "    = %s: %s\n", k, liveIDs(idx.values[k]))
		}
		for _, e := range sortedEntries(idx.other) {
			fmt.Fprintf(b, "    * %s\n", e)
		}
	}
	if len(n.all) > 0 {
		fmt.Fprintf(b, "  all: %s\n", liveIDs(n.all))
	}
}

func appendEntry(es []entry, e entry) []entry {
	return append(es[:len(es):len(es)], e)
}

func removeEntries(es []entry, id string) []entry {
	out := make([]entry, 0, len(es))
	for _, e := range es {
		if e.live.ID() != id {
			out = append(out, e)
		}
	}
	return out
}

func setBucket(m map[string][]entry, k string, es []entry) {
	if len(es) == 0 {
		delete(m, k)
		return
	}
	m[k] = es
}

func sortedEntries(es []entry) []entry {
	out := slices.Clone(es)
	slices.SortFunc(out, func(a, b entry) int { return strings.Compare(a.String(), b.String()) })
	return out
}

func liveIDs(es []entry) string {
	ids := make([]string, 0, len(es))
	for _, e := range es {
		id := e.live.ID()
		if e.scope {
			id = "~" + id
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return strings.Join(slices.Compact(ids), ", ")
}

func lookup(values map[string]value.Value, name string) value.Value {
	if v, ok := values[name]; ok && v != nil {
		return v
	}
	return value.Null{}
}
