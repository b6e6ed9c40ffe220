package projection

import (
	"context"
	"log/slog"
	"slices"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// Context is what a digest needs from the owning interest.
type Context struct {
	// Query is the interest's base query: type, filter and target stores.
	Query query.Query
	// Querier answers refill and reload queries.
	Querier Querier
	Logger  *slog.Logger
}

func (dc Context) logger() *slog.Logger {
	if dc.Logger == nil {
		return slog.Default()
	}
	return dc.Logger
}

func (dc Context) matches(e meta.Entity) bool {
	return dc.Query.Filter == nil || dc.Query.Filter.Matches(e)
}

// concerns reports whether ev is about entities of the query's type.
func (dc Context) concerns(ev event.Event) bool {
	return ev.Meta() != nil && ev.Meta().IsA(dc.Query.Meta)
}

// shifts reports whether ev is about a type that a relation predicate of the
// query's filter reads. Such an event can move any match in or out of scope,
// not just the entity it names, so only a fresh read is exact.
func (dc Context) shifts(ev event.Event) bool {
	m := ev.Meta()
	if m == nil || dc.Query.Filter == nil {
		return false
	}
	targets := filter.RelationTargets(dc.Query.Filter)
	if len(targets) == 0 {
		return false
	}
	for _, t := range append([]*meta.EntityMeta{m}, m.Ancestors()...) {
		if slices.Contains(targets, t.Name()) {
			return true
		}
	}
	return false
}

// Digest applies events to the page.
//
// Creates are admitted while the page has room or when they sort inside
// it, evicting the last member. Deletes and updates that leave the filter
// remove members. A page that shrank is topped up from the stores. When an
// event moves an entity across the start of a page with a non-zero offset,
// the whole page is read again, as it is after a change to an entity a
// relation predicate reads. Store failures keep the prior result.
func (r *EntityResult) Digest(ctx context.Context, dc Context, events []event.Event, emit func(Change)) Result {
	q := r.proj.Query(dc.Query)
	w := newWindow(q, r.Page)

	for _, ev := range events {
		if dc.shifts(ev) {
			w.stale = true
			break
		}
		if !dc.concerns(ev) {
			continue
		}
		switch e := ev.(type) {
		case event.Created:
			for _, ent := range e.Entities {
				w.change(nil, true, ent)
			}
		case event.Deleted:
			if len(e.Entities) == 0 {
				for _, id := range e.IDs() {
					w.drop(id)
				}
				continue
			}
			for _, ent := range e.Entities {
				w.change(ent, true, nil)
			}
		case event.Updated:
			old, known := previous(e)
			w.change(old, known, e.Entity)
		case event.RelationsAdded:
			w.change(nil, false, e.Source)
		case event.RelationsRemoved:
			w.change(nil, false, e.Source)
		}
	}

	log := dc.logger().With("path", r.proj.Path(), "type", q.Meta.Name())
	switch {
	case w.stale:
		page, err := dc.Querier.Query(ctx, q)
		if err != nil {
			log.Warn("page reload failed, keeping previous page", "error", err)
			return r
		}
		w.page, w.more = page.Entities, page.More

	case len(w.page) < w.size && (w.more || w.wasFull):
		deficit := q.WithPaging(query.Paging{Offset: q.Paging.Offset + len(w.page), Size: w.size - len(w.page)})
		page, err := dc.Querier.Query(ctx, deficit)
		if err != nil {
			log.Warn("page refill failed, keeping previous page", "error", err)
			return r
		}
		for _, ent := range page.Entities {
			if w.index(ent.ID()) < 0 {
				w.page = append(w.page, ent)
			}
		}
		w.more = page.More
		log.Debug("page refilled", "deficit", deficit.Paging.Size, "got", len(page.Entities))
	}
	slices.SortStableFunc(w.page, w.cmp)
	if len(w.page) > w.size {
		w.page = w.page[:w.size]
		w.more = true
	}

	next := query.Page{Paging: r.Page.Paging, Entities: w.page, More: w.more}
	if !diff(r.proj.Path(), q.Meta, r.Page, next, emit) {
		return r
	}
	return &EntityResult{proj: r.proj, Page: next}
}

// window is the working copy of a page during one digest.
type window struct {
	q       query.Query
	cmp     func(a, b meta.Entity) int
	size    int
	first   meta.Entity
	page    []meta.Entity
	more    bool
	wasFull bool
	stale   bool
}

func newWindow(q query.Query, p query.Page) *window {
	w := &window{
		q:       q,
		cmp:     q.Ordering.Comparator(q.Meta),
		size:    q.Paging.Size,
		page:    slices.Clone(p.Entities),
		more:    p.More,
		wasFull: len(p.Entities) >= q.Paging.Size,
	}
	if len(p.Entities) > 0 {
		w.first = p.Entities[0]
	}
	return w
}

func (w *window) matches(e meta.Entity) bool {
	return e != nil && (w.q.Filter == nil || w.q.Filter.Matches(e))
}

func (w *window) index(id value.Value) int {
	return slices.IndexFunc(w.page, func(e meta.Entity) bool { return value.Equal(e.ID(), id) })
}

// before reports whether e belongs to an earlier page.
func (w *window) before(e meta.Entity) bool {
	if w.q.Paging.Offset == 0 {
		return false
	}
	if w.first == nil {
		return true
	}
	return w.cmp(e, w.first) < 0
}

// change moves one entity from state old to state cur. A nil state means
// the entity does not exist; known is false when old could not be derived.
func (w *window) change(old meta.Entity, known bool, cur meta.Entity) {
	var id value.Value
	switch {
	case cur != nil:
		id = cur.ID()
	case old != nil:
		id = old.ID()
	default:
		return
	}
	i := w.index(id)
	if i >= 0 && cur != nil && sameState(w.q.Meta, w.page[i], cur) {
		return
	}

	if w.q.Paging.Offset > 0 {
		wasBefore := i < 0 && (!known || (w.matches(old) && w.before(old)))
		isBefore := w.matches(cur) && w.before(cur)
		if wasBefore != isBefore {
			w.stale = true
			return
		}
		if isBefore {
			if i >= 0 {
				w.stale = true
			}
			return
		}
	}

	if i >= 0 {
		w.page = slices.Delete(w.page, i, i+1)
	}
	if w.matches(cur) {
		w.admit(cur)
	}
}

// drop removes an entity known only by id.
func (w *window) drop(id value.Value) {
	i := w.index(id)
	if i >= 0 {
		w.page = slices.Delete(w.page, i, i+1)
		return
	}
	if w.q.Paging.Offset > 0 {
		w.stale = true
	}
}

func (w *window) admit(e meta.Entity) {
	if len(w.page) < w.size {
		if w.more && len(w.page) > 0 && w.cmp(e, w.last()) > 0 {
			// The refill decides whether e or a stored entity comes next.
			return
		}
		w.page = append(w.page, e)
		slices.SortStableFunc(w.page, w.cmp)
		return
	}
	w.more = true
	if w.size == 0 || w.cmp(e, w.last()) >= 0 {
		return
	}
	w.page[len(w.page)-1] = e
	slices.SortStableFunc(w.page, w.cmp)
}

func (w *window) last() meta.Entity {
	return w.page[len(w.page)-1]
}

// previous rebuilds the state an updated entity had before the update.
func previous(ev event.Updated) (meta.Entity, bool) {
	rec, ok := ev.Entity.(*meta.Record)
	if !ok {
		return nil, false
	}
	old := rec.Clone()
	for _, c := range ev.Changes {
		old.Put(c.Property, c.Old)
	}
	return old, true
}

func sameState(m *meta.EntityMeta, a, b meta.Entity) bool {
	if a == b {
		return true
	}
	if a.Version() != b.Version() {
		return false
	}
	if a.Version() != 0 {
		return true
	}
	for _, p := range m.Properties() {
		if p.IsRelation() {
			continue
		}
		if !value.Equal(p.Get(a), p.Get(b)) {
			return false
		}
	}
	return true
}

// diff emits the changes between two pages and reports whether any happened.
func diff(path string, m *meta.EntityMeta, old, cur query.Page, emit func(Change)) bool {
	find := func(es []meta.Entity, id value.Value) int {
		return slices.IndexFunc(es, func(e meta.Entity) bool { return value.Equal(e.ID(), id) })
	}

	var added, removed, updated []Entry
	for i, e := range cur.Entities {
		j := find(old.Entities, e.ID())
		switch {
		case j < 0:
			added = append(added, Entry{Index: i, Entity: e})
		case !sameState(m, old.Entities[j], e):
			updated = append(updated, Entry{Index: i, Entity: e})
		}
	}
	for i, e := range old.Entities {
		if find(cur.Entities, e.ID()) < 0 {
			removed = append(removed, Entry{Index: i, Entity: e})
		}
	}

	moved := old.More != cur.More || len(old.Entities) != len(cur.Entities)
	for i := 0; !moved && i < len(cur.Entities); i++ {
		moved = !value.Equal(old.Entities[i].ID(), cur.Entities[i].ID())
	}

	if len(added) > 0 {
		emit(EntitiesAdded{Path: path, Entries: added})
	}
	if len(removed) > 0 {
		emit(EntitiesRemoved{Path: path, Entries: removed})
	}
	if len(updated) > 0 {
		emit(EntitiesUpdated{Path: path, Entries: updated})
	}
	if moved {
		emit(PageChanged{Path: path, Page: cur})
	}
	return moved || len(updated) > 0
}

// Digest turns the count stale when an event can move it.
func (r *CountResult) Digest(_ context.Context, dc Context, events []event.Event, emit func(Change)) Result {
	if !affects(dc, r.proj.Property, events) {
		return r
	}
	emit(ProjectionChanged{Path: r.proj.Path()})
	return Reload(r.proj)
}

// Digest turns the sum stale when an event can move it.
func (r *SumResult) Digest(_ context.Context, dc Context, events []event.Event, emit func(Change)) Result {
	if !affects(dc, r.proj.Property, events) {
		return r
	}
	emit(ProjectionChanged{Path: r.proj.Path()})
	return Reload(r.proj)
}

// Digest keeps a stale result stale.
func (r *ReloadResult) Digest(context.Context, Context, []event.Event, func(Change)) Result {
	return r
}

// affects reports whether any event can change an aggregate over property
// (empty: over the matches themselves).
func affects(dc Context, property string, events []event.Event) bool {
	for _, ev := range events {
		if dc.shifts(ev) {
			return true
		}
		if !dc.concerns(ev) {
			continue
		}
		switch e := ev.(type) {
		case event.Created:
			if slices.ContainsFunc(e.Entities, dc.matches) {
				return true
			}
		case event.Deleted:
			if len(e.Entities) == 0 || slices.ContainsFunc(e.Entities, dc.matches) {
				return true
			}
		case event.Updated:
			old, known := previous(e)
			if !known {
				return true
			}
			was, is := dc.matches(old), dc.matches(e.Entity)
			if was != is || (is && property != "" && e.Changed(property)) {
				return true
			}
		case event.RelationsAdded, event.RelationsRemoved:
			rel, _ := event.Relation(ev)
			if dc.Query.Filter != nil && slices.Contains(filter.Touched(dc.Query.Filter), rel) {
				return true
			}
		}
	}
	return false
}

// Digest routes every event to the buckets of the entity's discriminator
// value before and after the event. A value with no bucket yet makes the
// whole bucket result stale.
func (r *BucketResult) Digest(ctx context.Context, dc Context, events []event.Event, emit func(Change)) Result {
	prop := dc.Query.Meta.MustProperty(r.proj.Discriminator)
	routed := make([][]event.Event, len(r.Buckets))
	last := make([]int, len(r.Buckets))
	for i := range last {
		last[i] = -1
	}

	var n int
	route := func(ev event.Event, key value.Value) {
		if i, ok := r.slot(key); ok && last[i] != n {
			routed[i] = append(routed[i], ev)
			last[i] = n
		}
	}
	everywhere := func(ev event.Event) {
		for i := range routed {
			routed[i] = append(routed[i], ev)
			last[i] = n
		}
	}
	unknown := func(e meta.Entity) bool {
		if !dc.matches(e) {
			return false
		}
		_, ok := r.slot(prop.Get(e))
		return !ok
	}

	for i, ev := range events {
		if dc.shifts(ev) {
			return r.stale(emit)
		}
		if !dc.concerns(ev) {
			continue
		}
		n = i
		switch e := ev.(type) {
		case event.Created:
			if slices.ContainsFunc(e.Entities, unknown) {
				return r.stale(emit)
			}
			for _, ent := range e.Entities {
				route(ev, prop.Get(ent))
			}
		case event.Deleted:
			if len(e.Entities) == 0 {
				everywhere(ev)
				continue
			}
			for _, ent := range e.Entities {
				route(ev, prop.Get(ent))
			}
		case event.Updated:
			if unknown(e.Entity) {
				return r.stale(emit)
			}
			route(ev, e.OldValue(prop.Name))
			route(ev, prop.Get(e.Entity))
		case event.RelationsAdded:
			if unknown(e.Source) {
				return r.stale(emit)
			}
			route(ev, prop.Get(e.Source))
		case event.RelationsRemoved:
			if unknown(e.Source) {
				return r.stale(emit)
			}
			route(ev, prop.Get(e.Source))
		}
	}

	var next []Group
	for i, b := range r.Buckets {
		if len(routed[i]) == 0 {
			continue
		}
		scoped := dc
		scoped.Query = Scope(dc.Query, r.proj.Discriminator, b.Key)
		inner := func(c Change) {
			emit(BucketChanged{Path: r.proj.Path(), Key: b.Key, Change: c})
		}
		results := slices.Clone(b.Results)
		changed := false
		for j, sub := range b.Results {
			results[j] = sub.Digest(ctx, scoped, routed[i], inner)
			changed = changed || results[j] != sub
		}
		if !changed {
			continue
		}
		if next == nil {
			next = slices.Clone(r.Buckets)
		}
		next[i] = Group{Key: b.Key, Results: results}
	}
	if next == nil {
		return r
	}
	return &BucketResult{proj: r.proj, Buckets: next}
}

func (r *BucketResult) slot(key value.Value) (int, bool) {
	return slices.BinarySearchFunc(r.Buckets, key, func(b Group, k value.Value) int {
		return value.Compare(b.Key, k)
	})
}

func (r *BucketResult) stale(emit func(Change)) Result {
	emit(ProjectionChanged{Path: r.proj.Path()})
	return Reload(r.proj)
}
