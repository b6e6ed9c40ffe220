package query

import (
	"fmt"
	"math"
	"slices"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
)

// Unbounded is a page size large enough to read every match.
const Unbounded = math.MaxInt32

// Paging selects a window of an ordered result.
type Paging struct {
	Offset int
	Size   int
}

// Next returns the following page.
func (p Paging) Next() Paging {
	return Paging{Offset: p.Offset + p.Size, Size: p.Size}
}

// Prev returns the preceding page, clamped at offset 0.
func (p Paging) Prev() Paging {
	return Paging{Offset: max(0, p.Offset-p.Size), Size: p.Size}
}

// End returns the offset just past the window.
func (p Paging) End() int {
	if p.Size >= Unbounded-p.Offset {
		return Unbounded
	}
	return p.Offset + p.Size
}

func (p Paging) String() string {
	return fmt.Sprintf("[%d+%d]", p.Offset, p.Size)
}

// Query is a filter over one type with ordering, paging and optional
// target stores (empty: every known store).
type Query struct {
	Meta     *meta.EntityMeta
	Filter   filter.Filter
	Ordering Ordering
	Paging   Paging
	Stores   []string
}

// New creates a query for every entity of m on the first page of size.
func New(m *meta.EntityMeta, f filter.Filter, size int) Query {
	if f == nil {
		f = filter.All(m)
	}
	return Query{Meta: m, Filter: f, Paging: Paging{Size: size}}
}

// WithFilter returns a copy with a different filter.
func (q Query) WithFilter(f filter.Filter) Query {
	q.Filter = f
	return q
}

// WithOrdering returns a copy with a different ordering.
func (q Query) WithOrdering(o Ordering) Query {
	q.Ordering = o
	return q
}

// WithPaging returns a copy with a different paging.
func (q Query) WithPaging(p Paging) Query {
	q.Paging = p
	return q
}

// WithStores returns a copy targeting the named stores.
func (q Query) WithStores(names ...string) Query {
	q.Stores = slices.Clone(names)
	return q
}

// Validate checks filter, ordering and paging.
func (q Query) Validate() error {
	if q.Meta == nil {
		return &Error{Code: ErrCodeInvalidQuery, Message: "query has no entity type"}
	}
	if q.Filter != nil && !q.Filter.Meta().Equal(q.Meta) {
		return &Error{Code: ErrCodeInvalidQuery, Message: "filter applies to " + q.Filter.Meta().Name(), Entity: q.Meta.Name()}
	}
	if q.Paging.Offset < 0 || q.Paging.Size < 0 {
		return &Error{Code: ErrCodeInvalidQuery, Message: "negative paging " + q.Paging.String(), Entity: q.Meta.Name()}
	}
	return q.Ordering.Validate(q.Meta)
}

func (q Query) String() string {
	f := "true"
	if q.Filter != nil {
		f = q.Filter.String()
	}
	return fmt.Sprintf("%s where %s order by %s %s", q.Meta.Name(), f, q.Ordering, q.Paging)
}

// Page is one window of a query result. More reports that further matching
// entities exist beyond this window.
type Page struct {
	Paging   Paging
	Entities []meta.Entity
	More     bool
}

// Len returns the number of entities on the page.
func (p Page) Len() int { return len(p.Entities) }

// Apply evaluates q over entities: filter, sort, then cut the page window.
func Apply(q Query, entities []meta.Entity) Page {
	matched := Select(q, entities)
	return Cut(q.Paging, matched)
}

// Select filters and sorts entities for q without paging.
func Select(q Query, entities []meta.Entity) []meta.Entity {
	var matched []meta.Entity
	for _, e := range entities {
		if q.Filter == nil || q.Filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	slices.SortStableFunc(matched, q.Ordering.Comparator(q.Meta))
	return matched
}

// Cut returns the page window of an already sorted slice.
func Cut(p Paging, sorted []meta.Entity) Page {
	start := min(p.Offset, len(sorted))
	end := min(p.End(), len(sorted))
	return Page{
		Paging:   p,
		Entities: slices.Clone(sorted[start:end]),
		More:     end < len(sorted),
	}
}
