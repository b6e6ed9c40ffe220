package projection

import (
	"context"
	"fmt"
	"slices"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// Result is a sealed interface over projection results.
type Result interface {
	// Projection returns the projection the result answers.
	Projection() Projection
	// Digest folds events, in order, into a new result and reports the
	// observable changes through emit. The receiver is left untouched.
	Digest(ctx context.Context, dc Context, events []event.Event, emit func(Change)) Result
	resultNode()
}

// EntityResult answers an EntitiesProjection with one page.
type EntityResult struct {
	proj *EntitiesProjection
	Page query.Page
}

// CountResult answers a CountProjection.
type CountResult struct {
	proj  *CountProjection
	Count int64
}

// SumResult answers a SumProjection.
type SumResult struct {
	proj *SumProjection
	Sum  float64
}

// Group is one discriminator group of a BucketResult. Results holds one
// result per sub-projection, in the projection's order.
type Group struct {
	Key     value.Value
	Results []Result
}

// BucketResult answers a BucketProjection. Buckets are sorted by key.
type BucketResult struct {
	proj    *BucketProjection
	Buckets []Group
}

// ReloadResult marks a result as stale; it must be recomputed from the stores.
type ReloadResult struct {
	proj Projection
}

// Reload creates the stale sentinel for p.
func Reload(p Projection) *ReloadResult { return &ReloadResult{proj: p} }

func (r *EntityResult) Projection() Projection { return r.proj }
func (r *CountResult) Projection() Projection  { return r.proj }
func (r *SumResult) Projection() Projection    { return r.proj }
func (r *BucketResult) Projection() Projection { return r.proj }
func (r *ReloadResult) Projection() Projection { return r.proj }

// Entities returns the entities of the page.
func (r *EntityResult) Entities() []meta.Entity { return r.Page.Entities }

// Group returns the group for key.
func (r *BucketResult) Group(key value.Value) (Group, bool) {
	i, ok := slices.BinarySearchFunc(r.Buckets, key, func(b Group, k value.Value) int {
		return value.Compare(b.Key, k)
	})
	if !ok {
		return Group{}, false
	}
	return r.Buckets[i], true
}

// Keys returns the bucket keys in order.
func (r *BucketResult) Keys() []value.Value {
	out := make([]value.Value, len(r.Buckets))
	for i, b := range r.Buckets {
		out[i] = b.Key
	}
	return out
}

func (*EntityResult) resultNode() {}
func (*CountResult) resultNode()  {}
func (*SumResult) resultNode()    {}
func (*BucketResult) resultNode() {}
func (*ReloadResult) resultNode() {}

// Change is a sealed interface over the observable effects of a digest.
type Change interface {
	// Address returns the path of the projection the change applies to.
	Address() string
	changeNode()
}

// Entry is an entity at a page index.
type Entry struct {
	Index  int
	Entity meta.Entity
}

// EntitiesAdded lists admitted entities with their index in the new page.
type EntitiesAdded struct {
	Path    string
	Entries []Entry
}

// EntitiesRemoved lists evicted entities with their index in the old page.
type EntitiesRemoved struct {
	Path    string
	Entries []Entry
}

// EntitiesUpdated lists page members whose state changed, with their index
// in the new page.
type EntitiesUpdated struct {
	Path    string
	Entries []Entry
}

// PageChanged carries the new page after its membership or order moved.
type PageChanged struct {
	Path string
	Page query.Page
}

// ProjectionChanged reports that the result at Path is stale.
type ProjectionChanged struct {
	Path string
}

// BucketChanged wraps a change inside the bucket Key of the bucket
// projection at Path.
type BucketChanged struct {
	Path   string
	Key    value.Value
	Change Change
}

// Reloaded carries a result that was recomputed from the stores.
type Reloaded struct {
	Path   string
	Result Result
}

func (c EntitiesAdded) Address() string     { return c.Path }
func (c EntitiesRemoved) Address() string   { return c.Path }
func (c EntitiesUpdated) Address() string   { return c.Path }
func (c PageChanged) Address() string       { return c.Path }
func (c ProjectionChanged) Address() string { return c.Path }
func (c BucketChanged) Address() string     { return c.Path }
func (c Reloaded) Address() string          { return c.Path }

func (EntitiesAdded) changeNode()     {}
func (EntitiesRemoved) changeNode()   {}
func (EntitiesUpdated) changeNode()   {}
func (PageChanged) changeNode()       {}
func (ProjectionChanged) changeNode() {}
func (BucketChanged) changeNode()     {}
func (Reloaded) changeNode()          {}

// Describe renders a change for logs and golden files.
func Describe(c Change) string {
	switch ct := c.(type) {
	case EntitiesAdded:
		return fmt.Sprintf("%s added %s", ct.Path, entries(ct.Entries))
	case EntitiesRemoved:
		return fmt.Sprintf("%s removed %s", ct.Path, entries(ct.Entries))
	case EntitiesUpdated:
		return fmt.Sprintf("%s updated %s", ct.Path, entries(ct.Entries))
	case PageChanged:
		return fmt.Sprintf("%s page %s%s", ct.Path, ct.Page.Paging, ids(ct.Page))
	case ProjectionChanged:
		return ct.Path + " stale"
	case BucketChanged:
		return fmt.Sprintf("%s[%s] %s", ct.Path, value.Format(ct.Key), Describe(ct.Change))
	case Reloaded:
		return ct.Path + " reloaded"
	default:
		return fmt.Sprintf("unknown change %T", c)
	}
}

func entries(es []Entry) string {
	s := "["
	for i, e := range es {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%d:%s", e.Index, value.Format(e.Entity.ID()))
	}
	return s + "]"
}

func ids(p query.Page) string {
	s := " ["
	for i, e := range p.Entities {
		if i > 0 {
			s += " "
		}
		s += value.Format(e.ID())
	}
	s += "]"
	if p.More {
		s += " more"
	}
	return s
}
