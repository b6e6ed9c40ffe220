package projection

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// Querier answers paged queries. Stores and the query manager satisfy it.
type Querier interface {
	Query(ctx context.Context, q query.Query) (query.Page, error)
}

// Static is a Querier over a fixed entity slice. Every entity is taken to
// be of the query's type.
type Static []meta.Entity

// Query evaluates q over the slice.
func (s Static) Query(ctx context.Context, q query.Query) (query.Page, error) {
	if err := ctx.Err(); err != nil {
		return query.Page{}, err
	}
	if err := q.Validate(); err != nil {
		return query.Page{}, err
	}
	return query.Apply(q, s), nil
}

// Compute reads the result of p for the matches of base.
// base's ordering and paging are ignored.
func Compute(ctx context.Context, q Querier, base query.Query, p Projection) (Result, error) {
	switch pt := p.(type) {
	case *EntitiesProjection:
		page, err := q.Query(ctx, pt.Query(base))
		if err != nil {
			return nil, err
		}
		return &EntityResult{proj: pt, Page: page}, nil

	case *CountProjection:
		all, err := everything(ctx, q, base)
		if err != nil {
			return nil, err
		}
		return count(pt, base.Meta, all), nil

	case *SumProjection:
		all, err := everything(ctx, q, base)
		if err != nil {
			return nil, err
		}
		return sum(pt, base.Meta, all), nil

	case *BucketProjection:
		all, err := everything(ctx, q, base)
		if err != nil {
			return nil, err
		}
		return bucket(ctx, pt, base, all)

	default:
		return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("unknown projection %T", p)}
	}
}

func everything(ctx context.Context, q Querier, base query.Query) ([]meta.Entity, error) {
	page, err := q.Query(ctx, base.WithOrdering(query.Ordering{}).WithPaging(query.Paging{Size: query.Unbounded}))
	if err != nil {
		return nil, err
	}
	return page.Entities, nil
}

func count(p *CountProjection, m *meta.EntityMeta, entities []meta.Entity) *CountResult {
	r := &CountResult{proj: p}
	if p.Property == "" {
		r.Count = int64(len(entities))
		return r
	}
	prop := m.MustProperty(p.Property)
	for _, e := range entities {
		if !value.IsNull(prop.Get(e)) {
			r.Count++
		}
	}
	return r
}

func sum(p *SumProjection, m *meta.EntityMeta, entities []meta.Entity) *SumResult {
	r := &SumResult{proj: p}
	prop := m.MustProperty(p.Property)
	for _, e := range entities {
		if f, ok := value.Numeric(prop.Get(e)); ok {
			r.Sum += f
		}
	}
	return r
}

// bucket groups entities by discriminator and computes every sub-projection
// over each group in memory.
func bucket(ctx context.Context, p *BucketProjection, base query.Query, entities []meta.Entity) (*BucketResult, error) {
	prop := base.Meta.MustProperty(p.Discriminator)
	groups := make(map[string][]meta.Entity)
	keys := make(map[string]value.Value)
	for _, e := range entities {
		v := prop.Get(e)
		k := value.Canonical(v)
		groups[k] = append(groups[k], e)
		keys[k] = v
	}

	r := &BucketResult{proj: p}
	for k, members := range groups {
		b := Group{Key: keys[k], Results: make([]Result, len(p.Subs))}
		scoped := Scope(base, p.Discriminator, b.Key)
		for i, sub := range p.Subs {
			res, err := Compute(ctx, Static(members), scoped, sub)
			if err != nil {
				return nil, err
			}
			b.Results[i] = res
		}
		r.Buckets = append(r.Buckets, b)
	}
	slices.SortFunc(r.Buckets, func(a, b Group) int { return value.Compare(a.Key, b.Key) })
	return r, nil
}

// Scope narrows base to the entities whose property equals key.
func Scope(base query.Query, property string, key value.Value) query.Query {
	var narrow filter.Filter
	if value.IsNull(key) {
		narrow = filter.Must(filter.IsNull(base.Meta, property))
	} else {
		narrow = filter.Must(filter.Eq(base.Meta, property, key))
	}
	if base.Filter == nil {
		return base.WithFilter(narrow)
	}
	return base.WithFilter(filter.And(filter.Unwrap(base.Filter), narrow))
}

// Find returns the result at path inside r. Each bucket projection on the
// way consumes one key.
func Find(r Result, path string, keys ...value.Value) (Result, error) {
	for {
		if r.Projection().Path() == path {
			return r, nil
		}
		next, rest, err := descend(r, path, keys)
		if err != nil {
			return nil, err
		}
		r, keys = next, rest
	}
}

// Retrieve materializes the result at path inside r, recomputing stale
// results on the way from the stores behind q.
func Retrieve(ctx context.Context, q Querier, base query.Query, r Result, path string, keys ...value.Value) (Result, error) {
	for {
		if _, stale := r.(*ReloadResult); stale {
			fresh, err := Compute(ctx, q, base, r.Projection())
			if err != nil {
				return nil, err
			}
			r = fresh
		}
		if r.Projection().Path() == path {
			return r, nil
		}
		next, rest, err := descend(r, path, keys)
		if err != nil {
			return nil, err
		}
		base = Scope(base, r.(*BucketResult).proj.Discriminator, keys[0])
		r, keys = next, rest
	}
}

// descend steps from a bucket result into the sub-result on the way to path.
func descend(r Result, path string, keys []value.Value) (Result, []value.Value, error) {
	b, ok := r.(*BucketResult)
	if !ok || !strings.HasPrefix(path, b.proj.Path()+"/") {
		return nil, nil, unknownPath(path, "no result at path")
	}
	if len(keys) == 0 {
		return nil, nil, unknownPath(path, "missing bucket key")
	}
	group, ok := b.Group(keys[0])
	if !ok {
		return nil, nil, unknownPath(path, "no bucket "+value.Format(keys[0]))
	}
	for _, sub := range group.Results {
		sp := sub.Projection().Path()
		if path == sp || strings.HasPrefix(path, sp+"/") {
			return sub, keys[1:], nil
		}
	}
	return nil, nil, unknownPath(path, "no result at path")
}

func unknownPath(path, msg string) error {
	return &Error{Code: ErrCodeUnknownPath, Message: msg, Path: path}
}
