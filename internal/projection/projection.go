package projection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
)

// Projection is a sealed interface over view requests.
//
// Every projection carries a path that addresses its result inside a
// projection tree. Paths are assigned by Assign: top-level projections get
// "0", "1", ... and the sub-projections of a bucket extend their parent's
// path with "/<index>".
type Projection interface {
	// Path returns the address of the projection's result.
	Path() string
	// Validate checks the projection against the entity type it views.
	Validate(m *meta.EntityMeta) error
	String() string
	projectionNode()
}

// EntitiesProjection is a paged, ordered entity list.
type EntitiesProjection struct {
	path     string
	Ordering query.Ordering
	Paging   query.Paging
}

// CountProjection counts the matches. With a Property set only matches
// whose property is not null are counted.
type CountProjection struct {
	path     string
	Property string
}

// SumProjection sums a numeric property over the matches; nulls are skipped.
type SumProjection struct {
	path     string
	Property string
}

// BucketProjection groups the matches by the value of Discriminator and
// evaluates Subs within every group.
type BucketProjection struct {
	path          string
	Discriminator string
	Subs          []Projection
}

// Entities creates an entity list projection.
func Entities(o query.Ordering, p query.Paging) *EntitiesProjection {
	return &EntitiesProjection{Ordering: o, Paging: p}
}

// Count creates a count projection. property may be empty.
func Count(property string) *CountProjection {
	return &CountProjection{Property: property}
}

// Sum creates a sum projection.
func Sum(property string) *SumProjection {
	return &SumProjection{Property: property}
}

// Bucket creates a bucket projection.
func Bucket(discriminator string, subs ...Projection) *BucketProjection {
	return &BucketProjection{Discriminator: discriminator, Subs: subs}
}

// Assign returns a copy of p, and of its sub-projections, with paths
// rooted at path.
func Assign(p Projection, path string) Projection {
	switch pt := p.(type) {
	case *EntitiesProjection:
		c := *pt
		c.path = path
		return &c
	case *CountProjection:
		c := *pt
		c.path = path
		return &c
	case *SumProjection:
		c := *pt
		c.path = path
		return &c
	case *BucketProjection:
		c := *pt
		c.path = path
		c.Subs = make([]Projection, len(pt.Subs))
		for i, sub := range pt.Subs {
			c.Subs[i] = Assign(sub, path+"/"+strconv.Itoa(i))
		}
		return &c
	default:
		panic(fmt.Sprintf("projection: unknown projection %T", p))
	}
}

// AssignAll assigns the top-level paths "0", "1", ... to ps.
func AssignAll(ps ...Projection) []Projection {
	out := make([]Projection, len(ps))
	for i, p := range ps {
		out[i] = Assign(p, strconv.Itoa(i))
	}
	return out
}

// WithPaging returns a copy of p with a different paging.
func (p *EntitiesProjection) WithPaging(pg query.Paging) *EntitiesProjection {
	c := *p
	c.Paging = pg
	return &c
}

// WithOrdering returns a copy of p with a different ordering.
func (p *EntitiesProjection) WithOrdering(o query.Ordering) *EntitiesProjection {
	c := *p
	c.Ordering = o
	return &c
}

// Query returns base narrowed to the projection's ordering and paging.
func (p *EntitiesProjection) Query(base query.Query) query.Query {
	return base.WithOrdering(p.Ordering).WithPaging(p.Paging)
}

func (p *EntitiesProjection) Path() string { return p.path }
func (p *CountProjection) Path() string    { return p.path }
func (p *SumProjection) Path() string      { return p.path }
func (p *BucketProjection) Path() string   { return p.path }

func (p *EntitiesProjection) Validate(m *meta.EntityMeta) error {
	if p.Paging.Offset < 0 || p.Paging.Size < 0 {
		return &Error{Code: ErrCodeInvalid, Message: "negative paging " + p.Paging.String(), Path: p.path}
	}
	if err := p.Ordering.Validate(m); err != nil {
		return &Error{Code: ErrCodeInvalid, Message: "bad ordering", Path: p.path, Err: err}
	}
	return nil
}

func (p *CountProjection) Validate(m *meta.EntityMeta) error {
	if p.Property == "" {
		return nil
	}
	_, err := valueProperty(m, p.Property, p.path)
	return err
}

func (p *SumProjection) Validate(m *meta.EntityMeta) error {
	prop, err := valueProperty(m, p.Property, p.path)
	if err != nil {
		return err
	}
	if prop.Kind != meta.KindInt && prop.Kind != meta.KindFloat {
		return &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("cannot sum %s property %q", prop.Kind, prop.Name), Path: p.path}
	}
	return nil
}

func (p *BucketProjection) Validate(m *meta.EntityMeta) error {
	if _, err := valueProperty(m, p.Discriminator, p.path); err != nil {
		return err
	}
	if len(p.Subs) == 0 {
		return &Error{Code: ErrCodeInvalid, Message: "bucket without sub-projections", Path: p.path}
	}
	for _, sub := range p.Subs {
		if err := sub.Validate(m); err != nil {
			return err
		}
	}
	return nil
}

func valueProperty(m *meta.EntityMeta, name, path string) (*meta.Property, error) {
	prop, ok := m.Property(name)
	if !ok {
		return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("%s has no property %q", m.Name(), name), Path: path}
	}
	if prop.IsRelation() {
		return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("relation %q cannot be aggregated", name), Path: path}
	}
	return prop, nil
}

func (p *EntitiesProjection) String() string {
	return fmt.Sprintf("entities order by %s %s", p.Ordering, p.Paging)
}

func (p *CountProjection) String() string {
	if p.Property == "" {
		return "count"
	}
	return "count(" + p.Property + ")"
}

func (p *SumProjection) String() string { return "sum(" + p.Property + ")" }

func (p *BucketProjection) String() string {
	subs := make([]string, len(p.Subs))
	for i, s := range p.Subs {
		subs[i] = s.String()
	}
	return "bucket(" + p.Discriminator + ": " + strings.Join(subs, ", ") + ")"
}

func (*EntitiesProjection) projectionNode() {}
func (*CountProjection) projectionNode()    {}
func (*SumProjection) projectionNode()      {}
func (*BucketProjection) projectionNode()   {}
