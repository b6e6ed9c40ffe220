package query

import (
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Direction is the sort direction of one ordering key.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// NullPlacement decides where null values sort.
type NullPlacement int

const (
	// NullsFirst sorts nulls before every value (the value total order).
	NullsFirst NullPlacement = iota
	// NullsLast sorts nulls after every value, regardless of direction.
	NullsLast
)

// SortKey is one (property, direction) pair of an ordering.
type SortKey struct {
	Property  string
	Direction Direction
}

// Ordering is an ordered list of sort keys plus null placement.
//
// A non-empty ordering is total: entities that tie on every key are ordered
// by id. The empty ("natural") ordering compares every pair as equal.
//
// When Language is set (a BCP 47 tag), string values compare with that
// locale's collation instead of byte order.
type Ordering struct {
	Keys     []SortKey
	Nulls    NullPlacement
	Language string
}

// OrderBy builds an ordering from alternating keys, e.g. OrderBy("name", Asc, "age", Desc).
func OrderBy(pairs ...any) Ordering {
	var o Ordering
	for i := 0; i+1 < len(pairs); i += 2 {
		o.Keys = append(o.Keys, SortKey{Property: pairs[i].(string), Direction: pairs[i+1].(Direction)})
	}
	return o
}

// Natural reports whether the ordering has no keys.
func (o Ordering) Natural() bool { return len(o.Keys) == 0 }

func (o Ordering) String() string {
	if o.Natural() {
		return "natural"
	}
	parts := make([]string, len(o.Keys))
	for i, k := range o.Keys {
		parts[i] = k.Property + " " + k.Direction.String()
	}
	return strings.Join(parts, ", ")
}

// Validate checks that every key names a non-relation property of m.
func (o Ordering) Validate(m *meta.EntityMeta) error {
	for _, k := range o.Keys {
		p, ok := m.Property(k.Property)
		if !ok {
			return &Error{Code: ErrCodeInvalidQuery, Message: "unknown ordering property " + k.Property, Entity: m.Name()}
		}
		if p.IsRelation() {
			return &Error{Code: ErrCodeInvalidQuery, Message: "cannot order by relation " + k.Property, Entity: m.Name()}
		}
	}
	if o.Language != "" {
		if _, err := language.Parse(o.Language); err != nil {
			return &Error{Code: ErrCodeInvalidQuery, Message: "invalid collation language " + o.Language, Entity: m.Name(), Err: err}
		}
	}
	return nil
}

// Comparator returns a compare function over entities of m.
//
// The returned function holds its own collator and must not be shared
// between goroutines when Language is set.
func (o Ordering) Comparator(m *meta.EntityMeta) func(a, b meta.Entity) int {
	if o.Natural() {
		return func(a, b meta.Entity) int { return 0 }
	}

	props := make([]*meta.Property, len(o.Keys))
	for i, k := range o.Keys {
		props[i], _ = m.Property(k.Property)
	}
	idp := m.IDProperty()

	var col *collate.Collator
	if o.Language != "" {
		if tag, err := language.Parse(o.Language); err == nil {
			col = collate.New(tag)
		}
	}

	compareValues := func(a, b value.Value) int {
		if col != nil {
			as, aok := a.(value.String)
			bs, bok := b.(value.String)
			if aok && bok {
				return col.CompareString(string(as), string(bs))
			}
		}
		return value.Compare(a, b)
	}

	return func(a, b meta.Entity) int {
		for i, k := range o.Keys {
			p := props[i]
			if p == nil {
				continue
			}
			av, bv := p.Get(a), p.Get(b)
			an, bn := value.IsNull(av), value.IsNull(bv)
			if o.Nulls == NullsLast && an != bn {
				if an {
					return 1
				}
				return -1
			}
			c := compareValues(av, bv)
			if k.Direction == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return value.Compare(idp.Get(a), idp.Get(b))
	}
}

// ParseOrdering reads keys written as "age desc, name" or "age:desc,name:asc".
// A trailing "nulls last" or "nulls first" sets the null placement. The
// empty string is the natural ordering.
func ParseOrdering(s string) (Ordering, error) {
	var o Ordering
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(strings.ReplaceAll(part, ":", " "))
		if len(fields) == 0 {
			continue
		}
		if n := len(fields); n >= 2 && strings.EqualFold(fields[n-2], "nulls") {
			switch strings.ToLower(fields[n-1]) {
			case "first":
				o.Nulls = NullsFirst
			case "last":
				o.Nulls = NullsLast
			default:
				return Ordering{}, &Error{Code: ErrCodeInvalidQuery, Message: "invalid null placement " + fields[n-1]}
			}
			fields = fields[:n-2]
		}
		switch len(fields) {
		case 1:
			o.Keys = append(o.Keys, SortKey{Property: fields[0], Direction: Asc})
		case 2:
			var dir Direction
			switch strings.ToLower(fields[1]) {
			case "asc":
				dir = Asc
			case "desc":
				dir = Desc
			default:
				return Ordering{}, &Error{Code: ErrCodeInvalidQuery, Message: "invalid direction " + fields[1] + " for " + fields[0]}
			}
			o.Keys = append(o.Keys, SortKey{Property: fields[0], Direction: dir})
		default:
			return Ordering{}, &Error{Code: ErrCodeInvalidQuery, Message: "invalid ordering key " + strings.TrimSpace(part)}
		}
	}
	return o, nil
}
