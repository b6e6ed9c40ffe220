package filtertree

import (
	"cmp"
	"slices"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Class ranks fits by selectivity, most selective first.
type Class int

const (
	ClassID Class = iota
	ClassEQ
	ClassCompare
	ClassNull
	ClassIn
	ClassRelation
	ClassAll
)

func (c Class) String() string {
	switch c {
	case ClassID:
		return "id"
	case ClassEQ:
		return "eq"
	case ClassCompare:
		return "cmp"
	case ClassNull:
		return "null"
	case ClassIn:
		return "in"
	case ClassRelation:
		return "rel"
	default:
		return "all"
	}
}

// Fit is the predicate a live filter is indexed under.
type Fit interface {
	Class() Class
	// Property returns the indexed property, nil for id and catch-all fits.
	Property() *meta.Property
	String() string
	// matches evaluates the fit against a value snapshot of an entity.
	matches(values map[string]value.Value) bool
}

// IDFit indexes a static id set.
type IDFit struct {
	Leaf *filter.StaticID
}

func (f IDFit) Class() Class             { return ClassID }
func (f IDFit) Property() *meta.Property { return nil }
func (f IDFit) String() string           { return f.Leaf.String() }
func (f IDFit) matches(v map[string]value.Value) bool {
	return f.Leaf.MatchesValues(v)
}

// ValueFit indexes an equality compare under its operand value.
type ValueFit struct {
	Leaf *filter.PropertyCompare
}

func (f ValueFit) Class() Class             { return ClassEQ }
func (f ValueFit) Property() *meta.Property { return f.Leaf.Property() }
func (f ValueFit) String() string           { return f.Leaf.String() }
func (f ValueFit) matches(v map[string]value.Value) bool {
	return f.Leaf.MatchesValues(v)
}

// PredicateFit indexes any other single property predicate.
type PredicateFit struct {
	Leaf  filter.Filter
	Prop  *meta.Property
	class Class
}

func (f PredicateFit) Class() Class             { return f.class }
func (f PredicateFit) Property() *meta.Property { return f.Prop }
func (f PredicateFit) String() string           { return f.Leaf.String() }
func (f PredicateFit) matches(v map[string]value.Value) bool {
	return f.Leaf.MatchesValues(v)
}

// RelationFit indexes a relation predicate. Relation membership is not part
// of a value snapshot, so it matches every state.
type RelationFit struct {
	Leaf filter.Filter
	Prop *meta.Property
}

func (f RelationFit) Class() Class                        { return ClassRelation }
func (f RelationFit) Property() *meta.Property            { return f.Prop }
func (f RelationFit) String() string                      { return "rel(" + f.Prop.Name + ")" }
func (f RelationFit) matches(map[string]value.Value) bool { return true }

// AllFit is the catch-all.
type AllFit struct{}

func (AllFit) Class() Class                        { return ClassAll }
func (AllFit) Property() *meta.Property            { return nil }
func (AllFit) String() string                      { return "all" }
func (AllFit) matches(map[string]value.Value) bool { return true }

// Classify returns the fits a filter is indexed under. Whenever the filter
// matches an entity state, at least one returned fit matches that state.
func Classify(f filter.Filter) []Fit {
	switch ft := f.(type) {
	case *filter.Live:
		return Classify(ft.Inner())
	case *filter.StaticID:
		return []Fit{IDFit{Leaf: ft}}
	case *filter.PropertyCompare:
		if ft.Op() == filter.EQ {
			return []Fit{ValueFit{Leaf: ft}}
		}
		return []Fit{PredicateFit{Leaf: ft, Prop: ft.Property(), class: ClassCompare}}
	case *filter.PropertyNull:
		return []Fit{PredicateFit{Leaf: ft, Prop: ft.Property(), class: ClassNull}}
	case *filter.PropertyNotNull:
		return []Fit{PredicateFit{Leaf: ft, Prop: ft.Property(), class: ClassNull}}
	case *filter.PropertyIn:
		return []Fit{PredicateFit{Leaf: ft, Prop: ft.Property(), class: ClassIn}}
	case *filter.PropertyNotIn:
		return []Fit{PredicateFit{Leaf: ft, Prop: ft.Property(), class: ClassIn}}
	case *filter.AnyRelation:
		return []Fit{RelationFit{Leaf: ft, Prop: ft.Property()}}
	case *filter.NoRelation:
		return []Fit{RelationFit{Leaf: ft, Prop: ft.Property()}}
	case *filter.AndFilter:
		var best []Fit
		for _, op := range ft.Operands() {
			fits := Classify(op)
			if best == nil || compareFits(fits, best) < 0 {
				best = fits
			}
		}
		return best
	case *filter.OrFilter:
		var out []Fit
		for _, op := range ft.Operands() {
			fits := Classify(op)
			if isCatchAll(fits) {
				return []Fit{AllFit{}}
			}
			out = append(out, fits...)
		}
		return out
	default:
		return []Fit{AllFit{}}
	}
}

func isCatchAll(fits []Fit) bool {
	return slices.ContainsFunc(fits, func(f Fit) bool { return f.Class() == ClassAll })
}

// score orders a single fit: class first, then the property's declared order.
func score(f Fit) (Class, int) {
	if p := f.Property(); p != nil {
		return f.Class(), p.Order
	}
	return f.Class(), -1
}

// compareFits compares fit sets by their least selective member, then size.
func compareFits(a, b []Fit) int {
	ac, ao := worst(a)
	bc, bo := worst(b)
	if c := cmp.Compare(ac, bc); c != 0 {
		return c
	}
	if c := cmp.Compare(ao, bo); c != 0 {
		return c
	}
	return cmp.Compare(len(a), len(b))
}

func worst(fits []Fit) (Class, int) {
	wc, wo := ClassID, -1
	for i, f := range fits {
		c, o := score(f)
		if i == 0 || c > wc || (c == wc && o > wo) {
			wc, wo = c, o
		}
	}
	return wc, wo
}
