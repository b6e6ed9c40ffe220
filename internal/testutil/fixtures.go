package testutil

import (
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Universe holds the fixture entity types.
//
// Person: id, name, age?, city?, score?, friends -> Person (many), employer -> Company
// Company: id, name, size
type Universe struct {
	Registry *meta.Registry
	Person   *meta.EntityMeta
	Company  *meta.EntityMeta
}

// NewUniverse builds and registers the fixture types.
func NewUniverse() *Universe {
	company := meta.Define("Company").
		ID("id", meta.KindString).
		Versioned().
		Property("name", meta.KindString).
		Property("size", meta.KindInt, meta.Nullable()).
		MustBuild()

	person := meta.Define("Person").
		ID("id", meta.KindString).
		Versioned().
		Property("name", meta.KindString).
		Property("age", meta.KindInt, meta.Nullable()).
		Property("city", meta.KindString, meta.Nullable()).
		Property("score", meta.KindFloat, meta.Nullable()).
		Relation("friends", "Person", meta.WithArity(meta.Many)).
		Relation("employer", "Company").
		MustBuild()

	reg := meta.NewRegistry()
	for _, m := range []*meta.EntityMeta{company, person} {
		if err := reg.Register(m); err != nil {
			panic(err)
		}
	}
	return &Universe{Registry: reg, Person: person, Company: company}
}

// NewPerson creates a Person record. age < 0 leaves age null, city "" leaves city null.
func (u *Universe) NewPerson(id, name string, age int64, city string) *meta.Record {
	r := u.Person.New(value.String(id)).Put("name", value.String(name))
	if age >= 0 {
		r.Put("age", value.Int(age))
	}
	if city != "" {
		r.Put("city", value.String(city))
	}
	r.SetVersion(1)
	return r
}

// NewCompany creates a Company record.
func (u *Universe) NewCompany(id, name string, size int64) *meta.Record {
	r := u.Company.New(value.String(id)).
		Put("name", value.String(name)).
		Put("size", value.Int(size))
	r.SetVersion(1)
	return r
}

// Named creates a Person with only id and name set.
func (u *Universe) Named(id, name string) *meta.Record {
	return u.NewPerson(id, name, -1, "")
}

// Entities converts records to the Entity interface slice.
func Entities(records ...*meta.Record) []meta.Entity {
	out := make([]meta.Entity, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

// IDStrings returns the string ids of entities, in order.
func IDStrings(entities []meta.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		if s, ok := e.ID().(value.String); ok {
			out[i] = string(s)
		} else {
			out[i] = value.Format(e.ID())
		}
	}
	return out
}

// Names returns the "name" property of Records, in order.
func Names(entities []meta.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		if r, ok := e.(*meta.Record); ok {
			if s, ok := r.Get("name").(value.String); ok {
				out[i] = string(s)
			}
		}
	}
	return out
}
