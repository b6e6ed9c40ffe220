package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/value"
)

func personMeta(t *testing.T) *EntityMeta {
	t.Helper()
	m, err := Define("Person").
		ID("id", KindString).
		Versioned().
		Property("name", KindString).
		Property("age", KindInt, Nullable()).
		Property("score", KindFloat, Nullable(), WithOrder(0)).
		Relation("friends", "Person", WithArity(Many)).
		Build()
	require.NoError(t, err)
	return m
}

func TestBuild_PropertyOrder(t *testing.T) {
	m := personMeta(t)

	var names []string
	for _, p := range m.Properties() {
		names = append(names, p.Name)
	}
	// id and score share order 0 and sort by name
	assert.Equal(t, []string{"id", "score", "name", "age", "friends"}, names)
	assert.Equal(t, "id", m.IDProperty().Name)
	assert.False(t, m.IDProperty().Mutable)
	assert.True(t, m.Versioned())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"missing id", Define("X").Property("a", KindString)},
		{"missing name", Define("").ID("id", KindInt)},
		{"relation without target", Define("X").ID("id", KindInt).Relation("r", "")},
		{"duplicate property", Define("X").ID("id", KindInt).Property("a", KindInt).Property("a", KindString)},
		{"relation via Property", Define("X").ID("id", KindInt).Property("r", KindRelation)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			require.Error(t, err)
			var me *Error
			require.ErrorAs(t, err, &me)
			assert.Equal(t, ErrCodeInvalidDefinition, me.Code)
		})
	}
}

func TestHierarchy(t *testing.T) {
	party := Define("Party").ID("id", KindString).Property("label", KindString).MustBuild()
	person := Define("Person").Extends(party).Property("name", KindString).MustBuild()

	assert.True(t, person.IsA(party))
	assert.False(t, party.IsA(person))
	assert.Equal(t, []*EntityMeta{party}, person.Ancestors())
	assert.Equal(t, "id", person.IDProperty().Name)

	_, ok := person.Property("label")
	assert.True(t, ok, "inherited property")
}

func TestProperty_AccessorsOnRecord(t *testing.T) {
	m := personMeta(t)
	r := m.New(value.String("p1"))

	require.NoError(t, m.MustProperty("name").Set(r, value.String("Ann")))
	require.NoError(t, m.MustProperty("score").Set(r, value.Int(3)))

	assert.Equal(t, value.String("Ann"), m.MustProperty("name").Get(r))
	assert.Equal(t, value.Float(3), m.MustProperty("score").Get(r), "int widened to float")
	assert.Equal(t, value.String("p1"), m.MustProperty("id").Get(r))
	assert.Equal(t, value.Null{}, m.MustProperty("age").Get(r))

	err := m.MustProperty("name").Set(r, value.Int(1))
	assert.True(t, IsTypeMismatch(err))

	err = m.MustProperty("name").Set(r, value.Null{})
	assert.True(t, IsTypeMismatch(err), "name is not nullable")
}

func TestProperty_CustomAccessors(t *testing.T) {
	type point struct {
		Record
		x int64
	}
	m := Define("Point").
		ID("id", KindInt).
		Property("x", KindInt, WithAccessors(
			func(e Entity) value.Value { return value.Int(e.(*point).x) },
			func(e Entity, v value.Value) error { e.(*point).x = int64(v.(value.Int)); return nil },
		)).
		MustBuild()

	p := &point{Record: *NewRecord("Point", value.Int(1))}
	require.NoError(t, m.MustProperty("x").Set(p, value.Int(9)))
	assert.Equal(t, value.Int(9), m.MustProperty("x").Get(p))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	m := personMeta(t)

	require.NoError(t, reg.Register(m))
	err := reg.Register(m)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeDuplicateEntity, me.Code)

	got, ok := reg.MetaFor("Person")
	require.True(t, ok)
	assert.True(t, got.Equal(m))
	assert.NoError(t, reg.Validate())

	orphan := Define("Order").ID("id", KindInt).Relation("customer", "Customer").MustBuild()
	require.NoError(t, reg.Register(orphan))
	assert.Error(t, reg.Validate())
	assert.Equal(t, []string{"Order", "Person"}, reg.Names())
}

func TestRecord_Clone(t *testing.T) {
	r := NewRecord("Person", value.String("a")).Put("name", value.String("x"))
	c := r.Clone()
	c.Put("name", value.String("y"))
	assert.Equal(t, value.String("x"), r.Get("name"))
	assert.Equal(t, value.String("y"), c.Get("name"))
}
