package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svd27/ki/internal/meta"
)

func TestLoad_File(t *testing.T) {
	reg, err := Load(filepath.Join("testdata", "people.cue"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Company", "Employee", "Person"}, reg.Names())

	person, ok := reg.MetaFor("Person")
	require.True(t, ok)
	assert.True(t, person.Versioned())
	assert.Equal(t, "id", person.IDProperty().Name)
	assert.Equal(t, meta.KindString, person.IDProperty().Kind)

	age := person.MustProperty("age")
	assert.Equal(t, meta.KindInt, age.Kind)
	assert.True(t, age.Nullable)

	name := person.MustProperty("name")
	assert.False(t, name.Nullable)
	assert.False(t, name.Mutable)

	assert.Equal(t, meta.KindFloat, person.MustProperty("score").Kind)

	friends := person.MustProperty("friends")
	assert.True(t, friends.IsRelation())
	assert.Equal(t, "Person", friends.Target)
	assert.Equal(t, meta.Many, friends.Arity)
	assert.Equal(t, meta.One, person.MustProperty("employer").Arity)
}

func TestLoad_Subtype(t *testing.T) {
	reg, err := Load(filepath.Join("testdata", "people.cue"))
	require.NoError(t, err)

	employee, ok := reg.MetaFor("Employee")
	require.True(t, ok)
	person, _ := reg.MetaFor("Person")
	assert.True(t, employee.IsA(person))
	assert.False(t, person.IsA(employee))
	assert.True(t, employee.Versioned())
	assert.Equal(t, "id", employee.IDProperty().Name)

	_, ok = employee.Property("age")
	assert.True(t, ok, "inherited property")
	assert.True(t, employee.MustProperty("remote").Nullable)
	assert.Equal(t, meta.KindInt, employee.MustProperty("salary").Kind)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(`package shop

entity: Order: {
	id: "ref"
	properties: {
		ref:   int
		total: number
	}
	relations: customer: target: "Customer"
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(`package shop

entity: Customer: properties: {
	id:   string
	name: string
}
`), 0o644))

	reg, err := Load(dir)
	require.NoError(t, err)
	order, ok := reg.MetaFor("Order")
	require.True(t, ok)
	assert.Equal(t, "ref", order.IDProperty().Name)
	assert.Equal(t, meta.KindInt, order.IDProperty().Kind)
	assert.Equal(t, meta.KindFloat, order.MustProperty("total").Kind)
	assert.False(t, order.Versioned())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		field   string
		message string
	}{
		{
			name:    "no entities",
			src:     `other: 1`,
			field:   "entity",
			message: "no entity declarations",
		},
		{
			name:    "missing id",
			src:     `entity: A: properties: name: string`,
			field:   "properties",
			message: `id property "id" is not declared`,
		},
		{
			name:    "optional id",
			src:     `entity: A: properties: "id"?: string`,
			field:   "id",
			message: "id property cannot be optional",
		},
		{
			name:    "unsupported kind",
			src:     `entity: A: properties: {id: string, tags: [...string]}`,
			field:   "tags",
			message: "unsupported type kind: list",
		},
		{
			name:    "relation without target",
			src:     `entity: A: {properties: id: string, relations: b: many: true}`,
			field:   "relations.b",
			message: "target is required",
		},
		{
			name:    "unknown parent",
			src:     `entity: B: extends: "A"`,
			field:   "extends",
			message: `unknown parent "A"`,
		},
		{
			name: "inheritance cycle",
			src: `entity: A: extends: "B"
entity: B: extends: "A"`,
			field:   "extends",
			message: "inheritance cycle",
		},
		{
			name: "subtype redeclares id",
			src: `entity: A: properties: id: string
entity: B: {extends: "A", id: "key"}`,
			field:   "id",
			message: "subtypes inherit the id property",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString(tt.src, "test.cue")
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, tt.message, ce.Message)
		})
	}
}

func TestCompile_DuplicateInheritedProperty(t *testing.T) {
	_, err := CompileString(`entity: A: properties: {id: string, name: string}
entity: B: {extends: "A", properties: name: string}`, "dup.cue")
	require.Error(t, err)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "B", ce.Entity)
	assert.Contains(t, ce.Message, "duplicate property")
}

func TestRegistry_UnresolvedTarget(t *testing.T) {
	metas, err := CompileString(`entity: A: {properties: id: string, relations: b: target: "B"}`, "a.cue")
	require.NoError(t, err)

	_, err = Registry(metas...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation target not registered: B")
}

func TestCompileError_Position(t *testing.T) {
	_, err := CompileString("entity: A: {\n", "pos.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos.cue")
}
