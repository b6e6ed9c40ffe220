package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/svd27/ki/internal/meta"
)

// DefaultID is the id property name used when an entity does not set id.
const DefaultID = "id"

// CompileError reports a malformed declaration with its source position.
type CompileError struct {
	Entity  string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	where := e.Field
	if e.Entity != "" {
		where = e.Entity + "." + e.Field
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Compile compiles every declaration under the "entity" struct of v.
// Parents are compiled before their subtypes regardless of declaration order.
func Compile(v cue.Value) ([]*meta.EntityMeta, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{Field: "entity", Message: "no entity declarations", Pos: v.Pos()}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	c := &compiler{
		decls:    make(map[string]cue.Value),
		done:     make(map[string]*meta.EntityMeta),
		visiting: make(map[string]bool),
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		c.order = append(c.order, name)
		c.decls[name] = iter.Value()
	}

	out := make([]*meta.EntityMeta, 0, len(c.order))
	for _, name := range c.order {
		m, err := c.compile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

type compiler struct {
	order    []string
	decls    map[string]cue.Value
	done     map[string]*meta.EntityMeta
	visiting map[string]bool
}

func (c *compiler) compile(name string) (*meta.EntityMeta, error) {
	if m, ok := c.done[name]; ok {
		return m, nil
	}
	v := c.decls[name]
	if c.visiting[name] {
		return nil, &CompileError{Entity: name, Field: "extends", Message: "inheritance cycle", Pos: v.Pos()}
	}
	c.visiting[name] = true
	defer delete(c.visiting, name)

	b := meta.Define(name)

	var parent *meta.EntityMeta
	if ext := v.LookupPath(cue.ParsePath("extends")); ext.Exists() {
		pname, err := ext.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if _, ok := c.decls[pname]; !ok {
			return nil, &CompileError{Entity: name, Field: "extends", Message: fmt.Sprintf("unknown parent %q", pname), Pos: ext.Pos()}
		}
		if parent, err = c.compile(pname); err != nil {
			return nil, err
		}
		b.Extends(parent)
	}

	versioned, err := lookupBool(v, "versioned")
	if err != nil {
		return nil, err
	}
	if versioned {
		b.Versioned()
	}

	idName := DefaultID
	if idv := v.LookupPath(cue.ParsePath("id")); idv.Exists() {
		if parent != nil {
			return nil, &CompileError{Entity: name, Field: "id", Message: "subtypes inherit the id property", Pos: idv.Pos()}
		}
		if idName, err = idv.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	immutable, err := lookupStrings(v, "immutable")
	if err != nil {
		return nil, err
	}

	if err := properties(b, name, v, idName, parent == nil, immutable); err != nil {
		return nil, err
	}
	if err := relations(b, name, v); err != nil {
		return nil, err
	}

	m, err := b.Build()
	if err != nil {
		return nil, &CompileError{Entity: name, Field: "entity", Message: err.Error(), Pos: v.Pos()}
	}
	c.done[name] = m
	return m, nil
}

// properties declares the value properties of v. The root of a hierarchy
// must declare its id property among them.
func properties(b *meta.Builder, name string, v cue.Value, idName string, root bool, immutable map[string]bool) error {
	props := v.LookupPath(cue.ParsePath("properties"))
	sawID := false
	if props.Exists() {
		iter, err := props.Fields(cue.Optional(true))
		if err != nil {
			return formatCUEError(err)
		}
		for iter.Next() {
			pname := iter.Selector().Unquoted()
			kind, err := extractKind(name, pname, iter.Value())
			if err != nil {
				return err
			}
			if pname == idName && root {
				if iter.IsOptional() {
					return &CompileError{Entity: name, Field: pname, Message: "id property cannot be optional", Pos: iter.Value().Pos()}
				}
				b.ID(pname, kind)
				sawID = true
				continue
			}
			var opts []meta.PropertyOption
			if iter.IsOptional() {
				opts = append(opts, meta.Nullable())
			}
			if immutable[pname] {
				opts = append(opts, meta.Immutable())
			}
			b.Property(pname, kind, opts...)
		}
	}
	if root && !sawID {
		return &CompileError{Entity: name, Field: "properties", Message: fmt.Sprintf("id property %q is not declared", idName), Pos: v.Pos()}
	}
	return nil
}

func relations(b *meta.Builder, name string, v cue.Value) error {
	rels := v.LookupPath(cue.ParsePath("relations"))
	if !rels.Exists() {
		return nil
	}
	iter, err := rels.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		rname := iter.Selector().Unquoted()
		rv := iter.Value()
		target := rv.LookupPath(cue.ParsePath("target"))
		if !target.Exists() {
			return &CompileError{Entity: name, Field: "relations." + rname, Message: "target is required", Pos: rv.Pos()}
		}
		tname, err := target.String()
		if err != nil {
			return formatCUEError(err)
		}
		many, err := lookupBool(rv, "many")
		if err != nil {
			return err
		}
		arity := meta.One
		if many {
			arity = meta.Many
		}
		b.Relation(rname, tname, meta.WithArity(arity))
	}
	return nil
}

// extractKind maps a CUE type to a property kind.
func extractKind(entity, prop string, v cue.Value) (meta.Kind, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return meta.KindString, nil
	case cue.IntKind:
		return meta.KindInt, nil
	case cue.FloatKind, cue.NumberKind:
		return meta.KindFloat, nil
	case cue.BoolKind:
		return meta.KindBool, nil
	default:
		return 0, &CompileError{
			Entity:  entity,
			Field:   prop,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func lookupBool(v cue.Value, path string) (bool, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func lookupStrings(v cue.Value, path string) (map[string]bool, error) {
	out := make(map[string]bool)
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return out, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out[s] = true
	}
	return out, nil
}

// formatCUEError keeps the first CUE error together with its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
