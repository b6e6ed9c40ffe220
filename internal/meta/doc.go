// Package meta describes entity types: their properties, id property,
// relation targets and place in a single-rooted type hierarchy.
//
// Property access goes through descriptor closures built when a type is
// declared (see Builder), never through reflection. The generic Record type
// is the default entity representation; callers may register their own
// entity structs by supplying accessors with WithAccessors.
//
// Metas are immutable once built. A Registry is explicit, single-owner state:
// create one per entity universe and pass it where it is needed.
package meta
