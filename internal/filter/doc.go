// Package filter implements immutable, composable predicates over one entity
// type.
//
// Filter is a sealed interface - only types in this package implement it,
// which keeps type switches in the filter tree and the SQL compiler
// exhaustive. Variants:
//   - StaticID: id in an explicit set
//   - PropertyCompare: prop (== != > >= < <=) value
//   - PropertyNull / PropertyNotNull
//   - PropertyIn / PropertyNotIn
//   - AnyRelation / NoRelation: some / no related entity matches a nested filter
//   - AndFilter / OrFilter, AllFilter / NoneFilter
//   - Live: identity-stable wrapper registered in a filter tree
//
// Every variant supports Matches (full entity), MatchesValues (partial value
// map, absent properties read as null) and Inverse. Inverse negates matching
// for every input, is involutive in matching and follows De Morgan for
// And/Or. Relation predicates read the related entities materialised on the
// entity; they do not listen for relation changes themselves.
package filter
