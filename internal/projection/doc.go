// Package projection describes views over a query's matches and keeps their
// results current.
//
// A Projection is the request: a paged entity list, a count, a sum or a
// bucketed set of sub-views. A Result is the matching answer. Compute reads
// a result from the stores; Result.Digest folds a batch of entity events
// into a new result and reports what a subscriber can observe through
// Change values. Results are replaced, never mutated.
//
// Aggregates are not adjusted incrementally: any event that can move a
// count or sum turns the result into a Reload sentinel, which Retrieve
// recomputes on demand.
package projection
