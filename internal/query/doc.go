// Package query defines orderings, paging, queries and result pages, plus
// Apply, the reference in-memory evaluation of a query over a set of
// entities used by the memory store and as the oracle in tests.
package query
