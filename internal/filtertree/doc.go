// Package filtertree indexes the live filters currently subscribed to entity
// events so that, for a given event, only the filters whose verdict could
// change are handed the event.
//
// A Tree is immutable. Insert and Remove return a new tree that shares every
// untouched node with the old one, so an event loop can publish tree
// snapshots to concurrent readers without locks.
//
// Each live filter is classified by its best fit: the most selective
// predicate that must hold whenever the filter matches. Conjunctions are
// indexed under one conjunct, disjunctions under every disjunct, and filters
// without a usable predicate land in the catch-all set. Per entity type the
// tree keeps a flat node until the number of filters reaches the load
// factor, then splits it into an id index, one property index per property
// and the catch-all set; it merges back once the count falls to half the load.
package filtertree
