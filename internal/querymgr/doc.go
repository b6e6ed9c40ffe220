// Package querymgr tracks the available backing stores and answers queries
// across them.
//
// The store set changes only through StoreReady/StoreDown lifecycle events
// processed by a single worker (Run). Readers work on an immutable snapshot
// of the set and never lock.
//
// A query against one store is delegated as is. A query against several
// stores asks each for the first offset+size matches and k-way merges the
// sorted answers, breaking ties by store registration order.
//
// Point retrieval fans out to every target store on a worker pool and
// completes as soon as every requested id is accounted for, without waiting
// for slower stores. An overall timeout bounds the wait.
package querymgr
