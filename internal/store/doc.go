// Package store defines the narrow facade the live-query core uses to talk
// to a backing store, the DataStoreError family, and helpers shared by the
// store implementations.
//
// Implementations live in sub-packages: memstore keeps entities in memory,
// sqlite persists them as JSON property documents in SQLite.
//
// # Events
//
// Every successful mutation is published as an entity event through the
// store's Publisher before the call returns, in mutation order:
//   - Create: event.Created with the stored snapshots
//   - Delete: event.Deleted with the last known snapshots and ids
//   - SetValues: event.Updated with the previous value of each changed property
//   - AddRelations/RemoveRelations: event.RelationsAdded/RelationsRemoved
//     carrying the source snapshot with its new relation state
//
// # Versions
//
// Entities of versioned types carry a version token starting at 1 that
// increases with every property or relation write. SetValuesVersioned fails
// with an optimistic lock error when the stored version differs from the
// expected one; retrying is up to the caller.
package store
