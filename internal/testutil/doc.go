// Package testutil provides shared fixtures and timing helpers for tests:
// entity types with a relation, record builders, deterministic id
// generators and the best-effort timed wait used to observe asynchronous
// deliveries.
package testutil
