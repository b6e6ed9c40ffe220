// Package harness runs live-query scenarios and records what an interest
// observes.
//
// A scenario names a CUE schema, seed data and one interest, then applies a
// sequence of store writes and paging steps. Every step is recorded in the
// trace together with the notifications it caused, the primary page after
// the step and the value of every further projection. Steps may carry
// expectations; scenario-level assertions run over the whole trace.
//
// Each run uses a fresh in-memory store and dispatcher. Store writes reach
// the interest asynchronously, so after a write the harness waits for the
// first notification when the step expects changes and then lets the
// interest settle briefly before reading its state.
//
// Traces render to a line-oriented text form that is compared against
// golden files in testdata/golden.
package harness
