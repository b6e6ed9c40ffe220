// Package interest binds queries to live, continuously updated results.
//
// An Interest seeds its projection results with one query, registers a
// live filter with the event dispatcher and then digests the events routed
// to it on its own goroutine. Every digest batch that changes anything is
// delivered to the interest's subscribers as one Notification.
//
// The Manager creates interests, tracks them by id and announces their
// creation and deletion to lifecycle listeners.
package interest
