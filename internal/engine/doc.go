// Package engine implements the event dispatcher: the single-writer loop
// that owns the filter tree and routes entity events to live filters.
//
// Stores publish events, interests register and deregister their live
// filters. All three go through one FIFO command queue consumed by Run, so
// a registration acknowledged before an event is published is guaranteed
// to see that event, and tree mutations never race with tree reads. Each
// mutation publishes a new immutable tree snapshot that concurrent readers
// load without locking.
//
// Delivery to a live filter blocks on its bounded channel. A slow consumer
// therefore slows the dispatcher down instead of losing events.
package engine
