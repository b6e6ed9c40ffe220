package testutil

import (
	"sync"
	"time"
)

// DefaultWait bounds how long tests wait for asynchronous deliveries.
const DefaultWait = 2 * time.Second

// Receive waits up to timeout for a value on ch.
// A timeout yields the zero value and false rather than blocking.
func Receive[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Eventually polls cond every few milliseconds until it holds or timeout passes.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Recorder collects values delivered from other goroutines.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{signal: make(chan struct{}, 1)}
}

// Record appends v. Its signature fits callback-style subscribers.
func (r *Recorder[T]) Record(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Items returns a copy of everything recorded so far.
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// Len returns the number of recorded values.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// WaitN waits until at least n values were recorded or timeout passes.
// Returns the recorded values and whether n was reached.
func (r *Recorder[T]) WaitN(n int, timeout time.Duration) ([]T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if items := r.Items(); len(items) >= n {
			return items, true
		}
		select {
		case <-r.signal:
		case <-timer.C:
			items := r.Items()
			return items, len(items) >= n
		}
	}
}
