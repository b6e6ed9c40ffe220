package engine

import (
	"sync"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
)

// commandKind distinguishes dispatcher commands.
type commandKind int

const (
	// cmdPublish routes an entity event to live filters.
	cmdPublish commandKind = iota + 1
	// cmdRegister inserts a live filter into the tree.
	cmdRegister
	// cmdDeregister removes a live filter from the tree.
	cmdDeregister
)

func (k commandKind) String() string {
	switch k {
	case cmdPublish:
		return "publish"
	case cmdRegister:
		return "register"
	case cmdDeregister:
		return "deregister"
	default:
		return "unknown"
	}
}

// command is one unit of work for the Run loop.
type command struct {
	kind  commandKind
	event event.Event
	live  *filter.Live
	// ack receives the outcome of register/deregister; buffered, size 1.
	ack chan error
}

func (c command) reply(err error) {
	if c.ack != nil {
		c.ack <- err
	}
}

// commandQueue is a thread-safe unbounded FIFO.
//
// Publishing never blocks the store that emits the event; backpressure is
// applied downstream at delivery. A buffered signal channel lets the Run
// loop wait on the queue and its context in one select.
type commandQueue struct {
	mu       sync.Mutex
	commands []command
	closed   bool
	signal   chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]command, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends a command. Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.commands = append(q.commands, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front command without blocking.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return command{}, false
	}
	c := q.commands[0]
	// Clear the slot so the backing array does not pin events and filters.
	q.commands[0] = command{}
	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}
	return c, true
}

// Wait returns a channel that signals when commands may be available.
// It is closed when the queue closes.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued commands.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Close stops accepting commands and wakes the waiter.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Drain closes the queue and returns every command still queued.
func (q *commandQueue) Drain() []command {
	q.Close()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.commands
	q.commands = nil
	return out
}
