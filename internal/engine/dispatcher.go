package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/filtertree"
	"github.com/svd27/ki/internal/metrics"
)

// Dispatcher is the single-writer event loop that owns the filter tree.
//
// Thread-safety model:
//   - Publish, Register, Deregister, Listen, Tree: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Dispatcher struct {
	queue   *commandQueue
	tree    atomic.Pointer[filtertree.Tree]
	seq     *Sequence
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners []*listener
}

// listener is a raw event subscriber.
type listener struct {
	ch   chan event.Event
	done chan struct{}
	once sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLoad sets the filter tree split threshold.
func WithLoad(load int) Option {
	return func(d *Dispatcher) {
		d.tree.Store(filtertree.New(load))
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithSequence sets the sequence used to stamp dispatched events.
func WithSequence(s *Sequence) Option {
	return func(d *Dispatcher) {
		d.seq = s
	}
}

// NewDispatcher creates a dispatcher with an empty filter tree.
// Call Run to start processing.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  newCommandQueue(),
		seq:    NewSequence(0),
		logger: slog.Default(),
	}
	d.tree.Store(filtertree.New(filtertree.DefaultLoad))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish submits an entity event. Returns false once the dispatcher has stopped.
func (d *Dispatcher) Publish(ev event.Event) bool {
	if ev == nil {
		return false
	}
	d.metrics.RecordPublished(ev.Kind().String())
	return d.queue.Enqueue(command{kind: cmdPublish, event: ev})
}

// Register inserts a live filter into the tree. When Register returns nil,
// every event published afterwards is routed against a tree containing l.
func (d *Dispatcher) Register(ctx context.Context, l *filter.Live) error {
	if l == nil || l.Closed() {
		return &DispatchError{Code: ErrCodeInvalidLive, Message: "live filter is nil or closed"}
	}
	return d.submit(ctx, command{kind: cmdRegister, live: l})
}

// Deregister removes a live filter from the tree.
func (d *Dispatcher) Deregister(ctx context.Context, l *filter.Live) error {
	if l == nil {
		return &DispatchError{Code: ErrCodeInvalidLive, Message: "live filter is nil"}
	}
	return d.submit(ctx, command{kind: cmdDeregister, live: l})
}

func (d *Dispatcher) submit(ctx context.Context, c command) error {
	c.ack = make(chan error, 1)
	if !d.queue.Enqueue(c) {
		return errStopped(c.live.ID())
	}
	select {
	case err := <-c.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen subscribes to every published event. The returned channel has the
// given buffer and is closed when the dispatcher stops; cancel unsubscribes.
func (d *Dispatcher) Listen(buffer int) (<-chan event.Event, func()) {
	l := &listener{ch: make(chan event.Event, buffer), done: make(chan struct{})}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	cancel := func() {
		l.once.Do(func() { close(l.done) })
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, other := range d.listeners {
			if other == l {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				break
			}
		}
	}
	return l.ch, cancel
}

// Tree returns the current filter tree snapshot.
func (d *Dispatcher) Tree() *filtertree.Tree {
	return d.tree.Load()
}

// Run processes commands until ctx is cancelled or Stop is called.
// Commands already queued when Stop is called are processed first.
//
// Delivery failures are logged and processing continues; a live filter that
// turns out to be closed is removed from the tree.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "load", d.Tree().Load())
	defer d.shutdown()

	for {
		if c, ok := d.queue.TryDequeue(); ok {
			d.process(ctx, c)
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping: context cancelled")
			return ctx.Err()

		case <-d.queue.Wait():
			if d.queue.Len() == 0 && d.stopped() {
				d.logger.Info("dispatcher stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the command queue; Run returns once it is drained.
func (d *Dispatcher) Stop() {
	d.queue.Close()
}

func (d *Dispatcher) stopped() bool {
	select {
	case _, open := <-d.queue.Wait():
		return !open
	default:
		return false
	}
}

// shutdown fails pending commands and closes listener channels.
func (d *Dispatcher) shutdown() {
	for _, c := range d.queue.Drain() {
		if c.live != nil {
			c.reply(errStopped(c.live.ID()))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.listeners {
		close(l.ch)
	}
	d.listeners = nil
}

// process handles one command.
// CRITICAL: Called only from the Run goroutine.
func (d *Dispatcher) process(ctx context.Context, c command) {
	switch c.kind {
	case cmdRegister:
		tree := d.tree.Load().Insert(c.live)
		d.tree.Store(tree)
		d.metrics.SetLiveFilters(tree.Len())
		d.logger.Debug("live filter registered", "live", c.live.ID(), "type", c.live.Meta().Name(), "filters", tree.Len())
		c.reply(nil)

	case cmdDeregister:
		d.remove(c.live)
		c.reply(nil)

	case cmdPublish:
		d.dispatch(ctx, c.event)

	default:
		d.logger.Error("unknown dispatcher command", "kind", c.kind.String())
	}
}

func (d *Dispatcher) remove(l *filter.Live) {
	tree := d.tree.Load().Remove(l)
	d.tree.Store(tree)
	d.metrics.SetLiveFilters(tree.Len())
	d.logger.Debug("live filter deregistered", "live", l.ID(), "filters", tree.Len())
}

// dispatch routes one event to the collected live filters and the raw listeners.
func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event) {
	seq := d.seq.Stamp()
	lives := d.tree.Load().Collect(ev)
	d.metrics.RecordCollected(len(lives))
	d.logger.Debug("dispatching event",
		"seq", seq,
		"kind", ev.Kind().String(),
		"type", ev.Meta().Name(),
		"filters", len(lives),
	)

	for _, l := range lives {
		err := l.Deliver(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, filter.ErrLiveClosed):
			d.remove(l)
		default:
			d.logger.Warn("event delivery failed",
				"seq", seq,
				"live", l.ID(),
				"error", err,
			)
		}
	}

	d.mu.Lock()
	listeners := append([]*listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		select {
		case l.ch <- ev:
		case <-l.done:
		case <-ctx.Done():
			return
		}
	}
}
