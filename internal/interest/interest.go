package interest

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// PrimaryPath addresses the entity page every interest maintains.
const PrimaryPath = "0"

// State is the lifecycle stage of an interest.
type State int

const (
	// StateInitializing: the seeding query is in flight.
	StateInitializing State = iota
	// StateLive: the filter is registered and events are digested.
	StateLive
	// StateClosed: the filter is deregistered and the consumer stopped.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotificationKind distinguishes notification batches.
type NotificationKind int

const (
	// Created is the first notification of an interest; it carries every seeded result.
	Created NotificationKind = iota + 1
	// Changed carries the changes of one digest batch.
	Changed
	// Reloaded carries results recomputed after a paging, ordering or scope change.
	Reloaded
	// Deleted is the last notification of an interest.
	Deleted
)

func (k NotificationKind) String() string {
	switch k {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Reloaded:
		return "reloaded"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Notification is one batch of observable changes of an interest.
type Notification struct {
	Interest string
	Kind     NotificationKind
	Changes  []projection.Change
}

// SubscriptionID identifies a subscriber for removal.
type SubscriptionID int

type subscriber struct {
	id SubscriptionID
	fn func(Notification)
}

// Interest is a live subscription of a query.
//
// Subscribers are called one notification at a time and in order, on the
// goroutine that produced the notification or on the one already
// delivering. A subscriber may read, page or close the interest; the
// notifications that causes are delivered after it returns.
//
// Store reads run without holding the interest's lock. A read that raced a
// concurrent change is retried against the new state.
//
// Thread-safety: all methods are safe for concurrent use.
type Interest struct {
	id     string
	m      *Manager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event.Event
	done   chan struct{}

	mu          sync.Mutex
	state       State
	base        query.Query
	projections []projection.Projection
	results     []projection.Result
	live        *filter.Live
	subs        []subscriber
	nextSub     SubscriptionID

	// gen counts applied changes of base, projections and results.
	gen uint64

	pending    []outgoing
	delivering bool
}

// outgoing is a queued notification and the subscribers it goes to.
type outgoing struct {
	n    Notification
	subs []subscriber
}

// ID returns the interest id.
func (i *Interest) ID() string { return i.id }

// State returns the lifecycle stage.
func (i *Interest) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Done is closed once the event consumer has stopped.
func (i *Interest) Done() <-chan struct{} { return i.done }

// Query returns the query behind the primary page.
func (i *Interest) Query() query.Query {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.primary().Query(i.base)
}

// Projections returns the projections in path order.
func (i *Interest) Projections() []projection.Projection {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.projections)
}

// Results returns the current results in path order.
func (i *Interest) Results() []projection.Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.results)
}

// Result returns the current result at path without touching the stores.
func (i *Interest) Result(path string, keys ...value.Value) (projection.Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	root, _, err := i.root(path)
	if err != nil {
		return nil, err
	}
	return projection.Find(root, path, keys...)
}

// Retrieve materializes the result at path, recomputing stale results.
// A recomputed top-level result replaces the stale one.
// A result that changed while it was read is returned but not kept.
func (i *Interest) Retrieve(ctx context.Context, path string, keys ...value.Value) (projection.Result, error) {
	i.mu.Lock()
	if i.state == StateClosed {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	root, idx, err := i.root(path)
	gen, base := i.gen, i.base
	i.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r, err := projection.Retrieve(ctx, i.m.querier, base, root, path, keys...)
	if err != nil {
		return nil, err
	}
	if _, stale := root.(*projection.ReloadResult); !stale || root.Projection().Path() != path {
		return r, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateLive && i.gen == gen {
		i.results[idx] = r
		i.gen++
		i.m.metrics.RecordReload("retrieve")
	}
	return r, nil
}

// root returns the top-level result that path lies in.
func (i *Interest) root(path string) (projection.Result, int, error) {
	top, _, _ := strings.Cut(path, "/")
	idx, err := strconv.Atoi(top)
	if err != nil || idx < 0 || idx >= len(i.results) {
		return nil, 0, &projection.Error{Code: projection.ErrCodeUnknownPath, Message: "no result at path", Path: path}
	}
	return i.results[idx], idx, nil
}

// Page returns the primary page.
func (i *Interest) Page() query.Page {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r, ok := i.results[0].(*projection.EntityResult); ok {
		return r.Page
	}
	return query.Page{Paging: i.primary().Paging}
}

// Get returns the primary page member with the given id.
func (i *Interest) Get(id value.Value) (meta.Entity, bool) {
	for _, e := range i.Page().Entities {
		if value.Equal(e.ID(), id) {
			return e, true
		}
	}
	return nil, false
}

// At returns the primary page member at index.
func (i *Interest) At(index int) (meta.Entity, bool) {
	entities := i.Page().Entities
	if index < 0 || index >= len(entities) {
		return nil, false
	}
	return entities[index], true
}

// Next moves the primary page forward.
func (i *Interest) Next(ctx context.Context) error {
	return i.repage(ctx, "next", func(p *projection.EntitiesProjection) *projection.EntitiesProjection {
		return p.WithPaging(p.Paging.Next())
	})
}

// Prev moves the primary page back, stopping at offset 0.
func (i *Interest) Prev(ctx context.Context) error {
	return i.repage(ctx, "prev", func(p *projection.EntitiesProjection) *projection.EntitiesProjection {
		return p.WithPaging(p.Paging.Prev())
	})
}

// SetPaging replaces the primary paging.
func (i *Interest) SetPaging(ctx context.Context, pg query.Paging) error {
	return i.repage(ctx, "paging", func(p *projection.EntitiesProjection) *projection.EntitiesProjection {
		return p.WithPaging(pg)
	})
}

// SetOrdering replaces the primary ordering.
func (i *Interest) SetOrdering(ctx context.Context, o query.Ordering) error {
	return i.repage(ctx, "ordering", func(p *projection.EntitiesProjection) *projection.EntitiesProjection {
		return p.WithOrdering(o)
	})
}

// repage recomputes the primary page with a changed projection. A failing
// query keeps the current page.
func (i *Interest) repage(ctx context.Context, reason string, change func(*projection.EntitiesProjection) *projection.EntitiesProjection) error {
	for {
		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			return ErrClosed
		}
		gen, base := i.gen, i.base
		next := change(i.primary())
		i.mu.Unlock()

		if err := next.Validate(base.Meta); err != nil {
			return err
		}
		r, err := projection.Compute(ctx, i.m.querier, base, next)
		if err != nil {
			i.logger.Warn("page reload failed", "reason", reason, "error", err)
			return err
		}

		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			return ErrClosed
		}
		if i.gen != gen {
			i.mu.Unlock()
			i.logger.Debug("page reload raced a change, retrying", "reason", reason)
			continue
		}
		i.projections[0] = next
		i.results[0] = r
		i.gen++
		i.m.metrics.RecordReload(reason)
		i.logger.Debug("page reloaded", "reason", reason, "paging", next.Paging.String())
		i.enqueue(Notification{Kind: Reloaded, Changes: []projection.Change{projection.Reloaded{Path: PrimaryPath, Result: r}}})
		i.mu.Unlock()
		i.flush()
		return nil
	}
}

func (i *Interest) primary() *projection.EntitiesProjection {
	return i.projections[0].(*projection.EntitiesProjection)
}

// AddSubscriber registers fn for every later notification.
func (i *Interest) AddSubscriber(fn func(Notification)) SubscriptionID {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextSub++
	i.subs = append(i.subs, subscriber{id: i.nextSub, fn: fn})
	return i.nextSub
}

// RemoveSubscriber unregisters a subscriber. Reports whether it was registered.
func (i *Interest) RemoveSubscriber(id SubscriptionID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.subs)
	i.subs = slices.DeleteFunc(i.subs, func(s subscriber) bool { return s.id == id })
	return len(i.subs) < n
}

// Close deregisters the filter, stops the consumer and sends the final
// Deleted notification. Idempotent.
func (i *Interest) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateClosed {
		i.mu.Unlock()
		return nil
	}
	i.state = StateClosed
	live := i.live
	i.mu.Unlock()

	live.Close()
	err := i.m.deregister(ctx, live)
	i.cancel()
	i.m.forget(i)
	i.logger.Info("interest closed")

	i.mu.Lock()
	i.enqueue(Notification{Kind: Deleted})
	i.mu.Unlock()
	i.flush()
	return err
}

// run consumes routed events until the interest is closed.
func (i *Interest) run() {
	defer close(i.done)
	for {
		select {
		case <-i.ctx.Done():
			return
		case ev := <-i.events:
			i.digest(i.drain(ev))
		}
	}
}

// drain collects the events already waiting behind first.
func (i *Interest) drain(first event.Event) []event.Event {
	batch := []event.Event{first}
	for len(batch) < i.m.batch {
		select {
		case ev := <-i.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// digest folds one batch into every result. Results replaced while the
// batch was digested are digested again; events they already reflect are
// no-ops.
// CRITICAL: Called only from the run goroutine.
func (i *Interest) digest(batch []event.Event) {
	for {
		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			return
		}
		gen, base, results := i.gen, i.base, slices.Clone(i.results)
		i.mu.Unlock()

		start := time.Now()
		dc := projection.Context{Query: base, Querier: i.m.querier, Logger: i.logger}
		var changes []projection.Change
		emit := func(c projection.Change) { changes = append(changes, c) }
		for k, r := range results {
			results[k] = r.Digest(i.ctx, dc, batch, emit)
		}
		i.m.metrics.RecordDigest(time.Since(start))

		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			return
		}
		if i.gen != gen {
			i.mu.Unlock()
			i.logger.Debug("digest raced a reload, retrying", "events", len(batch))
			continue
		}
		i.results = results
		i.gen++
		i.logger.Debug("events digested", "events", len(batch), "changes", len(changes))
		if len(changes) == 0 {
			i.mu.Unlock()
			return
		}
		i.enqueue(Notification{Kind: Changed, Changes: changes})
		i.mu.Unlock()
		i.flush()
		return
	}
}

// enqueue queues n for the subscribers registered at this moment.
// CRITICAL: Must be called with mu held.
func (i *Interest) enqueue(n Notification) {
	n.Interest = i.id
	i.pending = append(i.pending, outgoing{n: n, subs: slices.Clone(i.subs)})
}

// flush delivers queued notifications in order. If another goroutine is
// already delivering, it picks up what was queued and flush returns at once.
// CRITICAL: Must be called without mu held.
func (i *Interest) flush() {
	i.mu.Lock()
	if i.delivering {
		i.mu.Unlock()
		return
	}
	i.delivering = true
	for len(i.pending) > 0 {
		out := i.pending[0]
		i.pending = i.pending[1:]
		i.mu.Unlock()
		for _, s := range out.subs {
			s.fn(out.n)
		}
		if len(out.subs) > 0 {
			i.m.metrics.RecordNotification()
		}
		i.mu.Lock()
	}
	i.pending = nil
	i.delivering = false
	i.mu.Unlock()
}

// seeded turns freshly computed results into Reloaded changes.
func seeded(results []projection.Result) []projection.Change {
	out := make([]projection.Change, len(results))
	for k, r := range results {
		out[k] = projection.Reloaded{Path: r.Projection().Path(), Result: r}
	}
	return out
}

func compute(ctx context.Context, q projection.Querier, base query.Query, ps []projection.Projection) ([]projection.Result, error) {
	results := make([]projection.Result, len(ps))
	for k, p := range ps {
		r, err := projection.Compute(ctx, q, base, p)
		if err != nil {
			return nil, err
		}
		results[k] = r
	}
	return results, nil
}
