package interest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/svd27/ki/internal/engine"
	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/query"
)

const (
	// DefaultBuffer is the capacity of an interest's event channel.
	DefaultBuffer = 64
	// DefaultBatch caps the events digested in one batch.
	DefaultBatch = 64
)

// Registrar owns the filter tree live filters are registered in.
// *engine.Dispatcher satisfies it.
type Registrar interface {
	Register(ctx context.Context, l *filter.Live) error
	Deregister(ctx context.Context, l *filter.Live) error
}

// LifecycleKind distinguishes manager-level interest events.
type LifecycleKind int

const (
	InterestCreated LifecycleKind = iota + 1
	InterestDeleted
)

func (k LifecycleKind) String() string {
	switch k {
	case InterestCreated:
		return "interest_created"
	case InterestDeleted:
		return "interest_deleted"
	default:
		return "unknown"
	}
}

// Lifecycle reports an interest coming or going.
type Lifecycle struct {
	Kind LifecycleKind
	ID   string
}

type listener struct {
	ch   chan Lifecycle
	done chan struct{}
	once sync.Once
}

// Manager creates and tracks interests.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	registrar Registrar
	querier   projection.Querier
	ids       IDGenerator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	buffer    int
	batch     int

	mu        sync.Mutex
	interests map[string]*Interest
	listeners []*listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithIDGenerator sets the interest id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithBuffer sets the event channel capacity of new interests.
func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithBatchSize caps the events digested in one batch.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batch = n
		}
	}
}

// NewManager creates a manager registering live filters with reg and
// reading results through q.
func NewManager(reg Registrar, q projection.Querier, opts ...Option) *Manager {
	m := &Manager{
		registrar: reg,
		querier:   q,
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		buffer:    DefaultBuffer,
		batch:     DefaultBatch,
		interests: make(map[string]*Interest),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type plusConfig struct {
	projections []projection.Projection
	subscribers []func(Notification)
}

// PlusOption configures a new interest.
type PlusOption func(*plusConfig)

// WithProjections adds projections after the primary page; they get the
// paths "1", "2", ...
func WithProjections(ps ...projection.Projection) PlusOption {
	return func(c *plusConfig) {
		c.projections = append(c.projections, ps...)
	}
}

// WithSubscriber registers fn before the Created notification is sent.
func WithSubscriber(fn func(Notification)) PlusOption {
	return func(c *plusConfig) {
		c.subscribers = append(c.subscribers, fn)
	}
}

// Plus creates a live interest in q. q's ordering and paging define the
// primary page at PrimaryPath.
//
// The live filter is registered before the seeding query runs, so no event
// committed after the query is missed; events already reflected in the
// seed digest as no-ops. A failing seed query yields a *QueryError.
func (m *Manager) Plus(ctx context.Context, q query.Query, opts ...PlusOption) (*Interest, error) {
	var cfg plusConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return m.open(ctx, q, cfg)
}

func (m *Manager) open(ctx context.Context, q query.Query, cfg plusConfig) (*Interest, error) {
	if err := q.Validate(); err != nil {
		return nil, &QueryError{Query: q, Err: err}
	}
	if q.Filter == nil {
		q.Filter = filter.All(q.Meta)
	}
	ps := projection.AssignAll(append([]projection.Projection{projection.Entities(q.Ordering, q.Paging)}, cfg.projections...)...)
	for _, p := range ps {
		if err := p.Validate(q.Meta); err != nil {
			return nil, err
		}
	}

	id := m.ids.Generate()
	ictx, cancel := context.WithCancel(context.Background())
	i := &Interest{
		id:          id,
		m:           m,
		logger:      m.logger.With("interest", id, "type", q.Meta.Name()),
		ctx:         ictx,
		cancel:      cancel,
		events:      make(chan event.Event, m.buffer),
		done:        make(chan struct{}),
		state:       StateInitializing,
		base:        q.WithOrdering(query.Ordering{}).WithPaging(query.Paging{}),
		projections: ps,
	}
	i.live = filter.NewLive(id, q.Filter, i.events)

	if err := m.registrar.Register(ctx, i.live); err != nil {
		cancel()
		return nil, fmt.Errorf("register interest %s: %w", id, err)
	}
	results, err := compute(ctx, m.querier, i.base, ps)
	if err != nil {
		i.live.Close()
		if derr := m.deregister(ctx, i.live); derr != nil {
			i.logger.Warn("deregister after failed seed", "error", derr)
		}
		cancel()
		i.logger.Warn("interest seed query failed", "error", err)
		return nil, &QueryError{Query: q, Err: err}
	}

	i.mu.Lock()
	i.results = results
	i.state = StateLive
	for _, fn := range cfg.subscribers {
		i.nextSub++
		i.subs = append(i.subs, subscriber{id: i.nextSub, fn: fn})
	}
	m.track(i)
	i.logger.Info("interest created", "query", q.String(), "projections", len(ps))
	i.enqueue(Notification{Kind: Created, Changes: seeded(results)})
	i.mu.Unlock()
	m.announce(Lifecycle{Kind: InterestCreated, ID: i.id})
	i.flush()

	go i.run()
	return i, nil
}

// deregister removes l from the tree. A stopped dispatcher has no tree left
// to remove it from.
func (m *Manager) deregister(ctx context.Context, l *filter.Live) error {
	err := m.registrar.Deregister(ctx, l)
	if err != nil && !engine.IsStopped(err) {
		return fmt.Errorf("deregister interest %s: %w", l.ID(), err)
	}
	return nil
}

func (m *Manager) track(i *Interest) {
	m.mu.Lock()
	m.interests[i.id] = i
	m.mu.Unlock()
	m.metrics.InterestOpened()
}

func (m *Manager) forget(i *Interest) {
	m.mu.Lock()
	_, ok := m.interests[i.id]
	delete(m.interests, i.id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.InterestClosed()
	m.announce(Lifecycle{Kind: InterestDeleted, ID: i.id})
}

// Get returns a tracked interest.
func (m *Manager) Get(id string) (*Interest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.interests[id]
	return i, ok
}

// IDs returns the ids of the open interests, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.interests))
	for id := range m.interests {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every open interest.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Interest, 0, len(m.interests))
	for _, i := range m.interests {
		open = append(open, i)
	}
	m.mu.Unlock()

	var errs []error
	for _, i := range open {
		if err := i.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listen subscribes to interest lifecycle events. Sends block while the
// channel is full; cancel unsubscribes.
func (m *Manager) Listen(buffer int) (<-chan Lifecycle, func()) {
	l := &listener{ch: make(chan Lifecycle, buffer), done: make(chan struct{})}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	cancel := func() {
		l.once.Do(func() { close(l.done) })
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners = slices.DeleteFunc(m.listeners, func(other *listener) bool { return other == l })
	}
	return l.ch, cancel
}

func (m *Manager) announce(ev Lifecycle) {
	m.mu.Lock()
	ls := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, l := range ls {
		select {
		case l.ch <- ev:
		case <-l.done:
		}
	}
}
