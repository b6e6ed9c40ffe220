package querymgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// Defaults for Manager options.
const (
	DefaultRetrieveTimeout = 5 * time.Second
	DefaultPoolSize        = 64
)

// LifecycleKind distinguishes store lifecycle events.
type LifecycleKind int

const (
	// StoreReady adds a store, or replaces the store registered under its name.
	StoreReady LifecycleKind = iota + 1
	// StoreDown removes a store by name.
	StoreDown
)

func (k LifecycleKind) String() string {
	switch k {
	case StoreReady:
		return "ready"
	case StoreDown:
		return "down"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(k))
	}
}

type lifecycle struct {
	kind  LifecycleKind
	store store.Store
	name  string
	ack   chan struct{}
}

// Manager is the query manager.
//
// Thread-safety model:
//   - Query, Retrieve, writes, Ready, Down, Stores: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Manager struct {
	events  chan lifecycle
	stores  atomic.Pointer[[]store.Store]
	pool    *ants.Pool
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	done    chan struct{}

	poolSize int
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetrieveTimeout bounds multi-store retrieval.
func WithRetrieveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithPoolSize sets the number of retrieval workers.
func WithPoolSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.poolSize = n
		}
	}
}

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

// New creates a manager with no stores. Call Run to process lifecycle events
// and Close to release the worker pool.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		events:   make(chan lifecycle),
		timeout:  DefaultRetrieveTimeout,
		logger:   slog.Default(),
		done:     make(chan struct{}),
		poolSize: DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	pool, err := ants.NewPool(m.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create retrieve pool: %w", err)
	}
	m.pool = pool
	m.stores.Store(&[]store.Store{})
	return m, nil
}

// Close releases the retrieval workers.
func (m *Manager) Close() {
	m.pool.Release()
}

// Run applies lifecycle events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("query manager starting", "pool", m.poolSize, "retrieve_timeout", m.timeout)
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("query manager stopping: context cancelled")
			return ctx.Err()
		case ev := <-m.events:
			m.apply(ev)
			close(ev.ack)
		}
	}
}

// apply swaps in the next store snapshot.
// CRITICAL: Called only from the Run goroutine.
func (m *Manager) apply(ev lifecycle) {
	current := *m.stores.Load()
	next := slices.Clone(current)
	switch ev.kind {
	case StoreReady:
		i := slices.IndexFunc(next, func(s store.Store) bool { return s.Name() == ev.store.Name() })
		if i >= 0 {
			next[i] = ev.store
		} else {
			next = append(next, ev.store)
		}
		m.logger.Info("store ready", "store", ev.store.Name(), "stores", len(next))
	case StoreDown:
		next = slices.DeleteFunc(next, func(s store.Store) bool { return s.Name() == ev.name })
		m.logger.Info("store down", "store", ev.name, "stores", len(next))
	}
	m.stores.Store(&next)
	m.metrics.SetStores(len(next))
}

// Ready announces a store. When Ready returns nil, queries see the store.
func (m *Manager) Ready(ctx context.Context, s store.Store) error {
	if s == nil {
		return errors.New("ready: nil store")
	}
	return m.submit(ctx, lifecycle{kind: StoreReady, store: s, name: s.Name()})
}

// Down withdraws a store by name.
func (m *Manager) Down(ctx context.Context, name string) error {
	return m.submit(ctx, lifecycle{kind: StoreDown, name: name})
}

func (m *Manager) submit(ctx context.Context, ev lifecycle) error {
	ev.ack = make(chan struct{})
	select {
	case m.events <- ev:
	case <-m.done:
		return fmt.Errorf("store %s %s: query manager stopped", ev.name, ev.kind)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ev.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stores returns the names of the known stores in registration order.
func (m *Manager) Stores() []string {
	current := *m.stores.Load()
	out := make([]string, len(current))
	for i, s := range current {
		out[i] = s.Name()
	}
	return out
}

// Store returns a known store by name.
func (m *Manager) Store(name string) (store.Store, bool) {
	for _, s := range *m.stores.Load() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// targets resolves the stores named in names, or all known stores.
func (m *Manager) targets(em *meta.EntityMeta, names []string) ([]store.Store, error) {
	current := *m.stores.Load()
	var out []store.Store
	if len(names) == 0 {
		out = current
	} else {
		for _, s := range current {
			if slices.Contains(names, s.Name()) {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		e := &query.Error{Code: query.ErrCodeNoStore, Message: "no store matched"}
		if em != nil {
			e.Entity = em.Name()
		}
		return nil, e
	}
	return out, nil
}

// Query answers q across its target stores.
func (m *Manager) Query(ctx context.Context, q query.Query) (query.Page, error) {
	if err := q.Validate(); err != nil {
		return query.Page{}, err
	}
	targets, err := m.targets(q.Meta, q.Stores)
	if err != nil {
		return query.Page{}, err
	}
	if len(targets) == 1 {
		return m.queryStore(ctx, targets[0], q)
	}

	window := q.WithPaging(query.Paging{Offset: 0, Size: q.Paging.End()})
	pages := make([]query.Page, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range targets {
		g.Go(func() error {
			p, err := m.queryStore(gctx, s, window)
			pages[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return query.Page{}, err
	}
	return Merge(q, pages), nil
}

func (m *Manager) queryStore(ctx context.Context, s store.Store, q query.Query) (query.Page, error) {
	start := time.Now()
	page, err := s.Query(ctx, q)
	m.metrics.RecordStoreQuery(s.Name(), err, time.Since(start))
	if err != nil {
		m.logger.Warn("store query failed", "store", s.Name(), "type", q.Meta.Name(), "error", err)
		if query.IsQueryError(err) {
			return query.Page{}, err
		}
		return query.Page{}, &query.Error{Code: query.ErrCodeStoreFailure, Message: "store query failed", Entity: q.Meta.Name(), Store: s.Name(), Err: err}
	}
	return page, nil
}

// Merge k-way merges per-store pages, each sorted by q's ordering and
// starting at offset 0, into q's page. Ties go to the earlier page.
func Merge(q query.Query, pages []query.Page) query.Page {
	cmp := q.Ordering.Comparator(q.Meta)
	heads := make([]int, len(pages))

	next := func() int {
		best := -1
		for i, p := range pages {
			if heads[i] >= len(p.Entities) {
				continue
			}
			if best < 0 || cmp(p.Entities[heads[i]], pages[best].Entities[heads[best]]) < 0 {
				best = i
			}
		}
		return best
	}

	var out []meta.Entity
	skipped := 0
	for len(out) < q.Paging.Size {
		i := next()
		if i < 0 {
			break
		}
		e := pages[i].Entities[heads[i]]
		heads[i]++
		if skipped < q.Paging.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}

	more := false
	for i, p := range pages {
		if heads[i] < len(p.Entities) || p.More {
			more = true
		}
	}
	return query.Page{Paging: q.Paging, Entities: out, More: more}
}

type retrieval struct {
	store    string
	entities []meta.Entity
	err      error
}

// Retrieve returns the entities with the given ids from any target store.
// A missing id fails the call.
func (m *Manager) Retrieve(ctx context.Context, em *meta.EntityMeta, ids []value.Value, stores ...string) ([]meta.Entity, error) {
	return m.retrieve(ctx, em, ids, stores, true)
}

// RetrieveLenient is Retrieve that skips ids no store has.
func (m *Manager) RetrieveLenient(ctx context.Context, em *meta.EntityMeta, ids []value.Value, stores ...string) ([]meta.Entity, error) {
	return m.retrieve(ctx, em, ids, stores, false)
}

func (m *Manager) retrieve(ctx context.Context, em *meta.EntityMeta, ids []value.Value, names []string, strict bool) ([]meta.Entity, error) {
	targets, err := m.targets(em, names)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[store.Key(id)] = struct{}{}
	}
	if len(wanted) == 0 {
		return []meta.Entity{}, nil
	}

	tctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Buffered so late answers never block their workers.
	results := make(chan retrieval, len(targets))
	for _, s := range targets {
		task := func() {
			start := time.Now()
			found, err := s.RetrieveLenient(tctx, em, ids)
			m.metrics.RecordStoreQuery(s.Name(), err, time.Since(start))
			results <- retrieval{store: s.Name(), entities: found, err: err}
		}
		if err := m.pool.Submit(task); err != nil {
			results <- retrieval{store: s.Name(), err: fmt.Errorf("submit retrieve: %w", err)}
		}
	}

	found := make(map[string]meta.Entity, len(wanted))
	var errs []error
	for answered := 0; answered < len(targets) && len(found) < len(wanted); {
		select {
		case r := <-results:
			answered++
			if r.err != nil {
				m.logger.Warn("store retrieve failed", "store", r.store, "type", em.Name(), "error", r.err)
				errs = append(errs, &query.Error{Code: query.ErrCodeStoreFailure, Message: "retrieve failed", Entity: em.Name(), Store: r.store, Err: r.err})
				continue
			}
			for _, e := range r.entities {
				k := store.Key(e.ID())
				if _, ok := wanted[k]; !ok {
					continue
				}
				if _, dup := found[k]; !dup {
					found[k] = e
				}
			}
		case <-tctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			m.metrics.RecordRetrieveTimeout()
			return nil, &query.Error{Code: query.ErrCodeTimeout, Message: fmt.Sprintf("retrieve timed out after %s", m.timeout), Entity: em.Name(), Err: tctx.Err()}
		}
	}

	out := make([]meta.Entity, 0, len(found))
	var missing []error
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		k := store.Key(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		if e, ok := found[k]; ok {
			out = append(out, e)
		} else {
			missing = append(missing, store.NotFound(em, id))
		}
	}
	if len(missing) > 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if strict && len(missing) > 0 {
		return nil, store.Batch(em, missing)
	}
	return out, nil
}

// route resolves the store a write goes to. An empty name selects the only
// known store.
func (m *Manager) route(em *meta.EntityMeta, name string) (store.Store, error) {
	if name == "" {
		current := *m.stores.Load()
		if len(current) == 1 {
			return current[0], nil
		}
		return nil, &query.Error{Code: query.ErrCodeNoStore, Message: fmt.Sprintf("write needs a store name (%d stores known)", len(current)), Entity: em.Name()}
	}
	s, ok := m.Store(name)
	if !ok {
		return nil, &query.Error{Code: query.ErrCodeNoStore, Message: "unknown store", Entity: em.Name(), Store: name}
	}
	return s, nil
}

// Create stores entities in the named store.
func (m *Manager) Create(ctx context.Context, storeName string, em *meta.EntityMeta, entities []meta.Entity) error {
	s, err := m.route(em, storeName)
	if err != nil {
		return err
	}
	return s.Create(ctx, em, entities)
}

// Delete removes entities from the named store.
func (m *Manager) Delete(ctx context.Context, storeName string, em *meta.EntityMeta, ids []value.Value) error {
	s, err := m.route(em, storeName)
	if err != nil {
		return err
	}
	return s.Delete(ctx, em, ids)
}

// GetValues reads raw property values from the named store.
func (m *Manager) GetValues(ctx context.Context, storeName string, em *meta.EntityMeta, id value.Value, props []string) (map[string]value.Value, int64, error) {
	s, err := m.route(em, storeName)
	if err != nil {
		return nil, 0, err
	}
	return s.GetValues(ctx, em, id, props)
}

// SetValues writes raw property values to the named store.
func (m *Manager) SetValues(ctx context.Context, storeName string, em *meta.EntityMeta, id value.Value, values map[string]value.Value) (int64, error) {
	s, err := m.route(em, storeName)
	if err != nil {
		return 0, err
	}
	return s.SetValues(ctx, em, id, values)
}

// SetValuesVersioned writes raw property values guarded by expected.
func (m *Manager) SetValuesVersioned(ctx context.Context, storeName string, em *meta.EntityMeta, id value.Value, expected int64, values map[string]value.Value) (int64, error) {
	s, err := m.route(em, storeName)
	if err != nil {
		return 0, err
	}
	return s.SetValuesVersioned(ctx, em, id, expected, values)
}

// Version reads the version token from the named store.
func (m *Manager) Version(ctx context.Context, storeName string, em *meta.EntityMeta, id value.Value) (int64, error) {
	s, err := m.route(em, storeName)
	if err != nil {
		return 0, err
	}
	return s.Version(ctx, em, id)
}

// AddRelations links targets in the named store.
func (m *Manager) AddRelations(ctx context.Context, storeName string, em *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error {
	s, err := m.route(em, storeName)
	if err != nil {
		return err
	}
	return s.AddRelations(ctx, em, relation, source, targets)
}

// RemoveRelations unlinks targets in the named store.
func (m *Manager) RemoveRelations(ctx context.Context, storeName string, em *meta.EntityMeta, relation string, source value.Value, targets []value.Value) error {
	s, err := m.route(em, storeName)
	if err != nil {
		return err
	}
	return s.RemoveRelations(ctx, em, relation, source, targets)
}
