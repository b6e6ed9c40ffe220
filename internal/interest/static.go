package interest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/svd27/ki/internal/filter"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/value"
)

// StaticInterest is an interest in an explicit id set.
type StaticInterest struct {
	*Interest

	swapMu sync.Mutex
	ids    []value.Value
	swaps  int
}

// PlusStatic creates an interest in the entities of q's type with the given
// ids. q's filter is replaced by the id set; its ordering, paging and stores
// apply.
func (m *Manager) PlusStatic(ctx context.Context, q query.Query, ids []value.Value, opts ...PlusOption) (*StaticInterest, error) {
	var cfg plusConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ids = uniqueIDs(ids)
	i, err := m.open(ctx, q.WithFilter(filter.IDs(q.Meta, ids...)), cfg)
	if err != nil {
		return nil, err
	}
	return &StaticInterest{Interest: i, ids: ids}, nil
}

// IDs returns the current id set.
func (s *StaticInterest) IDs() []value.Value {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	return slices.Clone(s.ids)
}

// Add widens the id set by the ids of entities.
func (s *StaticInterest) Add(ctx context.Context, entities ...meta.Entity) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	next := slices.Clone(s.ids)
	for _, e := range entities {
		next = append(next, e.ID())
	}
	return s.swap(ctx, uniqueIDs(next))
}

// Remove narrows the id set by the ids of entities.
func (s *StaticInterest) Remove(ctx context.Context, entities ...meta.Entity) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	next := slices.DeleteFunc(slices.Clone(s.ids), func(id value.Value) bool {
		return slices.ContainsFunc(entities, func(e meta.Entity) bool { return value.Equal(e.ID(), id) })
	})
	return s.swap(ctx, next)
}

// swap registers a live filter for ids, re-reads every result under it and
// retires the previous filter. Events may reach both filters while they
// overlap; digestion ignores the repeats.
// CRITICAL: Must be called with swapMu held.
func (s *StaticInterest) swap(ctx context.Context, ids []value.Value) error {
	i := s.Interest
	if i.State() != StateLive {
		return ErrClosed
	}
	f := filter.IDs(i.base.Meta, ids...)
	s.swaps++
	live := filter.NewLive(fmt.Sprintf("%s#%d", i.id, s.swaps), f, i.events)
	if err := i.m.registrar.Register(ctx, live); err != nil {
		return fmt.Errorf("register interest %s: %w", live.ID(), err)
	}

	for {
		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			live.Close()
			return i.m.deregisterOr(ctx, live, ErrClosed)
		}
		gen, base, ps := i.gen, i.base.WithFilter(f), slices.Clone(i.projections)
		i.mu.Unlock()

		results, err := compute(ctx, i.m.querier, base, ps)
		if err != nil {
			live.Close()
			i.logger.Warn("static interest reload failed", "error", err)
			return i.m.deregisterOr(ctx, live, err)
		}

		i.mu.Lock()
		if i.state != StateLive {
			i.mu.Unlock()
			live.Close()
			return i.m.deregisterOr(ctx, live, ErrClosed)
		}
		if i.gen != gen {
			i.mu.Unlock()
			continue
		}
		old := i.live
		i.live = live
		i.base = base
		i.results = results
		i.gen++
		s.ids = ids
		i.m.metrics.RecordReload("static")
		i.logger.Debug("static id set swapped", "ids", len(ids))
		i.enqueue(Notification{Kind: Reloaded, Changes: seeded(results)})
		i.mu.Unlock()
		i.flush()

		old.Close()
		return i.m.deregister(ctx, old)
	}
}

// deregisterOr deregisters l and returns cause, or the deregistration error.
func (m *Manager) deregisterOr(ctx context.Context, l *filter.Live, cause error) error {
	if err := m.deregister(ctx, l); err != nil {
		return err
	}
	return cause
}

func uniqueIDs(ids []value.Value) []value.Value {
	out := make([]value.Value, 0, len(ids))
	for _, id := range ids {
		if !slices.ContainsFunc(out, func(o value.Value) bool { return value.Equal(o, id) }) {
			out = append(out, id)
		}
	}
	return out
}
