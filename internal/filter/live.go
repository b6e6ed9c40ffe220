package filter

import (
	"context"
	"sync"

	"github.com/svd27/ki/internal/event"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// Live is the identity-stable handle of a filter registered in a filter
// tree. It matches exactly like its inner filter and carries the channel
// that receives the events routed to it.
//
// Live is mutable only in its membership status: Close marks it done, after
// which Deliver no longer blocks on the channel. The channel itself is owned
// by the consumer and is never closed here.
type Live struct {
	id    string
	inner Filter
	out   chan<- event.Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewLive wraps inner. out may be nil for filters that only need indexing.
func NewLive(id string, inner Filter, out chan<- event.Event) *Live {
	return &Live{
		id:    id,
		inner: Unwrap(inner),
		out:   out,
		done:  make(chan struct{}),
	}
}

// ID returns the identity of the live filter.
func (l *Live) ID() string { return l.id }

// Inner returns the wrapped filter.
func (l *Live) Inner() Filter { return l.inner }

// Deliver sends ev to the live filter's channel, applying the channel's
// backpressure. Returns ErrLiveClosed once Close was called, or the context
// error if ctx ends first.
func (l *Live) Deliver(ctx context.Context, ev event.Event) error {
	if l.out == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrLiveClosed
	default:
	}
	select {
	case l.out <- ev:
		return nil
	case <-l.done:
		return ErrLiveClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the live filter done. Idempotent.
func (l *Live) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed when the live filter is closed.
func (l *Live) Done() <-chan struct{} { return l.done }

// Closed reports whether Close was called.
func (l *Live) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Live) Meta() *meta.EntityMeta     { return l.inner.Meta() }
func (l *Live) Matches(e meta.Entity) bool { return l.inner.Matches(e) }
func (l *Live) MatchesValues(values map[string]value.Value) bool {
	return l.inner.MatchesValues(values)
}
func (l *Live) Inverse() Filter { return l.inner.Inverse() }
func (l *Live) Key() string     { return l.inner.Key() }
func (l *Live) String() string  { return "live[" + l.id + "] " + l.inner.String() }
func (*Live) filterNode()       {}
