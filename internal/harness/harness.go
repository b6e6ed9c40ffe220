package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/svd27/ki/internal/dataset"
	"github.com/svd27/ki/internal/engine"
	"github.com/svd27/ki/internal/interest"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/schema"
	"github.com/svd27/ki/internal/store/memstore"
	"github.com/svd27/ki/internal/value"
)

const (
	// DefaultTimeout bounds the wait for the first notification of a step
	// that expects changes.
	DefaultTimeout = 2 * time.Second

	// DefaultSettle is how long the interest must stay quiet before a step
	// is considered complete.
	DefaultSettle = 25 * time.Millisecond
)

// Harness is the scenario execution engine.
// It drives one interest over a fresh in-memory store.
type Harness struct {
	types    *meta.Registry
	store    *memstore.Store
	interest *interest.Interest
	notes    chan interest.Notification
	timeout  time.Duration
	settle   time.Duration
	logger   *slog.Logger
}

// Option configures a run.
type Option func(*Harness)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(h *Harness) { h.settle = d }
}

// WithLogger sets the logger of the store, dispatcher and interest.
// Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Load the schema and seed a fresh in-memory store
// 2. Open the interest and record its Created notification
// 3. Execute every step, recording notifications, page and results
// 4. Close the interest and evaluate assertions
//
// Failed expectations and assertions are reported in the result; an error
// is returned only when the scenario cannot run at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		notes:   make(chan interest.Notification, 256),
		timeout: DefaultTimeout,
		settle:  DefaultSettle,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	types, err := schema.Load(scenario.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	h.types = types

	d := engine.NewDispatcher(engine.WithLogger(h.logger))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-stopped
	}()

	h.store = memstore.New("scenario", memstore.WithPublisher(d), memstore.WithLogger(h.logger))
	if err := h.seed(ctx, scenario.Data); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	q, ps, err := h.query(scenario.Interest)
	if err != nil {
		return nil, fmt.Errorf("invalid interest: %w", err)
	}

	mgr := interest.NewManager(d, h.store,
		interest.WithLogger(h.logger),
		interest.WithIDGenerator(interest.NewFixedGenerator(scenario.Name)),
	)
	defer mgr.Close(context.Background())

	in, err := mgr.Plus(ctx, q,
		interest.WithProjections(ps...),
		interest.WithSubscriber(func(n interest.Notification) { h.notes <- n }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open interest: %w", err)
	}
	h.interest = in

	result := NewResult()

	// Created is delivered before Plus returns
	open := TraceEvent{Step: 0, Action: "open " + q.Meta.Name(), Notifications: h.drain()}
	h.snapshot(ctx, &open)
	result.AddTrace(open)

	for i, step := range scenario.Steps {
		ev := TraceEvent{Step: i + 1}
		action, stepErr := h.execute(ctx, step)
		ev.Action = action
		if stepErr != nil {
			ev.Error = stepErr.Error()
		}
		ev.Notifications = h.collect(stepErr == nil && step.Expect != nil && len(step.Expect.Changes) > 0)
		h.snapshot(ctx, &ev)
		result.AddTrace(ev)
		h.check(ev, step.Expect, stepErr, result)
	}

	if err := in.Close(ctx); err != nil {
		result.AddError(fmt.Sprintf("close: %v", err))
	}
	result.AddTrace(TraceEvent{Step: len(scenario.Steps) + 1, Action: "close", Notifications: h.drain()})

	actx := &AssertionContext{Store: h.store, Types: types, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, data dataset.Dataset) error {
	batches, err := data.Compile(h.types)
	if err != nil {
		return err
	}
	_, err = dataset.Seed(ctx, h.store, batches)
	return err
}

// query builds the interest query and its extra projections.
func (h *Harness) query(spec InterestSpec) (query.Query, []projection.Projection, error) {
	m, err := h.meta(spec.Type)
	if err != nil {
		return query.Query{}, nil, err
	}
	f, err := spec.Where.Build(m, h.types)
	if err != nil {
		return query.Query{}, nil, err
	}
	o, err := query.ParseOrdering(spec.Order)
	if err != nil {
		return query.Query{}, nil, err
	}
	size := spec.Size
	if size == 0 {
		size = DefaultPageSize
	}
	q := query.New(m, f, size).WithOrdering(o).WithPaging(query.Paging{Offset: spec.Offset, Size: size})

	ps := make([]projection.Projection, len(spec.Projections))
	for i, p := range spec.Projections {
		ps[i] = buildProjection(p)
	}
	return q, ps, nil
}

func buildProjection(p ProjectionSpec) projection.Projection {
	switch {
	case p.Count != nil:
		return projection.Count(*p.Count)
	case p.Sum != "":
		return projection.Sum(p.Sum)
	default:
		subs := make([]projection.Projection, len(p.Of))
		for i, sub := range p.Of {
			subs[i] = buildProjection(sub)
		}
		return projection.Bucket(p.Bucket, subs...)
	}
}

// execute applies one step and describes it for the trace.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch {
	case step.Create != nil:
		batches, err := step.Create.Compile(h.types)
		if err != nil {
			return "create", err
		}
		parts := make([]string, 0, len(batches))
		for _, b := range batches {
			ids := make([]string, 0, len(b.Records)+1)
			ids = append(ids, b.Meta.Name())
			for _, r := range b.Records {
				ids = append(ids, value.Format(r.ID()))
			}
			parts = append(parts, strings.Join(ids, " "))
		}
		_, err = dataset.Seed(ctx, h.store, batches)
		return "create " + strings.Join(parts, "; "), err

	case step.Update != nil:
		return h.update(ctx, step.Update)

	case step.Delete != nil:
		u := step.Delete
		m, err := h.meta(u.Type)
		if err != nil {
			return "delete " + u.Type, err
		}
		ids := make([]value.Value, len(u.IDs))
		names := make([]string, len(u.IDs))
		for i, raw := range u.IDs {
			if ids[i], err = coerceID(m, raw); err != nil {
				return "delete " + u.Type, err
			}
			names[i] = value.Format(ids[i])
		}
		return "delete " + u.Type + " " + strings.Join(names, " "), h.store.Delete(ctx, m, ids)

	case step.Relate != nil:
		return h.relate(ctx, step.Relate, true)

	case step.Unrelate != nil:
		return h.relate(ctx, step.Unrelate, false)

	case step.Page != "":
		if strings.EqualFold(step.Page, "prev") {
			return "prev", h.interest.Prev(ctx)
		}
		return "next", h.interest.Next(ctx)

	default:
		o, err := query.ParseOrdering(step.Order)
		if err != nil {
			return "order " + step.Order, err
		}
		return "order " + o.String(), h.interest.SetOrdering(ctx, o)
	}
}

func (h *Harness) update(ctx context.Context, u *UpdateStep) (string, error) {
	desc := "update " + u.Type
	m, err := h.meta(u.Type)
	if err != nil {
		return desc, err
	}
	id, err := coerceID(m, u.ID)
	if err != nil {
		return desc, err
	}
	desc += " " + value.Format(id)

	names := make([]string, 0, len(u.Set))
	for k := range u.Set {
		names = append(names, k)
	}
	slices.Sort(names)

	values := make(map[string]value.Value, len(u.Set))
	for _, name := range names {
		v, err := coerceProperty(m, name, u.Set[name])
		if err != nil {
			return desc, err
		}
		values[name] = v
		desc += " " + name + "=" + value.Format(v)
	}
	_, err = h.store.SetValues(ctx, m, id, values)
	return desc, err
}

func (h *Harness) relate(ctx context.Context, r *RelateStep, add bool) (string, error) {
	verb, sign := "relate", "+"
	if !add {
		verb, sign = "unrelate", "-"
	}
	desc := verb + " " + r.Type
	m, err := h.meta(r.Type)
	if err != nil {
		return desc, err
	}
	id, err := coerceID(m, r.ID)
	if err != nil {
		return desc, err
	}
	p, ok := m.Property(r.Relation)
	if !ok || !p.IsRelation() {
		return desc, fmt.Errorf("%s.%s is not a relation", m.Name(), r.Relation)
	}
	target, err := h.meta(p.Target)
	if err != nil {
		return desc, err
	}
	targets := make([]value.Value, len(r.Targets))
	names := make([]string, len(r.Targets))
	for i, raw := range r.Targets {
		if targets[i], err = coerceID(target, raw); err != nil {
			return desc, err
		}
		names[i] = value.Format(targets[i])
	}
	desc = fmt.Sprintf("%s %s %s.%s %s %s", verb, m.Name(), value.Format(id), r.Relation, sign, strings.Join(names, " "))
	if add {
		return desc, h.store.AddRelations(ctx, m, r.Relation, id, targets)
	}
	return desc, h.store.RemoveRelations(ctx, m, r.Relation, id, targets)
}

func (h *Harness) meta(name string) (*meta.EntityMeta, error) {
	m, ok := h.types.MetaFor(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", name)
	}
	return m, nil
}

// drain returns the notifications already delivered.
func (h *Harness) drain() []NotificationTrace {
	var out []NotificationTrace
	for {
		select {
		case n := <-h.notes:
			out = append(out, traceNotification(n))
		default:
			return out
		}
	}
}

// collect gathers the notifications caused by a step. With wait set it
// blocks up to the timeout for the first one; it then returns once no
// notification arrived for the settle period.
func (h *Harness) collect(wait bool) []NotificationTrace {
	var out []NotificationTrace
	if wait {
		select {
		case n := <-h.notes:
			out = append(out, traceNotification(n))
		case <-time.After(h.timeout):
			return out
		}
	}
	for {
		select {
		case n := <-h.notes:
			out = append(out, traceNotification(n))
		case <-time.After(h.settle):
			return out
		}
	}
}

// snapshot records the primary page and every further projection,
// recomputing stale results.
func (h *Harness) snapshot(ctx context.Context, ev *TraceEvent) {
	page := h.interest.Page()
	ev.Page = make([]string, 0, len(page.Entities))
	for _, e := range page.Entities {
		ev.Page = append(ev.Page, value.Format(e.ID()))
	}
	ev.More = page.More

	for _, p := range h.interest.Projections()[1:] {
		rt := ResultTrace{Path: p.Path(), Projection: p.String()}
		r, err := h.interest.Retrieve(ctx, p.Path())
		if err != nil {
			rt.Value = "error: " + err.Error()
		} else {
			rt.Value = RenderResult(r)
		}
		ev.Results = append(ev.Results, rt)
	}
}

// check compares a recorded step with its expect clause.
func (h *Harness) check(ev TraceEvent, exp *ExpectClause, stepErr error, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("step %d (%s): ", ev.Step, ev.Action) + fmt.Sprintf(format, args...))
	}

	switch {
	case exp != nil && exp.Error != "":
		if stepErr == nil {
			fail("expected error containing %q, got none", exp.Error)
		} else if !strings.Contains(stepErr.Error(), exp.Error) {
			fail("error %q does not contain %q", stepErr.Error(), exp.Error)
		}
	case stepErr != nil:
		fail("%v", stepErr)
	}
	if exp == nil {
		return
	}

	if exp.Page != nil {
		want := make([]string, len(exp.Page))
		for i, raw := range exp.Page {
			v, err := value.Of(raw)
			if err != nil {
				fail("expect.page[%d]: %v", i, err)
				return
			}
			want[i] = value.Format(v)
		}
		if !slices.Equal(want, ev.Page) {
			fail("page = [%s], want [%s]", strings.Join(ev.Page, " "), strings.Join(want, " "))
		}
	}
	if exp.More != nil && *exp.More != ev.More {
		fail("more = %t, want %t", ev.More, *exp.More)
	}
	if exp.Changes != nil {
		if got := ev.Changes(); !slices.Equal(got, exp.Changes) {
			fail("changes = %q, want %q", got, exp.Changes)
		}
	}

	paths := make([]string, 0, len(exp.Results))
	for p := range exp.Results {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, path := range paths {
		want := fmt.Sprint(exp.Results[path])
		i := slices.IndexFunc(ev.Results, func(r ResultTrace) bool { return r.Path == path })
		if i < 0 {
			fail("no result at path %s", path)
			continue
		}
		if got := ev.Results[i].Value; got != want {
			fail("result %s = %s, want %s", path, got, want)
		}
	}
}

func traceNotification(n interest.Notification) NotificationTrace {
	nt := NotificationTrace{Kind: n.Kind.String()}
	for _, c := range n.Changes {
		nt.Changes = append(nt.Changes, projection.Describe(c))
	}
	return nt
}

// RenderResult renders a projection result for the trace.
func RenderResult(r projection.Result) string {
	switch rt := r.(type) {
	case *projection.EntityResult:
		ids := make([]string, len(rt.Page.Entities))
		for i, e := range rt.Page.Entities {
			ids[i] = value.Format(e.ID())
		}
		return "[" + strings.Join(ids, " ") + "]"
	case *projection.CountResult:
		return strconv.FormatInt(rt.Count, 10)
	case *projection.SumResult:
		return strconv.FormatFloat(rt.Sum, 'f', -1, 64)
	case *projection.BucketResult:
		parts := make([]string, len(rt.Buckets))
		for i, b := range rt.Buckets {
			subs := make([]string, len(b.Results))
			for j, s := range b.Results {
				subs[j] = RenderResult(s)
			}
			parts[i] = value.Format(b.Key) + ": " + strings.Join(subs, ", ")
		}
		return "{" + strings.Join(parts, "; ") + "}"
	case *projection.ReloadResult:
		return "stale"
	default:
		return fmt.Sprintf("%T", r)
	}
}

func coerceID(m *meta.EntityMeta, raw any) (value.Value, error) {
	v, err := value.Of(raw)
	if err != nil {
		return nil, err
	}
	return m.IDProperty().Coerce(v)
}

func coerceProperty(m *meta.EntityMeta, name string, raw any) (value.Value, error) {
	v, err := value.Of(raw)
	if err != nil {
		return nil, fmt.Errorf("property %s: %w", name, err)
	}
	p, ok := m.Property(name)
	if !ok {
		// The store reports unknown properties.
		return v, nil
	}
	return p.Coerce(v)
}
