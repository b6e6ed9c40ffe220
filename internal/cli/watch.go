package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/svd27/ki/internal/dataset"
	"github.com/svd27/ki/internal/engine"
	"github.com/svd27/ki/internal/harness"
	"github.com/svd27/ki/internal/interest"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/projection"
	"github.com/svd27/ki/internal/schema"
	"github.com/svd27/ki/internal/value"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	StoreFlags
	QueryFlags

	Count       bool          // add a count projection
	Sums        []string      // add a sum projection per property
	Apply       []string      // datasets loaded after the interest opens
	Follow      bool          // keep watching until interrupted
	Settle      time.Duration // quiet period before exiting without --follow
	MetricsAddr string        // serve Prometheus metrics on this address
}

// DefaultSettle is how long watch waits for trailing notifications.
const DefaultSettle = 250 * time.Millisecond

// WatchNotification is the JSON rendering of one notification.
type WatchNotification struct {
	Kind    string   `json:"kind"`
	Changes []string `json:"changes,omitempty"`
}

// WatchResult is the JSON output of watch.
type WatchResult struct {
	Interest      string              `json:"interest"`
	Query         string              `json:"query"`
	Notifications []WatchNotification `json:"notifications"`
	Page          []Row               `json:"page"`
	More          bool                `json:"more"`
	Results       map[string]string   `json:"results,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <schema>",
		Short: "Open a live interest and print its notifications",
		Long: `Open an interest on the SQLite store and print every notification.

Datasets given with --apply are written through the store after the
interest opens, so their effect on the result shows as changes.
Without --follow the command exits once notifications settle; with
--follow it runs until interrupted.

Example:
  ki watch ./schema --type Person --where "age >= 20" --count --apply more.yaml
  ki watch ./schema --type Person --follow --metrics-addr :9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	addQueryFlags(cmd, &opts.StoreFlags, &opts.QueryFlags)
	cmd.Flags().BoolVar(&opts.Count, "count", false, "add a count projection")
	cmd.Flags().StringArrayVar(&opts.Sums, "sum", nil, "add a sum projection over a property (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Apply, "apply", nil, "dataset to load after the interest opens (repeatable)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep watching until interrupted")
	cmd.Flags().DurationVar(&opts.Settle, "settle", DefaultSettle, "quiet period before exiting")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// printer serialises subscriber output; notifications arrive on the
// interest goroutine.
type printer struct {
	mu     sync.Mutex
	f      *OutputFormatter
	events []WatchNotification
}

func (p *printer) notify(n interest.Notification) {
	wn := WatchNotification{Kind: n.Kind.String()}
	for _, c := range n.Changes {
		wn.Changes = append(wn.Changes, projection.Describe(c))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, wn)
	if p.f.JSON() {
		return
	}
	if len(wn.Changes) == 0 {
		fmt.Fprintln(p.f.Writer, wn.Kind)
		return
	}
	for _, c := range wn.Changes {
		fmt.Fprintf(p.f.Writer, "%s: %s\n", wn.Kind, c)
	}
}

func (p *printer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *printer) notifications() []WatchNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WatchNotification{}, p.events...)
}

func runWatch(opts *WatchOptions, schemaPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := settings(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err)
	}
	logger := newLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())
	if opts.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
	}
	mt := metrics.New(cfg.Metrics)

	types, err := schema.Load(schemaPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSchema, err)
	}
	q, err := opts.QueryFlags.build(types)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}

	// Compile the datasets up front so a bad file fails before anything opens
	var batches [][]dataset.Batch
	for _, f := range opts.Apply {
		ds, err := dataset.Load(f)
		if err == nil {
			var b []dataset.Batch
			b, err = ds.Compile(types)
			batches = append(batches, b)
		}
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDataset, fmt.Errorf("%s: %w", f, err))
		}
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	d := engine.NewDispatcher(
		engine.WithLogger(logger),
		engine.WithMetrics(mt),
		engine.WithLoad(cfg.Tree.Load),
	)
	// The dispatcher outlives ctx so interests can deregister on the way out
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := d.Run(context.WithoutCancel(ctx)); err != nil {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()
	defer func() {
		d.Stop()
		<-dispatcherDone
	}()

	st, err := openStore(cfg, opts.StoreFlags, types, logger, d)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	qm, stopQM, err := startQueryManager(ctx, cfg, logger, mt, st)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err)
	}
	defer stopQM()

	if opts.MetricsAddr != "" {
		stopServer, err := serveMetrics(opts.MetricsAddr, mt, formatter)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConfig, err)
		}
		defer stopServer()
	}

	var ps []projection.Projection
	if opts.Count {
		ps = append(ps, projection.Count(""))
	}
	for _, s := range opts.Sums {
		ps = append(ps, projection.Sum(s))
	}

	mgr := interest.NewManager(d, qm,
		interest.WithLogger(logger),
		interest.WithMetrics(mt),
		interest.WithBuffer(cfg.Interest.Buffer),
		interest.WithBatchSize(cfg.Interest.Batch),
	)
	defer mgr.Close(context.WithoutCancel(ctx))

	out := &printer{f: formatter}
	in, err := mgr.Plus(ctx, q, interest.WithProjections(ps...), interest.WithSubscriber(out.notify))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}
	formatter.VerboseLog("interest %s: %s", in.ID(), q)

	for i, b := range batches {
		stats, err := dataset.Seed(ctx, st, b)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Errorf("%s: %w", opts.Apply[i], err))
		}
		formatter.VerboseLog("applied %s: %d entities, %d links", opts.Apply[i], stats.Entities, stats.Links)
	}

	if opts.Follow {
		<-ctx.Done()
	} else {
		settle(ctx, out, opts.Settle)
	}

	return reportWatch(context.WithoutCancel(ctx), formatter, out, in)
}

// settle returns once no notification arrived for quiet.
func settle(ctx context.Context, out *printer, quiet time.Duration) {
	seen := out.count()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(quiet):
		}
		n := out.count()
		if n == seen {
			return
		}
		seen = n
	}
}

func reportWatch(ctx context.Context, formatter *OutputFormatter, out *printer, in *interest.Interest) error {
	q := in.Query()
	page := in.Page()
	results := map[string]string{}
	for _, p := range in.Projections()[1:] {
		r, err := in.Retrieve(ctx, p.Path())
		key := p.Path() + " " + p.String()
		if err != nil {
			results[key] = "error: " + err.Error()
			continue
		}
		results[key] = harness.RenderResult(r)
	}

	if formatter.JSON() {
		res := WatchResult{
			Interest:      in.ID(),
			Query:         q.String(),
			Notifications: out.notifications(),
			Page:          []Row{},
			More:          page.More,
		}
		for _, e := range page.Entities {
			res.Page = append(res.Page, newRow(q.Meta, e))
		}
		if len(results) > 0 {
			res.Results = results
		}
		return formatter.Success(res)
	}

	w := formatter.Writer
	ids := make([]string, len(page.Entities))
	for i, e := range page.Entities {
		ids[i] = value.Format(e.ID())
	}
	more := ""
	if page.More {
		more = " more"
	}
	fmt.Fprintf(w, "page: %v%s\n", ids, more)
	for _, p := range in.Projections()[1:] {
		key := p.Path() + " " + p.String()
		if v, ok := results[key]; ok {
			fmt.Fprintf(w, "%s = %s\n", key, v)
		}
	}
	return nil
}

// serveMetrics exposes the private registry at /metrics.
func serveMetrics(addr string, mt *metrics.Metrics, formatter *OutputFormatter) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mt.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			formatter.VerboseLog("metrics server: %v", err)
		}
	}()
	formatter.VerboseLog("serving metrics on %s", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
