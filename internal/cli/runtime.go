package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/svd27/ki/internal/config"
	"github.com/svd27/ki/internal/filterspec"
	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/query"
	"github.com/svd27/ki/internal/querymgr"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/store/sqlstore"
	"github.com/svd27/ki/internal/value"
)

// settings loads the config named by --config, or the defaults.
func settings(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

// newLogger writes text logs to w at the configured level; --verbose
// forces debug.
func newLogger(cfg config.Config, opts *RootOptions, w io.Writer) *slog.Logger {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// StoreFlags selects the SQLite database of a command.
type StoreFlags struct {
	Database string // overrides store.path of the config
}

// openStore opens the configured SQLite store with the schema's types known
// up front. A nil publisher discards mutation events.
func openStore(cfg config.Config, flags StoreFlags, types *meta.Registry, logger *slog.Logger, pub store.Publisher) (*sqlstore.Store, error) {
	path := cfg.Store.Path
	if flags.Database != "" {
		path = flags.Database
	}
	opts := []sqlstore.Option{sqlstore.WithRegistry(types), sqlstore.WithLogger(logger)}
	if pub != nil {
		opts = append(opts, sqlstore.WithPublisher(pub))
	}
	logger.Debug("opening store", "store", cfg.Store.Name, "path", path)
	return sqlstore.Open(cfg.Store.Name, path, opts...)
}

// startQueryManager runs a query manager until stop is called and announces
// every store to it.
func startQueryManager(ctx context.Context, cfg config.Config, logger *slog.Logger, mt *metrics.Metrics, stores ...store.Store) (*querymgr.Manager, func(), error) {
	qm, err := querymgr.New(
		querymgr.WithRetrieveTimeout(cfg.Query.RetrieveTimeout),
		querymgr.WithPoolSize(cfg.Query.Workers),
		querymgr.WithLogger(logger),
		querymgr.WithMetrics(mt),
	)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = qm.Run(runCtx)
	}()
	stop := func() {
		cancel()
		<-stopped
		qm.Close()
	}

	for _, s := range stores {
		if err := qm.Ready(ctx, s); err != nil {
			stop()
			return nil, nil, fmt.Errorf("store %s: %w", s.Name(), err)
		}
	}
	return qm, stop, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// QueryFlags describe the query of the query and watch commands.
type QueryFlags struct {
	Type   string
	Where  []string
	Order  string
	Offset int
	Size   int
	Stores []string
}

// build compiles the flags into a query over types.
func (f QueryFlags) build(types *meta.Registry) (query.Query, error) {
	m, ok := types.MetaFor(f.Type)
	if !ok {
		return query.Query{}, &query.Error{Code: query.ErrCodeInvalidQuery, Message: "unknown entity type", Entity: f.Type}
	}
	spec, err := filterspec.ParseAll(f.Where)
	if err != nil {
		return query.Query{}, err
	}
	flt, err := spec.Build(m, types)
	if err != nil {
		return query.Query{}, err
	}
	o, err := query.ParseOrdering(f.Order)
	if err != nil {
		return query.Query{}, err
	}
	q := query.New(m, flt, f.Size).
		WithOrdering(o).
		WithPaging(query.Paging{Offset: f.Offset, Size: f.Size}).
		WithStores(f.Stores...)
	return q, q.Validate()
}

// Row is the JSON rendering of one entity.
type Row struct {
	Type    string         `json:"type"`
	ID      any            `json:"id"`
	Version int64          `json:"version,omitempty"`
	Values  map[string]any `json:"values"`
}

// newRow encodes the declared properties of e; relations become id lists.
func newRow(m *meta.EntityMeta, e meta.Entity) Row {
	r := Row{Type: e.Type(), ID: value.Encode(e.ID()), Version: e.Version(), Values: map[string]any{}}
	for _, p := range m.Properties() {
		if p == m.IDProperty() {
			continue
		}
		if p.IsRelation() {
			related := p.Related(e)
			if related == nil {
				continue
			}
			ids := make([]any, len(related))
			for i, t := range related {
				ids[i] = value.Encode(t.ID())
			}
			r.Values[p.Name] = ids
			continue
		}
		r.Values[p.Name] = value.Encode(p.Get(e))
	}
	return r
}

// formatEntity renders e as `"p1" age=34 name="Ann"` with properties in
// name order. Null properties are omitted.
func formatEntity(m *meta.EntityMeta, e meta.Entity) string {
	var parts []string
	for _, p := range m.Properties() {
		if p == m.IDProperty() {
			continue
		}
		if p.IsRelation() {
			related := p.Related(e)
			if len(related) == 0 {
				continue
			}
			ids := make([]string, len(related))
			for i, t := range related {
				ids[i] = value.Format(t.ID())
			}
			parts = append(parts, p.Name+"=["+strings.Join(ids, " ")+"]")
			continue
		}
		if v := p.Get(e); !value.IsNull(v) {
			parts = append(parts, p.Name+"="+value.Format(v))
		}
	}
	slices.Sort(parts)
	return strings.TrimSpace(value.Format(e.ID()) + " " + strings.Join(parts, " "))
}
