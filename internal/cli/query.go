package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/svd27/ki/internal/schema"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	StoreFlags
	QueryFlags
}

// QueryResult is one page of a query.
type QueryResult struct {
	Query  string `json:"query"`
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
	More   bool   `json:"more"`
	Rows   []Row  `json:"rows"`
}

// DefaultQuerySize is the page size when --size is not given.
const DefaultQuerySize = 20

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <schema>",
		Short: "Run a one-shot query against the SQLite store",
		Long: `Run a query through the query manager and print one page.

Each --where is a property test; several are joined with and.
--order takes comma separated keys such as "age desc, name".

Example:
  ki query ./schema --type Person --where "age >= 20" --order "age desc" --size 5
  ki query ./schema --type Person --where "city in [Oslo, Rome]" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	addQueryFlags(cmd, &opts.StoreFlags, &opts.QueryFlags)
	return cmd
}

func addQueryFlags(cmd *cobra.Command, sf *StoreFlags, qf *QueryFlags) {
	cmd.Flags().StringVar(&sf.Database, "db", "", "path to SQLite database (default: store.path of the config)")
	cmd.Flags().StringVarP(&qf.Type, "type", "t", "", "entity type to query (required)")
	cmd.Flags().StringArrayVarP(&qf.Where, "where", "w", nil, `property test such as "age >= 20" (repeatable)`)
	cmd.Flags().StringVarP(&qf.Order, "order", "o", "", `ordering such as "age desc, name"`)
	cmd.Flags().IntVar(&qf.Offset, "offset", 0, "index of the first entity")
	cmd.Flags().IntVar(&qf.Size, "size", DefaultQuerySize, "page size")
	_ = cmd.MarkFlagRequired("type")
}

func runQuery(opts *QueryOptions, schemaPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := settings(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, err)
	}
	logger := newLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())

	types, err := schema.Load(schemaPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSchema, err)
	}
	q, err := opts.QueryFlags.build(types)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}

	st, err := openStore(cfg, opts.StoreFlags, types, logger, nil)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	qm, stop, err := startQueryManager(ctx, cfg, logger, nil, st)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err)
	}
	defer stop()

	formatter.VerboseLog("query: %s", q)
	page, err := qm.Query(ctx, q)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}

	result := QueryResult{Query: q.String(), Offset: page.Paging.Offset, Size: page.Paging.Size, More: page.More, Rows: []Row{}}
	for _, e := range page.Entities {
		result.Rows = append(result.Rows, newRow(q.Meta, e))
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	w := formatter.Writer
	for _, e := range page.Entities {
		fmt.Fprintln(w, formatEntity(q.Meta, e))
	}
	more := ""
	if page.More {
		more = ", more"
	}
	fmt.Fprintf(w, "(%d %s%s)\n", page.Len(), q.Meta.Name(), more)
	return nil
}
