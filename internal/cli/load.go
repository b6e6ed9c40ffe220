package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/svd27/ki/internal/dataset"
	"github.com/svd27/ki/internal/schema"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	StoreFlags
}

// LoadResult reports what a load wrote.
type LoadResult struct {
	Store string        `json:"store"`
	Files int           `json:"files"`
	Total dataset.Stats `json:"total"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <schema> <dataset>...",
		Short: "Seed a SQLite store from YAML datasets",
		Long: `Load one or more YAML datasets into the SQLite store.

Every file is validated against the schema before anything is written.
Entities are created per type, then relations are linked.

Example:
  ki load ./schema people.yaml --db ./ki.db`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: store.path of the config)")
	return cmd
}

func runLoad(opts *LoadOptions, schemaPath string, files []string, cmd *cobra.Command) error {
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

	// Compile every file first so a bad file writes nothing
	var batches [][]dataset.Batch
	for _, f := range files {
		ds, err := dataset.Load(f)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDataset, fmt.Errorf("%s: %w", f, err))
		}
		b, err := ds.Compile(types)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDataset, fmt.Errorf("%s: %w", f, err))
		}
		batches = append(batches, b)
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

	result := LoadResult{Store: st.Name(), Files: len(files)}
	for i, b := range batches {
		stats, err := dataset.Seed(cmd.Context(), st, b)
		result.Total.Entities += stats.Entities
		result.Total.Links += stats.Links
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Errorf("%s: %w", files[i], err))
		}
		formatter.VerboseLog("loaded %s: %d entities, %d links", files[i], stats.Entities, stats.Links)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Loaded %d entities and %d links from %d file(s) into %s\n",
		result.Total.Entities, result.Total.Links, result.Files, result.Store)
	return nil
}
