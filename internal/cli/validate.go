package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/schema"
)

// TypeSummary describes one compiled entity type.
type TypeSummary struct {
	Name       string   `json:"name"`
	Parent     string   `json:"parent,omitempty"`
	Versioned  bool     `json:"versioned"`
	Properties []string `json:"properties"`
	Relations  []string `json:"relations,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool          `json:"valid"`
	Types []TypeSummary `json:"types"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema>",
		Short: "Validate a CUE schema",
		Long: `Compile a CUE schema file or directory into entity types and check
that every parent and relation target resolves.

Example:
  ki validate ./schema
  ki validate people.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	types, err := schema.Load(path)
	if err != nil {
		// An invalid schema is a validation failure (exit code 1)
		return formatter.Fail(ExitFailure, ErrCodeSchema, err)
	}

	result := ValidationResult{Valid: true}
	for _, name := range types.Names() {
		m, _ := types.MetaFor(name)
		formatter.VerboseLog("compiled type %s", name)
		result.Types = append(result.Types, summarize(m))
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Schema valid: %d entity type(s)\n", len(result.Types))
	for _, t := range result.Types {
		line := "  " + t.Name
		if t.Parent != "" {
			line += " < " + t.Parent
		}
		fmt.Fprintf(w, "%s (%d properties, %d relations)\n", line, len(t.Properties), len(t.Relations))
	}
	return nil
}

func summarize(m *meta.EntityMeta) TypeSummary {
	s := TypeSummary{Name: m.Name(), Versioned: m.Versioned(), Properties: []string{}}
	if p := m.Parent(); p != nil {
		s.Parent = p.Name()
	}
	for _, p := range m.Properties() {
		if p.IsRelation() {
			s.Relations = append(s.Relations, p.Name)
		} else {
			s.Properties = append(s.Properties, p.Name)
		}
	}
	return s
}
