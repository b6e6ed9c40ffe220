package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/svd27/ki/internal/dataset"
	"github.com/svd27/ki/internal/filterspec"
)

// Scenario defines a live-query scenario.
// It seeds a store, opens one interest and applies steps to the store or
// to the interest, asserting on the notifications and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the path to a CUE schema file or directory.
	// Relative paths resolve against the scenario file location.
	Schema string `yaml:"schema"`

	// Data seeds the store before the interest is opened.
	Data dataset.Dataset `yaml:"data,omitempty"`

	// Interest is the query the scenario watches.
	Interest InterestSpec `yaml:"interest"`

	// Steps run in order after the interest is created.
	Steps []Step `yaml:"steps"`

	// Assertions validate the complete trace and the final store state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// InterestSpec describes the watched query.
type InterestSpec struct {
	Type   string          `yaml:"type"`
	Where  filterspec.Spec `yaml:"where,omitempty"`
	Order  string          `yaml:"order,omitempty"`
	Offset int             `yaml:"offset,omitempty"`
	// Size is the primary page size; zero means DefaultPageSize.
	Size        int              `yaml:"size,omitempty"`
	Projections []ProjectionSpec `yaml:"projections,omitempty"`
}

// DefaultPageSize is used when a scenario leaves interest.size unset.
const DefaultPageSize = 10

// ProjectionSpec declares one projection. Exactly one of Count, Sum and
// Bucket is set; Of lists the sub-projections of a bucket.
//
//	- count: ""          # number of matches
//	- sum: age
//	- bucket: city
//	  of: [{count: ""}]
type ProjectionSpec struct {
	Count  *string          `yaml:"count,omitempty"`
	Sum    string           `yaml:"sum,omitempty"`
	Bucket string           `yaml:"bucket,omitempty"`
	Of     []ProjectionSpec `yaml:"of,omitempty"`
}

// Step is one scenario action. Exactly one action field is set.
type Step struct {
	// Create adds rows, keyed by type name like seed data.
	Create dataset.Dataset `yaml:"create,omitempty"`

	Update   *UpdateStep `yaml:"update,omitempty"`
	Delete   *DeleteStep `yaml:"delete,omitempty"`
	Relate   *RelateStep `yaml:"relate,omitempty"`
	Unrelate *RelateStep `yaml:"unrelate,omitempty"`

	// Page moves the primary page: "next" or "prev".
	Page string `yaml:"page,omitempty"`

	// Order replaces the primary ordering, e.g. "name desc".
	Order string `yaml:"order,omitempty"`

	// Expect specifies what the step must produce.
	// If nil, the step is only recorded.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// UpdateStep writes property values of one entity.
type UpdateStep struct {
	Type string         `yaml:"type"`
	ID   any            `yaml:"id"`
	Set  map[string]any `yaml:"set"`
}

// DeleteStep removes entities.
type DeleteStep struct {
	Type string `yaml:"type"`
	IDs  []any  `yaml:"ids"`
}

// RelateStep links or unlinks relation targets.
type RelateStep struct {
	Type     string `yaml:"type"`
	ID       any    `yaml:"id"`
	Relation string `yaml:"relation"`
	Targets  []any  `yaml:"targets"`
}

// ExpectClause specifies the expected outcome of a step.
// Unset fields are not checked; an empty list checks for emptiness.
type ExpectClause struct {
	// Page lists the ids of the primary page after the step.
	Page []any `yaml:"page,omitempty"`

	// More is the expected "more" flag of the primary page.
	More *bool `yaml:"more,omitempty"`

	// Changes lists every change the step caused, rendered as in the trace.
	Changes []string `yaml:"changes,omitempty"`

	// Results maps projection paths to their expected rendered value.
	Results map[string]any `yaml:"results,omitempty"`

	// Error is a substring of the error the step must fail with.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final store state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "change_contains": a change appears in the trace
	// - "change_order": changes appear in the given order
	// - "notification_count": notifications of Kind appear exactly Count times
	// - "final_state": the stored entity has the expected values
	Type string `yaml:"type"`

	// Change is the rendered change (used by change_contains).
	Change string `yaml:"change,omitempty"`

	// Changes is the expected change order (used by change_order).
	Changes []string `yaml:"changes,omitempty"`

	// Kind is a notification kind such as "changed" (used by notification_count).
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected number of notifications (used by notification_count).
	Count int `yaml:"count,omitempty"`

	// Entity and ID address the stored entity (used by final_state).
	Entity string `yaml:"entity,omitempty"`
	ID     any    `yaml:"id,omitempty"`

	// Expect contains expected property values (used by final_state).
	// Subset match - only specified properties are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertChangeContains    = "change_contains"
	AssertChangeOrder       = "change_order"
	AssertNotificationCount = "notification_count"
	AssertFinalState        = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. The schema path
// resolves against the scenario's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario decodes a scenario and validates it.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve the schema path BEFORE validation
	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
		return fmt.Errorf("schema not found: %s", s.Schema)
	}
	if s.Interest.Type == "" {
		return fmt.Errorf("interest.type is required")
	}
	if s.Interest.Offset < 0 || s.Interest.Size < 0 {
		return fmt.Errorf("interest.offset and interest.size must not be negative")
	}
	for i, p := range s.Interest.Projections {
		if err := validateProjection(fmt.Sprintf("interest.projections[%d]", i), p); err != nil {
			return err
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateProjection(where string, p ProjectionSpec) error {
	set := 0
	for _, ok := range []bool{p.Count != nil, p.Sum != "", p.Bucket != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of count, sum, bucket is required", where)
	}
	if p.Bucket == "" && len(p.Of) > 0 {
		return fmt.Errorf("%s: of is only valid for bucket", where)
	}
	for i, sub := range p.Of {
		if err := validateProjection(fmt.Sprintf("%s.of[%d]", where, i), sub); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s Step) error {
	actions := 0
	for _, ok := range []bool{s.Create != nil, s.Update != nil, s.Delete != nil, s.Relate != nil, s.Unrelate != nil, s.Page != "", s.Order != ""} {
		if ok {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required", i)
	}
	switch {
	case s.Update != nil:
		if s.Update.Type == "" || s.Update.ID == nil || len(s.Update.Set) == 0 {
			return fmt.Errorf("steps[%d].update: type, id and set are required", i)
		}
	case s.Delete != nil:
		if s.Delete.Type == "" || len(s.Delete.IDs) == 0 {
			return fmt.Errorf("steps[%d].delete: type and ids are required", i)
		}
	case s.Relate != nil || s.Unrelate != nil:
		r := s.Relate
		if r == nil {
			r = s.Unrelate
		}
		if r.Type == "" || r.ID == nil || r.Relation == "" || len(r.Targets) == 0 {
			return fmt.Errorf("steps[%d]: type, id, relation and targets are required", i)
		}
	case s.Page != "":
		if p := strings.ToLower(s.Page); p != "next" && p != "prev" {
			return fmt.Errorf("steps[%d]: page must be next or prev, got %q", i, s.Page)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertChangeContains:
		if a.Change == "" {
			return fmt.Errorf("assertions[%d]: change is required for change_contains", index)
		}
	case AssertChangeOrder:
		if len(a.Changes) == 0 {
			return fmt.Errorf("assertions[%d]: changes list is required for change_order", index)
		}
	case AssertNotificationCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for notification_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notification_count", index)
		}
	case AssertFinalState:
		if a.Entity == "" || a.ID == nil {
			return fmt.Errorf("assertions[%d]: entity and id are required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
