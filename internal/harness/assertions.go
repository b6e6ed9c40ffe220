package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/store"
	"github.com/svd27/ki/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Step, ev.Action)
			for _, c := range ev.Changes() {
				fmt.Fprintf(&buf, "      %s\n", c)
			}
		}
	}
	return buf.String()
}

// changes flattens the changes of every trace event.
func changes(trace []TraceEvent) []string {
	var out []string
	for _, ev := range trace {
		out = append(out, ev.Changes()...)
	}
	return out
}

// assertChangeContains checks that the change appears somewhere in the trace.
func assertChangeContains(trace []TraceEvent, assertion Assertion) error {
	if slices.Contains(changes(trace), assertion.Change) {
		return nil
	}
	return &AssertionError{
		Type:     AssertChangeContains,
		Expected: fmt.Sprintf("change %q", assertion.Change),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertChangeOrder checks that changes appear in the specified order.
// Changes don't need to be consecutive (intervening changes are allowed).
func assertChangeOrder(trace []TraceEvent, assertion Assertion) error {
	all := changes(trace)

	// Find the first position of each expected change, 1-indexed
	positions := make(map[string]int)
	for i, c := range all {
		if positions[c] == 0 && slices.Contains(assertion.Changes, c) {
			positions[c] = i + 1
		}
	}

	for _, c := range assertion.Changes {
		if positions[c] == 0 {
			return &AssertionError{
				Type:     AssertChangeOrder,
				Expected: fmt.Sprintf("all changes present: %q", assertion.Changes),
				Actual:   fmt.Sprintf("missing change: %q", c),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Changes); i++ {
		prev, curr := assertion.Changes[i-1], assertion.Changes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertChangeOrder,
				Expected: fmt.Sprintf("changes in order: %q", assertion.Changes),
				Actual: fmt.Sprintf("%q (pos %d) should be before %q (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertNotificationCount checks that notifications of the kind were
// delivered exactly the specified number of times.
func assertNotificationCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		for _, n := range ev.Notifications {
			if n.Kind == assertion.Kind {
				count++
			}
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d %s notifications", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState reads the entity from the store and validates the
// expected property values using subset semantics.
func assertFinalState(ctx context.Context, st store.Store, types *meta.Registry, assertion Assertion) error {
	m, ok := types.MetaFor(assertion.Entity)
	if !ok {
		return fmt.Errorf("final_state: unknown entity type %q", assertion.Entity)
	}
	id, err := coerceID(m, assertion.ID)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	// Sort property names for deterministic messages
	props := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		props = append(props, k)
	}
	slices.Sort(props)

	actual, _, err := st.GetValues(ctx, m, id, props)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", m.Name(), value.Format(id)),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}

	var mismatches []string
	for _, name := range props {
		want, err := coerceProperty(m, name, assertion.Expect[name])
		if err != nil {
			return fmt.Errorf("final_state: %w", err)
		}
		got, exists := actual[name]
		if !exists {
			got = value.Null{}
		}
		if !value.Equal(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", name, value.Format(got), value.Format(want)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s with %s", m.Name(), value.Format(id), formatExpect(props, assertion.Expect)),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

// formatExpect creates a human-readable description of expected values.
func formatExpect(keys []string, expect map[string]any) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, expect[k]))
	}
	return strings.Join(parts, " AND ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store store.Store
	Types *meta.Registry
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertChangeContains:
			err = assertChangeContains(result.Trace, assertion)
		case AssertChangeOrder:
			err = assertChangeOrder(result.Trace, assertion)
		case AssertNotificationCount:
			err = assertNotificationCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil || actx.Types == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a store context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, actx.Types, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
