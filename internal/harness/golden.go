package harness

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render writes the trace in the golden file format:
//
//	scenario: <name>
//	[<step>] <action>
//	  <kind>: <change>
//	  error: <message>
//	  page: [<ids>] more
//	  <path> <projection> = <value>
//
// Notifications without changes render as their bare kind.
func Render(name string, trace []TraceEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for _, ev := range trace {
		fmt.Fprintf(&buf, "[%d] %s\n", ev.Step, ev.Action)
		for _, n := range ev.Notifications {
			if len(n.Changes) == 0 {
				fmt.Fprintf(&buf, "  %s\n", n.Kind)
				continue
			}
			for _, c := range n.Changes {
				fmt.Fprintf(&buf, "  %s: %s\n", n.Kind, c)
			}
		}
		if ev.Error != "" {
			fmt.Fprintf(&buf, "  error: %s\n", ev.Error)
		}
		if ev.Page != nil {
			more := ""
			if ev.More {
				more = " more"
			}
			fmt.Fprintf(&buf, "  page: [%s]%s\n", strings.Join(ev.Page, " "), more)
		}
		for _, r := range ev.Results {
			fmt.Fprintf(&buf, "  %s %s = %s\n", r.Path, r.Projection, r.Value)
		}
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Render(scenarioName, result.Trace))
}
