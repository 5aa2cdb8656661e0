package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures the trace and final state of one scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	CycleToken   string       `json:"cycle_token,omitempty"`
	Trace        []TraceEvent `json:"trace"`
	State        FinalState   `json:"state"`
}

// Snapshot serialises a run for golden comparison. Map keys are sorted by
// encoding/json, so equal runs give equal bytes.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	snap := TraceSnapshot{
		ScenarioName: scenario.Name,
		CycleToken:   scenario.CycleToken,
		Trace:        result.Trace,
		State:        result.State,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// AssertGolden compares an existing result against the golden file in dir.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result, dir string) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(dir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
