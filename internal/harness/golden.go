package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/dsm/internal/canonical"
)

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// eventValue converts an event to a canonical object. Fields that do not
// apply to the event's action are left out.
func eventValue(ev TraceEvent) canonical.Object {
	obj := canonical.Object{
		"seq":     canonical.Int(ev.Seq),
		"action":  canonical.String(ev.Action),
		"outcome": canonical.String(ev.Outcome),
	}
	if ev.Entity != "" {
		obj["entity"] = canonical.String(ev.Entity)
		obj["state_number"] = canonical.Int(int64(ev.StateNumber))
		obj["balance"] = canonical.Int(ev.Balance)
	}
	if ev.Reason != "" {
		obj["reason"] = canonical.String(ev.Reason)
	}
	switch ev.Action {
	case ActionTransfer:
		obj["to"] = canonical.String(ev.To)
		obj["mode"] = canonical.String(ev.Mode)
		obj["amount"] = canonical.Int(ev.Amount)
		if ev.Published != nil {
			obj["published"] = canonical.Bool(*ev.Published)
		}
	case ActionSync:
		obj["applied"] = canonical.Int(int64(ev.Applied))
		obj["skipped"] = canonical.Int(int64(ev.Skipped))
		obj["rejected"] = canonical.Int(int64(ev.Rejected))
	case ActionFlush:
		obj["sent"] = canonical.Int(int64(ev.Sent))
	}
	return obj
}

// Marshal renders the snapshot as canonical JSON lines: a header naming the
// scenario, then one line per event.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	header, err := canonical.Marshal(canonical.Object{"scenario_name": canonical.String(s.ScenarioName)})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range s.Trace {
		line, err := canonical.Marshal(eventValue(ev))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
