package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// TraceSnapshot is the golden-file form of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot for model.MarshalCanonical, which
// only accepts plain maps, slices and scalars.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type": event.Type,
			"seq":  event.Seq,
		}
		if event.Action != "" {
			eventMap["action"] = event.Action
		}
		if len(event.Args) > 0 {
			eventMap["args"] = event.Args
		}
		if event.OutputCase != "" {
			eventMap["output_case"] = event.OutputCase
		}
		if len(event.Result) > 0 {
			eventMap["result"] = event.Result
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// RunWithGolden executes a scenario, fails the test if any expectation or
// assertion did not hold, and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	traceJSON, err := model.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
