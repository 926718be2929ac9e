package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one executable queue scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// MaxRetries overrides the retry budget; zero keeps the queue default.
	MaxRetries int `yaml:"max_retries,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep invokes one action and optionally checks its outcome.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args,omitempty"`
	Expect *ExpectClause  `yaml:"expect,omitempty"`
}

// ExpectClause is the expected outcome of a flow step. Result is a
// subset match against the step's actual result.
type ExpectClause struct {
	Case   string         `yaml:"case"`
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the action name (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args is a subset match on invocation args (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Table is operations, dead_letters or versions (final_state, state_count).
	Table string `yaml:"table,omitempty"`

	// Where selects rows; all fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match on the selected row (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences or rows.
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStateCount    = "state_count"
)

// State tables visible to final_state and state_count.
const (
	TableOperations  = "operations"
	TableDeadLetters = "dead_letters"
	TableVersions    = "versions"
)

var knownActions = map[string]bool{
	ActionEnqueue:  true,
	ActionClaim:    true,
	ActionComplete: true,
	ActionRelease:  true,
	ActionFail:     true,
	ActionReap:     true,
	ActionRevive:   true,
	ActionRequeue:  true,
	ActionArchive:  true,
	ActionAdvance:  true,
	ActionAppend:   true,
}

var knownTables = map[string]bool{
	TableOperations:  true,
	TableDeadLetters: true,
	TableVersions:    true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if !knownActions[step.Invoke] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
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
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !knownTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q for final_state", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStateCount:
		if !knownTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q for state_count", index, a.Table)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for state_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
