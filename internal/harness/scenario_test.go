package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: minimal
description: "one enqueue"
flow:
  - invoke: queue.enqueue
    args: { key: a }
    expect:
      case: Accepted
assertions:
  - type: trace_count
    action: queue.enqueue
    count: 1
`

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, ActionEnqueue, s.Flow[0].Invoke)
	assert.Equal(t, "a", s.Flow[0].Args["key"])
	assert.Equal(t, CaseAccepted, s.Flow[0].Expect.Case)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: validScenario + "assertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\nflow: [{invoke: queue.reap}]\nassertions: [{type: trace_count, action: queue.reap}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nflow: [{invoke: queue.reap}]\nassertions: [{type: trace_count, action: queue.reap}]\n",
			want: "description is required",
		},
		{
			name: "empty flow",
			yaml: "name: n\ndescription: d\nassertions: [{type: trace_count, action: queue.reap}]\n",
			want: "flow list is required",
		},
		{
			name: "unknown action",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.explode}]\nassertions: [{type: trace_count, action: queue.reap}]\n",
			want: `unknown action "queue.explode"`,
		},
		{
			name: "expect without case",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap, expect: {result: {expired: 0}}}]\nassertions: [{type: trace_count, action: queue.reap}]\n",
			want: "flow[0].expect: case is required",
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap}]\n",
			want: "assertions list is required",
		},
		{
			name: "unknown assertion type",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap}]\nassertions: [{type: vibes}]\n",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "final_state unknown table",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap}]\nassertions: [{type: final_state, table: users, expect: {a: 1}}]\n",
			want: `unknown table "users"`,
		},
		{
			name: "final_state without expect",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap}]\nassertions: [{type: final_state, table: operations}]\n",
			want: "expect is required for final_state",
		},
		{
			name: "trace_order without actions",
			yaml: "name: n\ndescription: d\nflow: [{invoke: queue.reap}]\nassertions: [{type: trace_order}]\n",
			want: "actions list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
