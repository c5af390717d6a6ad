package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Files(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "language_services.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "language_services", s.Name)
	assert.Equal(t, "value", s.Kernel)
	require.Len(t, s.Setup, 1)
	assert.Equal(t, StepSendValue, s.Setup[0].Kind())
	assert.Equal(t, &SendValueStep{Name: "greeting", Value: "hello"}, s.Setup[0].SendValue)

	require.Len(t, s.Steps, 6)
	assert.Equal(t, StepDiagnose, s.Steps[0].Kind())
	assert.Equal(t, []string{"VK003", "VK001"}, s.Steps[0].Expect.Diagnostics)
	assert.Equal(t, &PositionedCode{Code: "greeting", Line: 0, Character: 2}, s.Steps[1].Hover)
	assert.Equal(t, StepCompletions, s.Steps[3].Kind())
	require.NotNil(t, s.Steps[5].Expect.Success)
	assert.False(t, *s.Steps[5].Expect.Success)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: a\ndescription: b\nstep: []\n",
			wantErr: "field step not found",
		},
		{
			name:    "missing name",
			yaml:    "description: b\nsteps: [{submit: x}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: a\nsteps: [{submit: x}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: a\ndescription: b\nassertions: [{type: single_terminal}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "step with two requests",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x, request_value: x}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "steps[0]: exactly one request is required",
		},
		{
			name:    "empty step",
			yaml:    "name: a\ndescription: b\nsteps: [{kernel: value}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "steps[0]: exactly one request is required",
		},
		{
			name:    "setup with expect",
			yaml:    "name: a\ndescription: b\nsetup: [{submit: x, expect: {success: true}}]\nsteps: [{submit: x}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "setup[0]: expect is not allowed",
		},
		{
			name:    "send_value without name",
			yaml:    "name: a\ndescription: b\nsteps: [{send_value: {value: v}}]\nassertions: [{type: single_terminal}]\n",
			wantErr: "send_value: name is required",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "unknown event",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: trace_contains, event: Exploded}]\n",
			wantErr: `unknown event type "Exploded"`,
		},
		{
			name:    "trace_order without events",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: trace_order}]\n",
			wantErr: "events list is required",
		},
		{
			name:    "negative count",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: trace_count, event: CommandFailed, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "final_value without name",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: final_value, value: v}]\n",
			wantErr: "name is required for final_value",
		},
		{
			name:    "catalog_contains without name",
			yaml:    "name: a\ndescription: b\nsteps: [{submit: x}]\nassertions: [{type: catalog_contains}]\n",
			wantErr: "name is required for catalog_contains",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStepKind(t *testing.T) {
	assert.Equal(t, StepSubmit, Step{Submit: "x"}.Kind())
	assert.Equal(t, StepRequestValue, Step{RequestValue: "x"}.Kind())
	assert.Equal(t, StepHover, Step{Hover: &PositionedCode{}}.Kind())
	assert.Empty(t, Step{}.Kind())
	assert.Empty(t, Step{Submit: "x", Diagnose: "y"}.Kind())
}
