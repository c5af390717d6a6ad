package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/protocol"
)

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func TestRun_ScenarioFiles(t *testing.T) {
	paths, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Steps, len(scenario.Steps))
		})
	}
}

func TestRunWithGolden_AssignAndRead(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "assign_and_read.yaml"))
	require.NoError(t, err)

	// Regenerate with: go test ./internal/harness -run TestRunWithGolden -update
	require.NoError(t, RunWithGolden(t, scenario))
}

func TestRun_ReturnValueScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "return_value",
		Description: "A submission whose last line is a name returns its value",
		Steps:       []Step{{Submit: "x = 2\nx"}},
		Assertions:  []Assertion{{Type: AssertSingleTerminal}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Success)
	assert.Equal(t, []string{"text/plain: 2"}, result.Steps[0].Outputs)
	assert.Equal(t, map[string]string{"x": "2"}, result.Values)

	require.Len(t, result.Trace, 4)
	for _, ev := range result.Trace {
		assert.Equal(t, "t1", ev.Token)
		assert.Equal(t, protocol.CommandSubmitCode, ev.Command)
	}
	assert.Equal(t, protocol.EventCommandSucceeded, result.Trace[3].Event)
}

func TestRun_FailedSubmissionHasNoOutputs(t *testing.T) {
	scenario := &Scenario{
		Name:        "failed",
		Description: "A thrown error fails the command without producing outputs",
		Steps:       []Step{{Submit: "throw nope"}},
		Assertions:  []Assertion{{Type: AssertSingleTerminal}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)

	step := result.Steps[0]
	assert.False(t, step.Success)
	assert.Equal(t, "nope", step.Error)
	assert.Empty(t, step.Outputs)
}

func TestRun_ParseErrorsArriveAsDiagnostics(t *testing.T) {
	scenario := &Scenario{
		Name:        "parse_error",
		Description: "Diagnostics are delivered for a submission that fails to parse",
		Steps:       []Step{{Submit: "1x = 2"}},
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Events: []string{"DiagnosticsProduced", "CommandFailed"}},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	step := result.Steps[0]
	assert.False(t, step.Success)
	assert.Contains(t, step.Error, `invalid name "1x"`)
	assert.Equal(t, []string{"VK001"}, step.Diagnostics)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "Mismatches are reported, not returned",
		Steps: []Step{
			{
				Submit: "x = 1\nx",
				Expect: &Expect{Success: boolPtr(false), Outputs: []string{"text/plain: 2"}},
			},
			{
				RequestValue: "x",
				Expect:       &Expect{Value: strPtr("3")},
			},
		},
		Assertions: []Assertion{
			{Type: AssertFinalValue, Name: "x", Value: "5"},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "steps[0]: expected success=false, got true")
	assert.Contains(t, result.Errors[1], "steps[0]: expected outputs")
	assert.Contains(t, result.Errors[2], `steps[1]: expected value "3", got "1"`)
	assert.Contains(t, result.Errors[3], "final_value")
}

func TestRun_SendValueThenReadAsTarget(t *testing.T) {
	scenario := &Scenario{
		Name:        "send_value",
		Description: "A JSON value sent to the kernel is stored decoded",
		Kernel:      "value",
		Steps: []Step{
			{SendValue: &SendValueStep{Name: "city", Value: `"Oslo"`, MimeType: "application/json"}},
			{RequestValue: "city"},
		},
		Assertions: []Assertion{{Type: AssertFinalValue, Name: "city", Value: "Oslo"}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "Oslo", result.Steps[1].Value)
}

func TestRun_UnknownKernelFailsStep(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown_kernel",
		Description: "A step aimed at a kernel nobody announced fails",
		Steps:       []Step{{Submit: "x", Kernel: "fortran"}},
		Assertions:  []Assertion{{Type: AssertCatalogContains, Name: "value"}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	step := result.Steps[0]
	assert.False(t, step.Success)
	assert.Contains(t, step.Error, "fortran")
}

func TestRun_TokenPrefix(t *testing.T) {
	scenario := &Scenario{
		Name:        "prefixed",
		Description: "Command tokens use the scenario's prefix",
		TokenPrefix: "cell-",
		Steps:       []Step{{Submit: "x = 1"}},
		Assertions:  []Assertion{{Type: AssertTraceContains, Event: "CommandSucceeded", Token: "cell-1"}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_SetupFailureIsAnError(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "Setup must succeed",
		Setup:       []Step{{Submit: "throw nope"}},
		Steps:       []Step{{Submit: "x = 1"}},
		Assertions:  []Assertion{{Type: AssertSingleTerminal}},
	}

	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup[0] (submit) failed: nope")
}

func TestRenderOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"display", "display <b>hi</b>", "text/plain: <b>hi</b>"},
		{"return", "x = 3\nx", "text/plain: 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := &Scenario{
				Name:        tt.name,
				Description: "render",
				Steps:       []Step{{Submit: tt.raw}},
				Assertions:  []Assertion{{Type: AssertSingleTerminal}},
			}
			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, result.Steps[0].Outputs)
		})
	}
}
