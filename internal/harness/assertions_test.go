package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/protocol"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Token: "t1", Command: protocol.CommandSubmitCode, Event: protocol.EventCodeSubmissionReceived},
		{Seq: 2, Token: "t1", Command: protocol.CommandSubmitCode, Event: protocol.EventReturnValueProduced, Detail: "text/plain: 2"},
		{Seq: 3, Token: "t1", Command: protocol.CommandSubmitCode, Event: protocol.EventCommandSucceeded},
		{Seq: 4, Token: "t2", Command: protocol.CommandSubmitCode, Event: protocol.EventCodeSubmissionReceived},
		{Seq: 5, Token: "t2", Command: protocol.CommandSubmitCode, Event: protocol.EventCommandFailed, Detail: "boom"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"event only", Assertion{Event: "CommandFailed"}, false},
		{"event and token", Assertion{Event: "CodeSubmissionReceived", Token: "t2"}, false},
		{"detail substring", Assertion{Event: "ReturnValueProduced", Detail: "2"}, false},
		{"wrong token", Assertion{Event: "CommandFailed", Token: "t1"}, true},
		{"wrong detail", Assertion{Event: "CommandFailed", Detail: "bang"}, true},
		{"absent event", Assertion{Event: "DisplayedValueProduced"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if tt.wantErr {
				var ae *AssertionError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, AssertTraceContains, ae.Type)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{
		Events: []string{"CodeSubmissionReceived", "CommandSucceeded", "CommandFailed"},
	}))

	err := assertTraceOrder(trace, Assertion{Events: []string{"CommandFailed", "CommandSucceeded"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CommandFailed (seq 5) should be before CommandSucceeded (seq 3)")

	err = assertTraceOrder(trace, Assertion{Events: []string{"CodeSubmissionReceived", "HoverTextProduced"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event: HoverTextProduced")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "CodeSubmissionReceived", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "CodeSubmissionReceived", Token: "t1", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "HoverTextProduced", Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: "CommandFailed", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestAssertSingleTerminal(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertSingleTerminal(trace))

	open := append(sampleTrace(), TraceEvent{Seq: 6, Token: "t3", Event: protocol.EventCodeSubmissionReceived})
	err := assertSingleTerminal(open)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t3 has 0")

	twice := append(sampleTrace(), TraceEvent{Seq: 6, Token: "t1", Event: protocol.EventCommandFailed})
	err = assertSingleTerminal(twice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t1 has 2")
}

func TestAssertFinalValue(t *testing.T) {
	values := map[string]string{"x": "2", "y": "hi"}

	assert.NoError(t, assertFinalValue(values, Assertion{Name: "x", Value: "2"}))

	err := assertFinalValue(values, Assertion{Name: "x", Value: "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `x = "2"`)

	err = assertFinalValue(values, Assertion{Name: "z", Value: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "z not defined; defined: [x y]")
}

type fakeCatalog struct {
	infos []*protocol.KernelInfo
	err   error
}

func (f *fakeCatalog) KernelInfos(_ context.Context, _ string) ([]*protocol.KernelInfo, error) {
	return f.infos, f.err
}

func TestAssertCatalogContains(t *testing.T) {
	catalog := &fakeCatalog{infos: []*protocol.KernelInfo{
		{LocalName: "value", Aliases: []string{"store"}},
		{LocalName: "kernelbus"},
	}}
	ctx := context.Background()

	assert.NoError(t, assertCatalogContains(ctx, catalog, "doc", Assertion{Name: "value"}))
	assert.NoError(t, assertCatalogContains(ctx, catalog, "doc", Assertion{Name: "store"}))

	err := assertCatalogContains(ctx, catalog, "doc", Assertion{Name: "csharp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalogued kernels: [value kernelbus]")

	err = assertCatalogContains(ctx, &fakeCatalog{err: errors.New("closed")}, "doc", Assertion{Name: "value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog error: closed")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "CommandSucceeded",
		Actual:   "not found in trace",
		Trace:    sampleTrace()[3:],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "  [4] t2 CodeSubmissionReceived\n")
	assert.Contains(t, msg, `  [5] t2 CommandFailed "boom"`)
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.Values["x"] = "2"

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertSingleTerminal},
		{Type: AssertFinalValue, Name: "x", Value: "2"},
		{Type: AssertCatalogContains, Name: "value"},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion[2]: catalog_contains requires a catalog")
	assert.Contains(t, errs[1], `assertion[3]: unknown assertion type "bogus"`)
}
