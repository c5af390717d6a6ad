package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/testutil"
)

func newValueKernel(t *testing.T) (*Kernel, *testutil.EventRecorder) {
	t.Helper()
	k := New(Name,
		kernel.WithTokenGenerator(testutil.NewSequenceGenerator("t")),
		kernel.WithLogger(testutil.DiscardLogger()))
	rec := &testutil.EventRecorder{}
	k.Subscribe(rec.Record)
	return k, rec
}

func send(t *testing.T, k *Kernel, cmd protocol.Command) error {
	t.Helper()
	return k.Send(context.Background(), protocol.NewCommandEnvelope(cmd))
}

func lastOf[T protocol.Event](t *testing.T, rec *testutil.EventRecorder) T {
	t.Helper()
	events := rec.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if ev, ok := events[i].Event.(T); ok {
			return ev
		}
	}
	var zero T
	t.Fatalf("no %T recorded", zero)
	return zero
}

func TestNew_ListsHandledCommands(t *testing.T) {
	k, _ := newValueKernel(t)
	info := k.Info()

	assert.Equal(t, "kernelbus-value", info.LanguageName)
	for _, ct := range []protocol.CommandType{
		protocol.CommandRequestKernelInfo,
		protocol.CommandSubmitCode,
		protocol.CommandRequestValue,
		protocol.CommandRequestValueInfos,
		protocol.CommandSendValue,
		protocol.CommandRequestCompletions,
	} {
		assert.True(t, info.Supports(ct), ct)
	}
}

func TestSubmitCode_RunsStatementsInOrder(t *testing.T) {
	k, rec := newValueKernel(t)

	code := "// greet\nname = \"world\"\nprint hello\neprint careful\ndisplay shown\nname"
	require.NoError(t, send(t, k, &protocol.SubmitCode{Code: code}))

	assert.Equal(t, []protocol.EventType{
		protocol.EventCodeSubmissionReceived,
		protocol.EventCompleteCodeSubmissionReceived,
		protocol.EventStandardOutputValueProduced,
		protocol.EventStandardErrorValueProduced,
		protocol.EventDisplayedValueProduced,
		protocol.EventReturnValueProduced,
		protocol.EventCommandSucceeded,
	}, rec.Types())

	ret := lastOf[*protocol.ReturnValueProduced](t, rec)
	assert.Equal(t, "world", ret.FormattedValues[0].Value)
	v, ok := k.Get("name")
	require.True(t, ok)
	assert.Equal(t, "world", v)
}

func TestSubmitCode_UndefinedNameFailsWithSuggestion(t *testing.T) {
	k, rec := newValueKernel(t)
	require.NoError(t, k.Set("count", "3"))

	err := send(t, k, &protocol.SubmitCode{Code: "cont"})
	require.Error(t, err)

	failed := lastOf[*protocol.CommandFailed](t, rec)
	assert.Equal(t, "cont is not defined (did you mean count?)", failed.Message)
}

func TestSubmitCode_ParseErrorPublishesDiagnostics(t *testing.T) {
	k, rec := newValueKernel(t)

	err := send(t, k, &protocol.SubmitCode{Code: "x = 1\nwhat is this"})
	require.Error(t, err)

	assert.Equal(t, []protocol.EventType{
		protocol.EventCodeSubmissionReceived,
		protocol.EventDiagnosticsProduced,
		protocol.EventCommandFailed,
	}, rec.Types())
	diags := lastOf[*protocol.DiagnosticsProduced](t, rec).Diagnostics
	require.Len(t, diags, 1)
	assert.Equal(t, "VK002", diags[0].Code)
	assert.Equal(t, 1, diags[0].LinePositionSpan.Start.Line)
	_, stored := k.Get("x")
	assert.False(t, stored, "nothing runs when the code does not parse")
}

func TestSubmitCode_Throw(t *testing.T) {
	k, rec := newValueKernel(t)

	require.Error(t, send(t, k, &protocol.SubmitCode{Code: "print before\nthrow \"bad thing\"\nprint after"}))
	assert.Equal(t, "bad thing", lastOf[*protocol.CommandFailed](t, rec).Message)
	assert.Len(t, rec.ForToken("t1"), 4)
}

func TestRequestDiagnostics_WarnsOnUndefinedReads(t *testing.T) {
	k, rec := newValueKernel(t)
	require.NoError(t, k.Set("a", "1"))

	require.NoError(t, send(t, k, &protocol.RequestDiagnostics{Code: "b = 2\na\nb\nc\n1x = 3"}))

	diags := lastOf[*protocol.DiagnosticsProduced](t, rec).Diagnostics
	require.Len(t, diags, 2)
	assert.Equal(t, "VK003", diags[0].Code)
	assert.Equal(t, protocol.SeverityWarning, diags[0].Severity)
	assert.Equal(t, 3, diags[0].LinePositionSpan.Start.Line)
	assert.Equal(t, "VK001", diags[1].Code)
	assert.Equal(t, 4, diags[1].LinePositionSpan.Start.Line)
}

func TestRequestCompletions_FiltersByPrefix(t *testing.T) {
	k, rec := newValueKernel(t)
	require.NoError(t, k.Set("price", "10"))
	require.NoError(t, k.Set("total", "20"))

	cmd := &protocol.RequestCompletions{LanguageServiceCommand: protocol.LanguageServiceCommand{
		Code:         "pr",
		LinePosition: protocol.LinePosition{Line: 0, Character: 2},
	}}
	require.NoError(t, send(t, k, cmd))

	produced := lastOf[*protocol.CompletionsProduced](t, rec)
	var names []string
	for _, c := range produced.Completions {
		names = append(names, c.DisplayText+":"+c.Kind)
	}
	assert.Equal(t, []string{"print:Keyword", "price:Variable"}, names)
	require.NotNil(t, produced.LinePositionSpan)
	assert.Equal(t, 0, produced.LinePositionSpan.Start.Character)
	assert.Equal(t, 2, produced.LinePositionSpan.End.Character)
}

func TestRequestHoverText(t *testing.T) {
	k, rec := newValueKernel(t)
	require.NoError(t, k.Set("greeting", "hi"))

	hover := func(code string, char int) *protocol.RequestHoverText {
		return &protocol.RequestHoverText{LanguageServiceCommand: protocol.LanguageServiceCommand{
			Code:         code,
			LinePosition: protocol.LinePosition{Character: char},
		}}
	}

	require.NoError(t, send(t, k, hover("x = greeting", 6)))
	produced := lastOf[*protocol.HoverTextProduced](t, rec)
	assert.Equal(t, "`greeting` = \"hi\"", produced.Content[0].Value)
	assert.Equal(t, 4, produced.LinePositionSpan.Start.Character)

	before := len(rec.Events())
	require.NoError(t, send(t, k, hover("x = unknown", 6)))
	assert.Len(t, rec.Events(), before+1, "only the terminal event for an unknown word")
}

func TestRequestSignatureHelp(t *testing.T) {
	k, rec := newValueKernel(t)

	require.NoError(t, send(t, k, &protocol.RequestSignatureHelp{LanguageServiceCommand: protocol.LanguageServiceCommand{
		Code:         "display ",
		LinePosition: protocol.LinePosition{Character: 8},
	}}))

	help := lastOf[*protocol.SignatureHelpProduced](t, rec)
	require.Len(t, help.Signatures, 1)
	assert.Equal(t, "display TEXT", help.Signatures[0].Label)
}

func TestValueSharing(t *testing.T) {
	k, rec := newValueKernel(t)

	require.NoError(t, send(t, k, &protocol.SendValue{
		Name:           "shared",
		FormattedValue: protocol.FormattedValue{MimeType: "application/json", Value: `"from elsewhere"`},
	}))
	require.NoError(t, send(t, k, &protocol.RequestValue{Name: "shared", MimeType: "application/json"}))

	value := lastOf[*protocol.ValueProduced](t, rec)
	assert.Equal(t, "shared", value.Name)
	assert.Equal(t, `"from elsewhere"`, value.FormattedValue.Value)

	require.NoError(t, send(t, k, &protocol.RequestValueInfos{MimeType: "text/plain+summary"}))
	infos := lastOf[*protocol.ValueInfosProduced](t, rec).ValueInfos
	require.Len(t, infos, 1)
	assert.Equal(t, "from elsewhere", infos[0].FormattedValue.Value)
	assert.Equal(t, "text/plain+summary", infos[0].FormattedValue.MimeType)
}

func TestRequestValue_Errors(t *testing.T) {
	k, rec := newValueKernel(t)
	require.NoError(t, k.Set("x", "1"))

	require.Error(t, send(t, k, &protocol.RequestValue{Name: "missing"}))
	assert.Equal(t, "value 'missing' not found in kernel value", lastOf[*protocol.CommandFailed](t, rec).Message)

	require.Error(t, send(t, k, &protocol.RequestValue{Name: "x", MimeType: "image/png"}))
	assert.Equal(t, "unsupported mime type image/png", lastOf[*protocol.CommandFailed](t, rec).Message)

	require.Error(t, send(t, k, &protocol.SendValue{Name: "not a name"}))
}

func TestDisplayAndUpdate(t *testing.T) {
	k, rec := newValueKernel(t)
	fv := protocol.FormattedValue{MimeType: "text/html", Value: "<b>1</b>"}

	require.NoError(t, send(t, k, &protocol.DisplayValue{FormattedValue: fv, ValueID: "v1"}))
	fv.Value = "<b>2</b>"
	require.NoError(t, send(t, k, &protocol.UpdateDisplayedValue{FormattedValue: fv, ValueID: "v1"}))

	produced := lastOf[*protocol.DisplayedValueProduced](t, rec)
	updated := lastOf[*protocol.DisplayedValueUpdated](t, rec)
	assert.Equal(t, "v1", produced.ValueID)
	assert.Equal(t, "<b>1</b>", produced.FormattedValues[0].Value)
	assert.Equal(t, "v1", updated.ValueID)
	assert.Equal(t, "<b>2</b>", updated.FormattedValues[0].Value)
}

func TestValueKernel_InsideComposite(t *testing.T) {
	composite := kernel.NewComposite("root",
		kernel.WithTokenGenerator(testutil.NewSequenceGenerator("t")),
		kernel.WithLogger(testutil.DiscardLogger()))
	composite.SetHostURI("kernel://pid-1")
	require.NoError(t, composite.Add(New(Name), "v"))

	var rec testutil.EventRecorder
	composite.Subscribe(rec.Record)

	cmd := protocol.NewCommandEnvelope(&protocol.SubmitCode{
		KernelCommand: protocol.KernelCommand{TargetKernelName: "v"},
		Code:          "x = 5\nx",
	})
	require.NoError(t, composite.Send(context.Background(), cmd))

	ret := rec.ForToken("t1")
	require.NotEmpty(t, ret)
	assert.Equal(t, []string{"kernel://pid-1/value", "kernel://pid-1/"}, ret[0].RoutingSlip.Slice())
	assert.Equal(t, map[string]int{"t1": 1}, rec.Terminals())
}
