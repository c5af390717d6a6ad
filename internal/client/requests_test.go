package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/testutil"
)

func TestHover_ReturnsHoverText(t *testing.T) {
	f := newClientFixture(t, testutil.Succeed(&protocol.HoverTextProduced{
		Content: []protocol.FormattedValue{{MimeType: "text/markdown", Value: "int x"}},
	}))

	hover, err := f.client.Hover(context.Background(), "python", "x", 0, 1, "")
	require.NoError(t, err)
	require.Len(t, hover.Content, 1)
	assert.Equal(t, "int x", hover.Content[0].Value)

	received := f.remote.Received()
	require.Len(t, received, 1)
	cmd, ok := received[0].Command.(*protocol.RequestHoverText)
	require.True(t, ok)
	assert.Equal(t, protocol.LinePosition{Line: 0, Character: 1}, cmd.LinePosition)
}

func TestSubmitCommandAndGetResult_SucceededWithoutResult(t *testing.T) {
	f := newClientFixture(t, testutil.Succeed())

	_, err := f.client.Completion(context.Background(), "python", "x.", 0, 2, "")
	assert.ErrorIs(t, err, ErrNoResult)

	ev, err := f.client.SubmitCommandAndGetResult(context.Background(),
		&protocol.RequestCompletions{}, protocol.EventCompletionsProduced, true, "")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestSubmitCommandAndGetResult_Failure(t *testing.T) {
	f := newClientFixture(t, testutil.Fail("no such variable"))

	_, err := f.client.RequestValue(context.Background(), "x", "python")
	var cfe *CommandFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, "no such variable", cfe.Message)
}

func TestSubmitCommandAndGetResult_AcceptsResultFromChildCommand(t *testing.T) {
	f := newClientFixture(t, nil)
	f.remote.On(protocol.CommandRequestValueInfos, func(cmd *protocol.CommandEnvelope) []protocol.Event {
		_ = f.remote.Emit(cmd.Token().Child(1).String(), &protocol.ValueInfosProduced{
			ValueInfos: []protocol.KernelValueInfo{{Name: "x", TypeName: "int"}},
		})
		return []protocol.Event{&protocol.CommandSucceeded{}}
	})

	infos, err := f.client.RequestValueInfos(context.Background(), "python")
	require.NoError(t, err)
	require.Len(t, infos.ValueInfos, 1)
	assert.Equal(t, "x", infos.ValueInfos[0].Name)
}

func TestGetDiagnostics(t *testing.T) {
	f := newClientFixture(t, testutil.Succeed(&protocol.DiagnosticsProduced{
		Diagnostics: []protocol.Diagnostic{{Code: "CS0103", Severity: protocol.SeverityError, Message: "unknown name"}},
	}))

	diags, err := f.client.GetDiagnostics(context.Background(), "csharp", "y", "d1")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "CS0103", diags[0].Code)
	assert.Equal(t, "d1", f.remote.Received()[0].Token().String())
}

func TestCancel(t *testing.T) {
	f := newClientFixture(t, testutil.Succeed())
	require.NoError(t, f.client.Cancel(context.Background(), ""))
	assert.Equal(t, protocol.CommandCancel, f.remote.Received()[0].CommandType)
}
