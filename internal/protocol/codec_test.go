package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_CommandWireShape(t *testing.T) {
	env := NewCommandEnvelope(&SubmitCode{
		KernelCommand: KernelCommand{TargetKernelName: "csharp"},
		Code:          "1+1",
	})
	env.SetToken(ParseToken("t1"))
	env.DestinationURI = "kernel://pid-1/csharp"

	data, err := Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"commandType": "SubmitCode",
		"command": {"targetKernelName": "csharp", "code": "1+1"},
		"token": "t1",
		"destinationUri": "kernel://pid-1/csharp"
	}`, string(data))
}

func TestUnmarshal_Event(t *testing.T) {
	line := `{
		"eventType": "ReturnValueProduced",
		"event": {"formattedValues": [{"mimeType": "text/html", "value": "2"}], "valueId": "v1"},
		"command": {"commandType": "SubmitCode", "command": {"code": "1+1"}, "token": "t1.2"},
		"routingSlip": ["kernel://pid-1/csharp", "kernel://pid-1/"]
	}`

	env, err := Unmarshal([]byte(line))
	require.NoError(t, err)

	ev, ok := env.(*EventEnvelope)
	require.True(t, ok, "expected event envelope, got %T", env)
	assert.Equal(t, EventReturnValueProduced, ev.EventType)
	assert.Equal(t, "t1.2", ev.Token().String())
	assert.Equal(t, []string{"kernel://pid-1/csharp", "kernel://pid-1/"}, ev.RoutingSlip.Slice())

	payload, ok := ev.Event.(*ReturnValueProduced)
	require.True(t, ok)
	assert.Equal(t, "v1", payload.ValueID)
	require.Len(t, payload.FormattedValues, 1)
	assert.Equal(t, "2", payload.FormattedValues[0].Value)

	sc, ok := ev.Command.Command.(*SubmitCode)
	require.True(t, ok)
	assert.Equal(t, "1+1", sc.Code)
}

func TestUnmarshal_UnsolicitedEventHasNoCommand(t *testing.T) {
	env, err := Unmarshal([]byte(`{"eventType":"KernelReady","event":{"kernelInfos":[]},"routingSlip":[]}`))
	require.NoError(t, err)

	ev := env.(*EventEnvelope)
	assert.Nil(t, ev.Command)
	assert.True(t, ev.Token().IsZero())
}

func TestUnmarshal_UnknownTags(t *testing.T) {
	_, err := Unmarshal([]byte(`{"commandType":"Teleport","command":{}}`))
	require.Error(t, err)
	assert.True(t, IsUnknownTypeError(err))

	_, err = Unmarshal([]byte(`{"eventType":"Exploded","event":{},"routingSlip":[]}`))
	require.Error(t, err)
	assert.True(t, IsUnknownTypeError(err))
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []string{
		`not json`,
		`{}`,
		`{"commandType":"SubmitCode","command":{"code":42}}`,
	}
	for _, line := range tests {
		_, err := Unmarshal([]byte(line))
		require.Error(t, err, line)
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe, line)
		assert.Equal(t, ErrCodeMalformedEnvelope, pe.Code, line)
	}
}

func TestMarshalUnmarshal_PreservesEnvelopeFields(t *testing.T) {
	cmd := NewCommandEnvelope(&RequestValue{Name: "x", MimeType: "text/plain"})
	cmd.SetToken(ParseToken("r.1"))
	cmd.OriginURI = "kernel://vscode/javascript"
	require.NoError(t, cmd.RoutingSlip.StampAsArrived("kernel://vscode/"))

	ev := NewEventEnvelope(&ValueProduced{Name: "x", FormattedValue: FormattedValue{MimeType: "text/plain", Value: "1"}}, cmd)
	require.NoError(t, ev.RoutingSlip.Stamp("kernel://vscode/javascript"))

	data, err := Marshal(ev)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)

	got := back.(*EventEnvelope)
	assert.Equal(t, "r.1", got.Token().String())
	assert.Equal(t, "kernel://vscode/javascript", got.Command.OriginURI)
	assert.Equal(t, []string{"kernel://vscode/?tag=arrived"}, got.Command.RoutingSlip.Slice())
	assert.Equal(t, []string{"kernel://vscode/javascript"}, got.RoutingSlip.Slice())
	assert.Equal(t, "1", got.Event.(*ValueProduced).FormattedValue.Value)
}

func TestRegistry_CoversEveryType(t *testing.T) {
	for _, ct := range CommandTypes() {
		cmd, err := NewCommand(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, cmd.CommandType())
	}
	for _, et := range EventTypes() {
		ev, err := NewEvent(et)
		require.NoError(t, err)
		assert.Equal(t, et, ev.EventType())
	}
}
