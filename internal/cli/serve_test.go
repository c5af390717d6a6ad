package cli

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/testutil"
)

func TestServe_AnswersOverStdio(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	// far is the notebook side: it writes serve's stdin and reads its stdout.
	far := channel.NewStreamChannel(outR, inW, channel.WithHandshake(), channel.WithLogger(testutil.DiscardLogger()))
	seen := &testutil.EventRecorder{}
	far.Subscribe(seen.RecordEnvelope)
	far.Start()

	cmd := NewServeCommand(&RootOptions{Format: "text", Logger: testutil.DiscardLogger()})
	cmd.SetIn(inR)
	cmd.SetOut(outW)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readyEnv, err := far.WaitForReady(ctx)
	require.NoError(t, err)
	ready := readyEnv.Event.(*protocol.KernelReady)
	require.Len(t, ready.KernelInfos, 2)
	assert.Equal(t, "kernel://kernelbus/", ready.KernelInfos[0].URI)
	assert.Equal(t, "value", ready.KernelInfos[1].LocalName)
	assert.Equal(t, "kernel://kernelbus/value", ready.KernelInfos[1].URI)

	submit := protocol.NewCommandEnvelope(&protocol.SubmitCode{Code: "x = 7\nx"})
	submit.SetToken(protocol.ParseToken("s1"))
	require.NoError(t, far.Send(ctx, submit))

	terminal := seen.WaitForTerminal(t, "s1")
	assert.Equal(t, protocol.EventCommandSucceeded, terminal.EventType)

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit after stdin closed")
	}
	_ = outW.Close()
	_ = far.Close()
}
