package channel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector gathers delivered envelopes for assertions.
type collector struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *collector) add(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) snapshot() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.envs...)
}

func waitDone(t *testing.T, r Receiver) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not close")
	}
}

func TestStreamChannel_SkipsBlankAndBadLines(t *testing.T) {
	input := strings.Join([]string{
		``,
		`   `,
		`{"eventType":"CommandSucceeded","event":{},"command":{"commandType":"Quit","command":{},"token":"t1"},"routingSlip":[]}`,
		`garbage`,
		`{"eventType":"NoSuchEvent","event":{},"routingSlip":[]}`,
		`{"commandType":"Cancel","command":{},"token":"t2"}`,
	}, "\n") + "\n"

	ch := NewStreamChannel(strings.NewReader(input), io.Discard, WithLogger(quietLogger()))
	var got collector
	ch.Subscribe(got.add)
	ch.Start()

	waitDone(t, ch)

	envs := got.snapshot()
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.EventCommandSucceeded, envs[0].(*protocol.EventEnvelope).EventType)
	assert.Equal(t, protocol.CommandCancel, envs[1].(*protocol.CommandEnvelope).CommandType)
	assert.ErrorIs(t, ch.Err(), io.EOF)
}

func TestStreamChannel_SendWritesOneLinePerEnvelope(t *testing.T) {
	var buf bytes.Buffer
	ch := NewStreamChannel(strings.NewReader(""), &buf)

	cmd := protocol.NewCommandEnvelope(&protocol.SubmitCode{Code: "x"})
	cmd.SetToken(protocol.ParseToken("t1"))
	require.NoError(t, ch.Send(context.Background(), cmd))
	require.NoError(t, ch.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, cmd)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"commandType":"SubmitCode"`)
	assert.Contains(t, lines[1], `"eventType":"CommandSucceeded"`)
}

func TestStreamChannel_HandshakeGatesCommands(t *testing.T) {
	pr, pw := io.Pipe()
	ch := NewStreamChannel(pr, io.Discard, WithHandshake(), WithLogger(quietLogger()), WithCloser(pw))
	var got collector
	ch.Subscribe(got.add)
	ch.Start()
	defer ch.Close()

	ctx := context.Background()
	cmd := protocol.NewCommandEnvelope(&protocol.SubmitCode{Code: "x"})
	err := ch.Send(ctx, cmd)
	require.ErrorIs(t, err, ErrNotReady)

	// Events may flow before the handshake completes.
	require.NoError(t, ch.Send(ctx, protocol.NewEventEnvelope(&protocol.KernelReady{}, nil)))

	go func() {
		io.WriteString(pw, `{"eventType":"CommandSucceeded","event":{},"routingSlip":[]}`+"\n")
		io.WriteString(pw, `{"eventType":"KernelReady","event":{"kernelInfos":[{"localName":"csharp","uri":"kernel://pid-1/csharp"}]},"routingSlip":[]}`+"\n")
	}()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ready, err := ch.WaitForReady(ctx)
	require.NoError(t, err)

	infos := ready.Event.(*protocol.KernelReady).KernelInfos
	require.Len(t, infos, 1)
	assert.Equal(t, "csharp", infos[0].LocalName)

	require.NoError(t, ch.Send(ctx, cmd))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	envs := got.snapshot()
	require.Len(t, envs, 1, "event before KernelReady must be dropped")
	assert.Equal(t, protocol.EventKernelReady, envs[0].(*protocol.EventEnvelope).EventType)
}

func TestStreamChannel_WaitForReadyFailsOnEOF(t *testing.T) {
	ch := NewStreamChannel(strings.NewReader(""), io.Discard, WithHandshake())
	ch.Start()

	_, err := ch.WaitForReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamChannel_SendAfterClose(t *testing.T) {
	ch := NewStreamChannel(strings.NewReader(""), io.Discard)
	require.NoError(t, ch.Close())

	err := ch.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ch.Err(), ErrClosed)
}

func TestStreamChannel_DropsOversizedLines(t *testing.T) {
	oversized := func(n int) string {
		return `{"eventType":"DisplayedValueProduced","event":{"formattedValues":[{"mimeType":"image/png","value":"` +
			strings.Repeat("A", n) + `"}]},"routingSlip":[]}`
	}
	input := strings.Join([]string{
		oversized(200 * 1024), // larger than the read buffer
		`{"eventType":"KernelReady","event":{"kernelInfos":[]},"routingSlip":[]}`,
		oversized(5000), // fits the read buffer, over the limit
		`{"eventType":"CommandSucceeded","event":{},"routingSlip":[]}`,
		`{"commandType":"Cancel","command":{},"token":"t9"}`, // no trailing newline
	}, "\n")

	ch := NewStreamChannel(strings.NewReader(input), io.Discard, WithLogger(quietLogger()))
	ch.maxLine = 4096
	var got collector
	ch.Subscribe(got.add)
	ch.Start()

	waitDone(t, ch)

	envs := got.snapshot()
	require.Len(t, envs, 3)
	assert.Equal(t, protocol.EventKernelReady, envs[0].(*protocol.EventEnvelope).EventType)
	assert.Equal(t, protocol.EventCommandSucceeded, envs[1].(*protocol.EventEnvelope).EventType)
	assert.Equal(t, protocol.CommandCancel, envs[2].(*protocol.CommandEnvelope).CommandType)
	assert.ErrorIs(t, ch.Err(), io.EOF)
}
