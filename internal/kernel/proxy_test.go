package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/testutil"
)

const remoteURI = "kernel://remote/python"

type proxyFixture struct {
	composite *Composite
	proxy     *Proxy
	remote    *testutil.ScriptedRemote
	local     *channel.PipeEnd
	far       *channel.PipeEnd
	events    *testutil.EventRecorder
}

func newProxyFixture(t *testing.T, script testutil.Script, tokens ...string) *proxyFixture {
	t.Helper()
	local, far := channel.Pipe()
	t.Cleanup(func() { local.Close() })

	remote := testutil.NewScriptedRemote(far, remoteURI, script)
	connector := NewConnector(local, local, []string{"kernel://remote"}, WithConnectorLogger(testutil.DiscardLogger()))

	logger := WithLogger(testutil.DiscardLogger())
	proxy := NewProxy("python", connector, remoteURI, logger)
	c := NewComposite("vscode", WithTokenGenerator(protocol.NewFixedGenerator(tokens...)), logger)
	c.SetHostURI("kernel://vscode")
	require.NoError(t, c.Add(proxy))

	rec := &testutil.EventRecorder{}
	c.Subscribe(rec.Record)

	return &proxyFixture{composite: c, proxy: proxy, remote: remote, local: local, far: far, events: rec}
}

func targeted(cmd protocol.Command, name string) *protocol.CommandEnvelope {
	cmd.SetTargetKernel(name)
	return protocol.NewCommandEnvelope(cmd)
}

func TestProxy_ForwardsAndRepublishesRemoteEvents(t *testing.T) {
	f := newProxyFixture(t, testutil.Succeed(&protocol.ReturnValueProduced{DisplayEvent: protocol.DisplayEvent{
		FormattedValues: []protocol.FormattedValue{{MimeType: "text/html", Value: "2"}},
	}}), "t1")

	cmd := targeted(&protocol.SubmitCode{Code: "1+1"}, "python")
	require.NoError(t, f.composite.Send(context.Background(), cmd))

	require.Equal(t, []protocol.EventType{
		protocol.EventReturnValueProduced,
		protocol.EventCommandSucceeded,
	}, f.events.Types())
	assert.Equal(t, map[string]int{"t1": 1}, f.events.Terminals())

	rv := f.events.Events()[0]
	assert.Equal(t, "t1", rv.Token().String())
	assert.Equal(t, []string{remoteURI, "kernel://vscode/python", "kernel://vscode/"}, rv.RoutingSlip.Slice())

	received := f.remote.Received()
	require.Len(t, received, 1)
	assert.Equal(t, remoteURI, received[0].DestinationURI)
	assert.Equal(t, "kernel://vscode/python", received[0].OriginURI)

	assert.Equal(t, []string{
		"kernel://vscode/?tag=arrived",
		"kernel://vscode/python?tag=arrived",
		remoteURI + "?tag=arrived",
		remoteURI,
		"kernel://vscode/python",
		"kernel://vscode/",
	}, cmd.RoutingSlip.Slice())
}

func TestProxy_RemoteFailureBecomesLocalFailure(t *testing.T) {
	f := newProxyFixture(t, testutil.Fail("NameError: x"), "t1")

	err := f.composite.Send(context.Background(), targeted(&protocol.SubmitCode{Code: "x"}, "python"))
	require.True(t, IsHandlerFailedError(err))

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "NameError: x", events[0].Event.(*protocol.CommandFailed).Message)
}

func TestProxy_DropsCommandThatAlreadyPassedThrough(t *testing.T) {
	f := newProxyFixture(t, testutil.Succeed(), "t1", "t2")

	cmd := targeted(&protocol.SubmitCode{Code: "x"}, "python")
	require.NoError(t, cmd.RoutingSlip.Stamp("kernel://vscode/python"))
	err := f.composite.Send(context.Background(), cmd)
	assert.True(t, IsRoutingLoopError(err))

	info := targeted(&protocol.RequestKernelInfo{}, "python")
	require.NoError(t, info.RoutingSlip.StampAsArrived("kernel://vscode/python"))
	assert.NoError(t, f.composite.Send(context.Background(), info))

	assert.Empty(t, f.remote.Received(), "a looping command is never re-forwarded")
	assert.Equal(t, map[string]int{"t1": 1, "t2": 1}, f.events.Terminals())
}

func TestProxy_SkipsKernelInfoRequestThatVisitedRemote(t *testing.T) {
	f := newProxyFixture(t, testutil.Succeed(), "t1")

	cmd := targeted(&protocol.RequestKernelInfo{}, "python")
	require.NoError(t, cmd.RoutingSlip.Stamp(remoteURI))
	require.NoError(t, f.composite.Send(context.Background(), cmd))

	assert.Empty(t, f.remote.Received())
}

func TestProxy_MergesRemoteKernelInfo(t *testing.T) {
	f := newProxyFixture(t, nil, "t1")
	remoteInfo := f.remote.Info("python", protocol.CommandSubmitCode, protocol.CommandRequestCompletions)
	remoteInfo.LanguageName = "Python"
	f.remote.On(protocol.CommandRequestKernelInfo, testutil.Succeed(&protocol.KernelInfoProduced{KernelInfo: remoteInfo}))

	assert.False(t, f.proxy.SupportsCommand(protocol.CommandSubmitCode))
	require.NoError(t, f.composite.Send(context.Background(), targeted(&protocol.RequestKernelInfo{}, "python")))

	assert.True(t, f.proxy.SupportsCommand(protocol.CommandSubmitCode))
	info := f.proxy.Info()
	assert.Equal(t, "Python", info.LanguageName)
	assert.True(t, info.IsProxy)
	assert.Equal(t, remoteURI, info.RemoteURI)

	events := f.events.Events()
	require.Len(t, events, 3)
	own := events[0].Event.(*protocol.KernelInfoProduced).KernelInfo
	assert.Equal(t, "kernel://vscode/python", own.URI)
	assert.True(t, own.IsProxy)
	assert.Equal(t, remoteURI, events[1].Event.(*protocol.KernelInfoProduced).KernelInfo.URI)
	assert.Equal(t, protocol.EventCommandSucceeded, events[2].EventType)
}

func TestProxy_RepublishesDescendantEvents(t *testing.T) {
	f := newProxyFixture(t, nil, "t1")
	f.remote.On(protocol.CommandSubmitCode, func(cmd *protocol.CommandEnvelope) []protocol.Event {
		child := protocol.NewCommandEnvelope(&protocol.RequestValue{Name: "x"})
		child.SetToken(cmd.Token().Child(1))
		out := protocol.NewEventEnvelope(&protocol.ValueProduced{Name: "x"}, child)
		_ = out.RoutingSlip.Stamp(remoteURI)
		_ = f.far.Send(context.Background(), out)

		done := protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, child)
		_ = done.RoutingSlip.Stamp(remoteURI)
		_ = f.far.Send(context.Background(), done)
		return []protocol.Event{&protocol.CommandSucceeded{}}
	})

	require.NoError(t, f.composite.Send(context.Background(), targeted(&protocol.SubmitCode{Code: "x"}, "python")))

	assert.Equal(t, []protocol.EventType{
		protocol.EventValueProduced,
		protocol.EventCommandSucceeded,
		protocol.EventCommandSucceeded,
	}, f.events.Types())
	assert.Equal(t, map[string]int{"t1": 1, "t1.1": 1}, f.events.Terminals())
}

func TestProxy_IgnoresEventsOfOtherCommands(t *testing.T) {
	f := newProxyFixture(t, nil, "t1")
	f.remote.On(protocol.CommandSubmitCode, func(cmd *protocol.CommandEnvelope) []protocol.Event {
		_ = f.remote.Emit("someone-else", &protocol.StandardOutputValueProduced{})
		return []protocol.Event{&protocol.CommandSucceeded{}}
	})

	require.NoError(t, f.composite.Send(context.Background(), targeted(&protocol.SubmitCode{Code: "x"}, "python")))
	assert.Equal(t, []protocol.EventType{protocol.EventCommandSucceeded}, f.events.Types())
}

func TestProxy_SendFailureIsTransportError(t *testing.T) {
	f := newProxyFixture(t, testutil.Succeed(), "t1")
	require.NoError(t, f.far.Close())

	err := f.composite.Send(context.Background(), targeted(&protocol.SubmitCode{Code: "x"}, "python"))
	require.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.Empty(t, f.events.Types(), "transport failures are not turned into CommandFailed")
}

func TestProxy_ReceiverClosingWhileWaitingIsTransportError(t *testing.T) {
	f := newProxyFixture(t, testutil.Silent(), "t1")

	result := make(chan error, 1)
	go func() {
		result <- f.composite.Send(context.Background(), targeted(&protocol.SubmitCode{Code: "x"}, "python"))
	}()

	require.Eventually(t, func() bool { return len(f.remote.Received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.far.Close())

	select {
	case err := <-result:
		assert.True(t, IsTransportError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not notice the closed receiver")
	}
	assert.Empty(t, f.events.Terminals())
}

func TestProxy_ContextCancelWhileWaiting(t *testing.T) {
	f := newProxyFixture(t, testutil.Silent(), "t1")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- f.composite.Send(ctx, targeted(&protocol.SubmitCode{Code: "x"}, "python"))
	}()

	require.Eventually(t, func() bool { return len(f.remote.Received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy ignored cancellation")
	}
	assert.Equal(t, map[string]int{"t1": 1}, f.events.Terminals())
}

func TestConnector_LearnsHostsFromInboundEvents(t *testing.T) {
	local, far := channel.Pipe()
	defer local.Close()

	c := NewConnector(local, local, []string{"kernel://pid-1/csharp"}, WithConnectorLogger(testutil.DiscardLogger()))
	assert.True(t, c.CanReach("kernel://pid-1/fsharp"))
	assert.False(t, c.CanReach("kernel://pid-2/python"))

	info := protocol.NewKernelInfo("python")
	info.URI = "kernel://pid-2/python"
	announce := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: info}, nil)
	require.NoError(t, far.Send(context.Background(), announce))

	proxied := protocol.NewKernelInfo("js")
	proxied.URI = "kernel://pid-9/js"
	proxied.IsProxy = true
	proxied.RemoteURI = "kernel://webview/js"
	viaSlip := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: proxied}, nil)
	require.NoError(t, viaSlip.RoutingSlip.Stamp("kernel://pid-3/sql"))
	require.NoError(t, far.Send(context.Background(), viaSlip))

	require.Eventually(t, func() bool { return c.CanReach("kernel://pid-3") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.CanReach("kernel://pid-2/anything"))
	assert.False(t, c.CanReach("kernel://pid-9/js"), "proxy announcements do not reveal their own host")
	assert.Equal(t, []string{"kernel://pid-1", "kernel://pid-2", "kernel://pid-3"}, c.RemoteHostURIs())
}

type failingSender struct {
	calls int
}

func (s *failingSender) Send(context.Context, protocol.Envelope) error {
	s.calls++
	return errors.New("broken pipe")
}

func TestConnector_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sender := &failingSender{}
	c := NewConnector(sender, nil, nil, WithBreaker(2, time.Minute), WithConnectorLogger(testutil.DiscardLogger()))
	env := protocol.NewCommandEnvelope(&protocol.Quit{})

	for i := 0; i < 2; i++ {
		err := c.Send(context.Background(), env)
		require.True(t, IsTransportError(err))
	}
	assert.Equal(t, "open", c.BreakerState())

	err := c.Send(context.Background(), env)
	require.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, sender.calls, "open breaker fails fast")
}
