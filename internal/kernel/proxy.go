package kernel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernelbus/internal/protocol"
)

var tracer = otel.Tracer("github.com/roach88/kernelbus/internal/kernel")

// Proxy stands in for a kernel on the far side of a Connector.
//
// Handling a command forwards it through the connector and waits for the
// remote terminal event for the command's exact token. Events the remote
// publishes for the command and its descendants are republished locally
// with the remote routing slip merged in.
//
// Loop safety: a command whose routing slip already held the proxy's uri
// when it arrived is never forwarded again. RequestKernelInfo is dropped
// silently; any other command fails with ROUTING_LOOP.
type Proxy struct {
	*Base

	connector *Connector
}

// NewProxy creates a proxy named name for the kernel at remoteURI.
func NewProxy(name string, connector *Connector, remoteURI string, opts ...Option) *Proxy {
	b := newBase(name, opts...)
	p := &Proxy{Base: b, connector: connector}
	b.self = p
	b.info.IsProxy = true
	b.info.RemoteURI = protocol.NormalizeKernelURI(remoteURI)
	return p
}

// RemoteURI returns the uri of the kernel the proxy stands in for.
func (p *Proxy) RemoteURI() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.RemoteURI
}

// Connector returns the connector commands are forwarded through.
func (p *Proxy) Connector() *Connector {
	return p.connector
}

// SupportsCommand reports whether the remote kernel announced commandType.
// RequestKernelInfo is always supported.
func (p *Proxy) SupportsCommand(commandType protocol.CommandType) bool {
	if commandType == protocol.CommandRequestKernelInfo {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Supports(commandType)
}

// MergeInfo folds a remote announcement into the proxy's info.
func (p *Proxy) MergeInfo(info *protocol.KernelInfo) {
	p.updateInfo(func(cur *protocol.KernelInfo) {
		cur.Merge(info)
	})
}

func (p *Proxy) handle(ctx context.Context, inv *Invocation) error {
	cmd := inv.Command
	token := cmd.Token()

	if inv.reentered {
		p.logger.Warn("dropping command already forwarded by proxy",
			"command", cmd.CommandType,
			"token", token.String(),
			"slip", cmd.RoutingSlip.String())
		if cmd.CommandType == protocol.CommandRequestKernelInfo {
			return nil
		}
		return &KernelError{
			Code:    ErrCodeRoutingLoop,
			Message: fmt.Sprintf("routing loop: %s already passed through %s", cmd.CommandType, p.URI()),
			Kernel:  p.Name(),
		}
	}

	remote := p.RemoteURI()
	if cmd.CommandType == protocol.CommandRequestKernelInfo && remote != "" && cmd.RoutingSlip.Contains(remote, true) {
		return nil
	}

	if cmd.OriginURI == "" {
		cmd.OriginURI = p.URI()
	}
	if cmd.DestinationURI == "" {
		cmd.DestinationURI = remote
	}

	ctx, span := tracer.Start(ctx, "proxykernel.forward", trace.WithAttributes(
		attribute.String("kernelbus.command_type", string(cmd.CommandType)),
		attribute.String("kernelbus.token", token.String()),
		attribute.String("kernelbus.destination_uri", cmd.DestinationURI),
	))
	defer span.End()

	err := p.forward(ctx, inv, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Proxy) forward(ctx context.Context, inv *Invocation, token protocol.Token) error {
	cmd := inv.Command
	receiver := p.connector.Receiver()
	done := make(chan *protocol.EventEnvelope, 1)
	sub := receiver.Subscribe(func(env protocol.Envelope) {
		p.onRemote(inv, token, env, done)
	})
	defer sub.Dispose()

	p.logger.Debug("forwarding command",
		"command", cmd.CommandType,
		"token", token.String(),
		"destination", cmd.DestinationURI)

	if err := p.connector.Send(ctx, cmd); err != nil {
		return err
	}

	select {
	case ev := <-done:
		return p.outcome(ev)
	case <-ctx.Done():
		return ctx.Err()
	case <-receiver.Done():
		select {
		case ev := <-done:
			return p.outcome(ev)
		default:
		}
		return &TransportError{Op: "receive", Err: receiver.Err()}
	}
}

func (p *Proxy) outcome(ev *protocol.EventEnvelope) error {
	if failed, ok := ev.Event.(*protocol.CommandFailed); ok {
		return &KernelError{Code: ErrCodeHandlerFailed, Message: failed.Message, Kernel: p.Name()}
	}
	return nil
}

// onRemote runs on the receiver's goroutine for every inbound envelope
// while a command is in flight.
func (p *Proxy) onRemote(inv *Invocation, token protocol.Token, env protocol.Envelope, done chan<- *protocol.EventEnvelope) {
	ev, ok := env.(*protocol.EventEnvelope)
	if !ok {
		return
	}
	remote := p.RemoteURI()

	if ev.Command == nil {
		if kip, ok := ev.Event.(*protocol.KernelInfoProduced); ok && p.isRemoteInfo(kip, remote) {
			p.MergeInfo(kip.KernelInfo)
			p.announce(context.Background())
		}
		return
	}

	evToken := ev.Token()
	if !evToken.IsSelfOrDescendantOf(token) {
		return
	}

	if evToken.Equal(token) {
		if err := inv.Command.RoutingSlip.ContinueWith(ev.Command.RoutingSlip); err != nil {
			p.logger.Debug("cannot merge remote command slip", "token", token.String(), "error", err)
		}
		if ev.IsTerminal() {
			select {
			case done <- ev:
			default:
			}
			return
		}
		if kip, ok := ev.Event.(*protocol.KernelInfoProduced); ok && p.isRemoteInfo(kip, remote) {
			p.MergeInfo(kip.KernelInfo)
			own := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: p.Info()}, inv.Command)
			_ = own.RoutingSlip.ContinueWith(ev.RoutingSlip)
			p.delegate(inv, own)
		}
	}
	p.delegate(inv, ev)
}

func (p *Proxy) isRemoteInfo(kip *protocol.KernelInfoProduced, remote string) bool {
	return kip.KernelInfo != nil && remote != "" && protocol.NormalizeKernelURI(kip.KernelInfo.URI) == remote
}

// delegate republishes a remote event through the invocation, unless the
// command originated elsewhere or the event already passed through here.
func (p *Proxy) delegate(inv *Invocation, ev *protocol.EventEnvelope) {
	if origin := ev.Command.OriginURI; origin != "" && protocol.NormalizeKernelURI(origin) != p.URI() {
		return
	}
	if ev.RoutingSlip.Contains(p.URI(), false) {
		p.logger.Debug("event already seen by proxy", "event", ev.EventType, "token", ev.Token().String())
		return
	}
	inv.PublishEnvelope(ev.Clone())
}
