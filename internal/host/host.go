// Package host binds a composite kernel to a channel.
//
// A Host owns one composite kernel and the connectors through which its
// proxies reach other hosts. Commands arriving on the primary channel are
// dispatched on a single run loop; events the composite publishes are sent
// back on the same channel.
package host

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/queue"
)

// DefaultURI is used when New is given an empty host uri.
const DefaultURI = "kernel://vscode"

const tracerName = "github.com/roach88/kernelbus/internal/host"

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithTracerProvider sets where dispatch spans go. Default: the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Host) {
		h.tracer = tp.Tracer(tracerName)
	}
}

// WithConnectorOptions applies opts to every connector the host creates,
// the default one included.
func WithConnectorOptions(opts ...kernel.ConnectorOption) Option {
	return func(h *Host) {
		h.connectorOpts = append(h.connectorOpts, opts...)
	}
}

// WithKernelOptions applies opts to every proxy kernel the host creates.
func WithKernelOptions(opts ...kernel.Option) Option {
	return func(h *Host) {
		h.kernelOpts = append(h.kernelOpts, opts...)
	}
}

// Host connects a composite kernel to its primary channel.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - everything else: safe from any goroutine
//
// Commands are executed by Run in arrival order. RequestInput and
// SendEditableCode are the exception: they run on their own goroutine as
// soon as they arrive, because the command that asked for them may be
// holding the run loop while it waits on a proxy.
type Host struct {
	composite        *kernel.Composite
	uri              string
	defaultConnector *kernel.Connector

	mu         sync.RWMutex
	connectors []*kernel.Connector
	subs       []*channel.Subscription

	commands *queue.Queue[*protocol.CommandEnvelope]
	ctx      context.Context
	cancel   context.CancelFunc

	tracer        trace.Tracer
	logger        *slog.Logger
	connectorOpts []kernel.ConnectorOption
	kernelOpts    []kernel.Option
}

// New creates a host at hostURI for composite, with sender and receiver as
// the default connector. The composite's children are re-rooted under
// hostURI.
func New(composite *kernel.Composite, sender channel.Sender, receiver channel.Receiver, hostURI string, opts ...Option) *Host {
	if hostURI == "" {
		hostURI = DefaultURI
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		composite: composite,
		uri:       protocol.NormalizeKernelURI(hostURI),
		commands:  queue.New[*protocol.CommandEnvelope](),
		ctx:       ctx,
		cancel:    cancel,
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("host", h.uri)

	composite.SetHostURI(h.uri)
	h.defaultConnector = kernel.NewConnector(sender, receiver, nil, h.connectorOptions("default")...)
	h.connectors = []*kernel.Connector{h.defaultConnector}
	return h
}

func (h *Host) connectorOptions(name string) []kernel.ConnectorOption {
	opts := []kernel.ConnectorOption{kernel.WithConnectorName(name), kernel.WithConnectorLogger(h.logger)}
	return append(opts, h.connectorOpts...)
}

// URI returns the host uri.
func (h *Host) URI() string { return h.uri }

// Kernel returns the composite kernel.
func (h *Host) Kernel() *kernel.Composite { return h.composite }

// DefaultConnector returns the connector over the primary channel.
func (h *Host) DefaultConnector() *kernel.Connector { return h.defaultConnector }

// TryAddConnector adds a connector for remoteURIs. It returns false, and
// adds nothing, when an existing connector already reaches one of them.
func (h *Host) TryAddConnector(sender channel.Sender, receiver channel.Receiver, remoteURIs ...string) (*kernel.Connector, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, uri := range remoteURIs {
		if h.findConnectorLocked(uri) != nil {
			return nil, false
		}
	}
	c := kernel.NewConnector(sender, receiver, remoteURIs, h.connectorOptions(protocol.ExtractHost(first(remoteURIs)))...)
	h.connectors = append(h.connectors, c)
	return c, true
}

// TryRemoveConnector removes every connector, other than the default one,
// that reaches any of remoteURIs. It reports whether one was removed.
func (h *Host) TryRemoveConnector(remoteURIs ...string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	kept := h.connectors[:0]
	for _, c := range h.connectors {
		if c != h.defaultConnector && reachesAny(c, remoteURIs) {
			c.Close()
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	h.connectors = kept
	return removed
}

// TryGetConnector returns the first connector that reaches remoteURI.
func (h *Host) TryGetConnector(remoteURI string) *kernel.Connector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.findConnectorLocked(remoteURI)
}

func (h *Host) findConnectorLocked(remoteURI string) *kernel.Connector {
	for _, c := range h.connectors {
		if c.CanReach(remoteURI) {
			return c
		}
	}
	return nil
}

// ConnectProxyKernel adds a proxy named localName for remoteURI, using the
// first connector that reaches it. Fails with NO_CONNECTOR when none does.
func (h *Host) ConnectProxyKernel(localName, remoteURI string, aliases ...string) (*kernel.Proxy, error) {
	c := h.TryGetConnector(remoteURI)
	if c == nil {
		return nil, &kernel.KernelError{
			Code:    kernel.ErrCodeNoConnector,
			Message: "cannot find connector to reach " + remoteURI,
			Kernel:  localName,
		}
	}
	return h.connectProxy(c, localName, remoteURI, aliases)
}

// ConnectProxyKernelOnDefaultConnector adds a proxy named localName that
// forwards over the primary channel.
func (h *Host) ConnectProxyKernelOnDefaultConnector(localName, remoteURI string, aliases ...string) (*kernel.Proxy, error) {
	return h.connectProxy(h.defaultConnector, localName, remoteURI, aliases)
}

func (h *Host) connectProxy(c *kernel.Connector, localName, remoteURI string, aliases []string) (*kernel.Proxy, error) {
	p := kernel.NewProxy(localName, c, remoteURI, h.kernelOpts...)
	if err := h.composite.Add(p, aliases...); err != nil {
		return nil, err
	}
	h.logger.Debug("connected proxy kernel", "kernel", localName, "remote", p.RemoteURI())
	return p, nil
}

// EnsureOrUpdateProxyForKernelInfo makes sure a kernel stands in locally for
// the kernel info describes.
//
// The info is looked up by RemoteURI for proxies and by URI otherwise. An
// existing proxy has info merged into its own; a missing kernel is created
// with ConnectProxyKernel. Infos of proxies that point back at this host are
// skipped and return nil. Calling it twice for the same uri never adds a
// second kernel.
func (h *Host) EnsureOrUpdateProxyForKernelInfo(info *protocol.KernelInfo) (kernel.Kernel, error) {
	if info == nil {
		return nil, nil
	}
	if info.IsProxy && protocol.ExtractHost(info.RemoteURI) == protocol.ExtractHost(h.uri) {
		h.logger.Debug("skipping proxy for a proxy of this host", "kernel", info.LocalName, "remote", info.RemoteURI)
		return nil, nil
	}
	lookup := info.LookupURI()
	if lookup == "" {
		return nil, nil
	}

	k := h.composite.FindKernelByURI(lookup)
	if k == nil {
		h.logger.Info("creating proxy kernel", "kernel", info.LocalName, "uri", lookup)
		p, err := h.ConnectProxyKernel(info.LocalName, lookup, info.Aliases...)
		if err != nil {
			return nil, err
		}
		k = p
	}
	if p, ok := k.(*kernel.Proxy); ok {
		p.MergeInfo(info)
	}
	return k, nil
}

// GetKernel returns the kernel env is addressed to: by destination uri,
// then origin uri, then target kernel name, falling back to the composite.
func (h *Host) GetKernel(env *protocol.CommandEnvelope) kernel.Kernel {
	for _, uri := range []string{env.DestinationURI, env.OriginURI} {
		if uri == "" {
			continue
		}
		if k := h.composite.FindKernelByURI(uri); k != nil {
			return k
		}
	}
	if name := env.TargetKernelName(); name != "" {
		if k := h.composite.FindKernelByName(name); k != nil {
			return k
		}
	}
	return h.composite
}

// Connect starts forwarding composite events to the primary channel and
// queueing inbound commands, then announces KernelReady.
func (h *Host) Connect(ctx context.Context) (*protocol.KernelReady, error) {
	evSub := h.composite.Subscribe(h.forward)
	var cmdSub *channel.Subscription
	if r := h.defaultConnector.Receiver(); r != nil {
		cmdSub = r.Subscribe(h.accept)
	}
	h.mu.Lock()
	h.subs = append(h.subs, evSub, cmdSub)
	h.mu.Unlock()

	infos := []*protocol.KernelInfo{h.composite.Info()}
	for _, child := range h.composite.ChildKernels() {
		if info := child.Info(); !info.IsProxy {
			infos = append(infos, info)
		}
	}
	ready := &protocol.KernelReady{KernelInfos: infos}

	env := protocol.NewEventEnvelope(ready, nil)
	_ = env.RoutingSlip.Stamp(h.composite.URI())
	if err := h.defaultConnector.Send(ctx, env); err != nil {
		return nil, err
	}
	h.logger.Info("host connected", "kernels", len(infos))
	return ready, nil
}

// forward sends a composite event back over the primary channel unless it
// already passed through a host on the other side.
func (h *Host) forward(ev *protocol.EventEnvelope) {
	for _, uri := range ev.RoutingSlip.Slice() {
		if h.defaultConnector.CanReach(uri) {
			return
		}
	}
	if err := h.defaultConnector.Send(h.ctx, ev); err != nil {
		h.logger.Warn("cannot forward event", "event", ev.EventType, "token", ev.Token().String(), "error", err)
	}
}

func (h *Host) accept(env protocol.Envelope) {
	cmd, ok := env.(*protocol.CommandEnvelope)
	if !ok {
		return
	}
	if mustTrampoline(cmd.CommandType) {
		go h.dispatch(h.ctx, cmd)
		return
	}
	if !h.commands.Enqueue(cmd) {
		h.logger.Warn("host stopped; dropping command", "command", cmd.CommandType, "token", cmd.Token().String())
	}
}

func mustTrampoline(t protocol.CommandType) bool {
	return t == protocol.CommandRequestInput || t == protocol.CommandSendEditableCode
}

// Run executes queued commands until ctx is cancelled or Close is called.
//
// Must be called from exactly ONE goroutine. A failing command is logged
// and the loop continues; the failure itself already went back to the
// sender as CommandFailed.
func (h *Host) Run(ctx context.Context) error {
	for {
		if cmd, ok := h.commands.TryDequeue(); ok {
			h.dispatch(ctx, cmd)
			continue
		}
		if h.commands.Drained() {
			h.logger.Info("host stopping: queue closed")
			return nil
		}

		select {
		case <-ctx.Done():
			h.logger.Info("host stopping: context cancelled")
			h.commands.Close()
			return ctx.Err()
		case <-h.commands.Wait():
		}
	}
}

func (h *Host) dispatch(ctx context.Context, cmd *protocol.CommandEnvelope) {
	target := h.GetKernel(cmd)
	ctx, span := h.tracer.Start(ctx, "kernelhost.dispatch", trace.WithAttributes(
		attribute.String("kernelbus.command_type", string(cmd.CommandType)),
		attribute.String("kernelbus.token", cmd.Token().String()),
		attribute.String("kernelbus.target_kernel", target.Name()),
	))
	defer span.End()

	h.logger.Debug("dispatching command", "command", cmd.CommandType, "token", cmd.Token().String(), "kernel", target.Name())
	if err := h.composite.Send(ctx, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelInfo
		if kernel.IsTransportError(err) {
			level = slog.LevelError
		}
		h.logger.Log(ctx, level, "command failed", "command", cmd.CommandType, "token", cmd.Token().String(), "error", err)
	}
}

// KernelInfos returns the composite's info followed by every child's.
func (h *Host) KernelInfos() []*protocol.KernelInfo {
	infos := []*protocol.KernelInfo{h.composite.Info()}
	for _, child := range h.composite.ChildKernels() {
		infos = append(infos, child.Info())
	}
	return infos
}

// KernelInfoProducedEvents returns one unsolicited KernelInfoProduced per
// KernelInfos entry, each stamped with its kernel's uri.
func (h *Host) KernelInfoProducedEvents() []*protocol.EventEnvelope {
	infos := h.KernelInfos()
	out := make([]*protocol.EventEnvelope, 0, len(infos))
	for _, info := range infos {
		env := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: info}, nil)
		_ = env.RoutingSlip.Stamp(info.URI)
		out = append(out, env)
	}
	return out
}

// Close stops the run loop and detaches from the channel. The channel
// itself is not closed.
func (h *Host) Close() {
	h.cancel()
	h.commands.Close()

	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	connectors := h.connectors
	h.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
	for _, c := range connectors {
		c.Close()
	}
}

func reachesAny(c *kernel.Connector, uris []string) bool {
	for _, u := range uris {
		if c.CanReach(u) {
			return true
		}
	}
	return false
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
