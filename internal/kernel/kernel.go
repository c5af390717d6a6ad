// Package kernel implements the kernel tree that commands are routed through.
//
// A Kernel handles commands by type and publishes events. A Composite owns
// named child kernels and routes each command to one of them. A Proxy stands
// in for a kernel on the far side of a Connector.
//
// Every command sent to a kernel ends with exactly one terminal event
// (CommandSucceeded or CommandFailed) carrying the command's exact token.
// Handler errors and panics become CommandFailed; they never escape Send as
// faults. The only errors Send returns without a terminal event are
// TransportErrors.
//
// Commands sent from inside a handler, using the handler's context, become
// children of the command being handled: their tokens extend the parent's
// and their events flow to the same root event stream.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// Handler handles one command type.
//
// Returning nil completes the command with CommandSucceeded. Returning an
// error completes it with CommandFailed carrying the error's message.
type Handler func(ctx context.Context, inv *Invocation) error

// Kernel is a named endpoint that handles commands and publishes events.
//
// Kernels are created with New, NewComposite or NewProxy; the interface has
// unexported methods so the routing rules stay in this package. Types in
// other packages may embed *Base to add behaviour.
type Kernel interface {
	// Name returns the local name.
	Name() string

	// Info returns a snapshot of the kernel's descriptor.
	Info() *protocol.KernelInfo

	// URI returns the kernel's uri, normalized.
	URI() string

	// SupportsCommand reports whether the kernel can handle commandType.
	SupportsCommand(commandType protocol.CommandType) bool

	// Send handles cmd and blocks until its terminal event is published.
	Send(ctx context.Context, cmd *protocol.CommandEnvelope) error

	// Subscribe observes events published by the kernel.
	Subscribe(fn func(*protocol.EventEnvelope)) *channel.Subscription

	// RegisterCommandHandler installs h for commandType, replacing any
	// handler already registered.
	RegisterCommandHandler(commandType protocol.CommandType, h Handler)

	handle(ctx context.Context, inv *Invocation) error
	base() *Base
}

// Option configures a kernel at construction.
type Option func(*Base)

// WithTokenGenerator sets the generator for root command tokens.
// Default: protocol.UUIDGenerator.
func WithTokenGenerator(gen protocol.TokenGenerator) Option {
	return func(b *Base) {
		b.gen = gen
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		b.logger = logger
	}
}

// WithLanguage sets the language name and version in the kernel info.
func WithLanguage(name, version string) Option {
	return func(b *Base) {
		b.info.LanguageName = name
		b.info.LanguageVersion = version
	}
}

// WithDisplayName sets the display name in the kernel info.
func WithDisplayName(name string) Option {
	return func(b *Base) {
		b.info.DisplayName = name
	}
}

// WithURI overrides the default kernel://local/<name> uri.
func WithURI(uri string) Option {
	return func(b *Base) {
		b.info.URI = protocol.NormalizeKernelURI(uri)
	}
}

// Base is the plain kernel: a handler table and an event stream.
//
// Composite and Proxy embed *Base and replace how a command is handled.
//
// Thread-safety: safe for concurrent use.
type Base struct {
	self Kernel

	mu       sync.RWMutex
	info     *protocol.KernelInfo
	handlers map[protocol.CommandType]Handler
	parent   *Composite

	events channel.Subject[*protocol.EventEnvelope]
	gen    protocol.TokenGenerator
	logger *slog.Logger
}

// New creates a kernel named name that answers RequestKernelInfo.
func New(name string, opts ...Option) *Base {
	b := newBase(name, opts...)
	b.self = b
	return b
}

func newBase(name string, opts ...Option) *Base {
	info := protocol.NewKernelInfo(name)
	info.URI = protocol.NormalizeKernelURI("kernel://local/" + info.LocalName)
	info.DisplayName = info.LocalName

	b := &Base{
		info:     info,
		handlers: make(map[protocol.CommandType]Handler),
		gen:      protocol.UUIDGenerator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("kernel", b.info.LocalName)

	b.handlers[protocol.CommandRequestKernelInfo] = b.handleRequestKernelInfo
	b.info.AddCommand(protocol.CommandRequestKernelInfo)
	return b
}

func (b *Base) base() *Base { return b }

// Name returns the local name.
func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.LocalName
}

// Info returns a copy of the kernel info.
func (b *Base) Info() *protocol.KernelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.Clone()
}

// URI returns the kernel uri.
func (b *Base) URI() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info.URI
}

// Parent returns the composite that owns the kernel, or nil.
func (b *Base) Parent() *Composite {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

// Logger returns the kernel's logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

func (b *Base) updateInfo(fn func(info *protocol.KernelInfo)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.info)
}

// SupportsCommand reports whether a handler is registered for commandType.
func (b *Base) SupportsCommand(commandType protocol.CommandType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[commandType]
	return ok
}

func (b *Base) handler(commandType protocol.CommandType) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[commandType]
}

// RegisterCommandHandler installs h for commandType.
//
// The first registration for a type lists it in the kernel info and
// publishes KernelInfoProduced. A later registration replaces the handler
// silently.
func (b *Base) RegisterCommandHandler(commandType protocol.CommandType, h Handler) {
	b.mu.Lock()
	_, existed := b.handlers[commandType]
	b.handlers[commandType] = h
	b.info.AddCommand(commandType)
	b.mu.Unlock()

	if !existed {
		b.announce(context.Background())
	}
}

// announce publishes KernelInfoProduced for this kernel, through the
// invocation on ctx when there is one.
func (b *Base) announce(ctx context.Context) {
	ev := &protocol.KernelInfoProduced{KernelInfo: b.self.Info()}
	if inv := invocationFrom(ctx); inv != nil {
		env := protocol.NewEventEnvelope(ev, inv.Command)
		_ = env.RoutingSlip.Stamp(b.URI())
		inv.PublishEnvelope(env)
		return
	}
	env := protocol.NewEventEnvelope(ev, nil)
	_ = env.RoutingSlip.Stamp(b.URI())
	b.events.Publish(env)
}

// Subscribe observes events published by the kernel.
func (b *Base) Subscribe(fn func(*protocol.EventEnvelope)) *channel.Subscription {
	return b.events.Subscribe(fn)
}

// deliver is the root sink: events of commands this kernel received
// directly are published here, stamped with the kernel uri.
func (b *Base) deliver(env *protocol.EventEnvelope) {
	if uri := b.URI(); !env.RoutingSlip.Contains(uri, false) {
		_ = env.RoutingSlip.Stamp(uri)
	}
	b.events.Publish(env)
}

// Send handles cmd and publishes its terminal event.
func (b *Base) Send(ctx context.Context, cmd *protocol.CommandEnvelope) error {
	return send(ctx, b.self, cmd)
}

func (b *Base) handle(ctx context.Context, inv *Invocation) error {
	h := b.handler(inv.Command.CommandType)
	if h == nil {
		if inv.Command.CommandType.IsLanguageService() {
			b.logger.Debug("no-op for unhandled language service command",
				"command", inv.Command.CommandType)
			return nil
		}
		return NewNoHandlerError(b.Name(), string(inv.Command.CommandType))
	}
	return h(ctx, inv)
}

func (b *Base) handleRequestKernelInfo(ctx context.Context, inv *Invocation) error {
	inv.Publish(&protocol.KernelInfoProduced{KernelInfo: b.self.Info()})
	return nil
}

// send runs cmd through k: token assignment, slip stamping, the handler, and
// the terminal event.
func send(ctx context.Context, k Kernel, cmd *protocol.CommandEnvelope) error {
	b := k.base()
	parent := invocationFrom(ctx)
	if parent != nil && parent.Command != cmd {
		cmd.SetParent(parent.Command)
	}
	cmd.GetOrCreateToken(b.gen)

	loop := arrive(k, cmd)
	inv := newInvocation(k, cmd, parent, loop)

	err := run(ctx, k, inv)
	if serr := cmd.RoutingSlip.Stamp(k.URI()); serr != nil {
		b.logger.Debug("uri already on command slip", "uri", k.URI(), "error", serr)
	}
	return inv.complete(err)
}

// arrive stamps k as arrived on the command slip. It reports whether the
// command had already passed through k.
func arrive(k Kernel, cmd *protocol.CommandEnvelope) bool {
	uri := k.URI()
	if cmd.RoutingSlip == nil {
		cmd.RoutingSlip = protocol.NewRoutingSlip()
	}
	if cmd.RoutingSlip.Contains(uri, true) {
		k.base().logger.Warn("command already passed through kernel",
			"command", cmd.CommandType,
			"uri", uri,
			"slip", cmd.RoutingSlip.String())
		return true
	}
	_ = cmd.RoutingSlip.StampAsArrived(uri)
	return false
}

// run invokes the handler with inv bound to ctx, converting a panic into an
// error.
func run(ctx context.Context, k Kernel, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			k.base().logger.Error("handler panicked",
				"command", inv.Command.CommandType,
				"token", inv.Command.Token().String(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return k.handle(inv.bind(ctx), inv)
}
