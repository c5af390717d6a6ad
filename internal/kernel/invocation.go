package kernel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
)

type invocationKey struct{}

// invocationFrom returns the invocation being handled on ctx, or nil.
func invocationFrom(ctx context.Context) *Invocation {
	inv, _ := ctx.Value(invocationKey{}).(*Invocation)
	return inv
}

// CurrentInvocation returns the invocation a handler is running under.
// Commands sent with the returned context become children of it.
func CurrentInvocation(ctx context.Context) *Invocation {
	return invocationFrom(ctx)
}

// rootState is shared by every invocation under one root command.
type rootState struct {
	mu   sync.Mutex
	done bool
	sink func(*protocol.EventEnvelope)
}

func (r *rootState) isDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *rootState) markDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

// Invocation is the handling context for one command at one kernel.
//
// Events published through an invocation carry the command, get the uris of
// every kernel the command passed through on this host stamped on their
// routing slip (innermost first), and are delivered on the event stream of
// the kernel that received the root command.
//
// Thread-safety: Publish may be called from any goroutine.
type Invocation struct {
	// Command is the command being handled.
	Command *protocol.CommandEnvelope

	kernel    Kernel
	hops      []Kernel // outermost first; the last entry is kernel
	reentered bool
	handoff   *Invocation // set when a composite routed the command onward
	parent    *Invocation
	root      *rootState
	logger    *slog.Logger
}

func newInvocation(k Kernel, cmd *protocol.CommandEnvelope, parent *Invocation, reentered bool) *Invocation {
	inv := &Invocation{
		Command:   cmd,
		kernel:    k,
		hops:      []Kernel{k},
		reentered: reentered,
		parent:    parent,
		logger:    k.base().logger,
	}
	if parent != nil {
		inv.root = parent.root
	} else {
		inv.root = &rootState{sink: k.base().deliver}
	}
	return inv
}

// hop returns a view of inv handled by child, one level further in. The
// command's terminal event is published through the innermost hop.
func (inv *Invocation) hop(child Kernel, reentered bool) *Invocation {
	next := *inv
	next.kernel = child
	next.hops = append(append([]Kernel(nil), inv.hops...), child)
	next.reentered = reentered
	next.handoff = nil
	inv.handoff = &next
	return &next
}

// Kernel returns the kernel handling the command.
func (inv *Invocation) Kernel() Kernel {
	return inv.kernel
}

// Parent returns the invocation of the parent command, or nil for a root.
func (inv *Invocation) Parent() *Invocation {
	return inv.parent
}

// IsRoot reports whether the command was not issued by another handler.
func (inv *Invocation) IsRoot() bool {
	return inv.parent == nil
}

// Publish wraps ev as produced by the command and publishes it.
func (inv *Invocation) Publish(ev protocol.Event) {
	inv.PublishEnvelope(protocol.NewEventEnvelope(ev, inv.Command))
}

// PublishEnvelope publishes env on behalf of this invocation.
//
// Non-terminal events are dropped once the root command has completed.
func (inv *Invocation) PublishEnvelope(env *protocol.EventEnvelope) {
	if !env.IsTerminal() && inv.root.isDone() {
		inv.logger.Debug("dropping event after root completion",
			"event", env.EventType,
			"token", env.Token().String())
		return
	}
	for i := len(inv.hops) - 1; i >= 0; i-- {
		uri := inv.hops[i].URI()
		if uri == "" || env.RoutingSlip.Contains(uri, false) {
			continue
		}
		_ = env.RoutingSlip.Stamp(uri)
	}
	inv.root.sink(env)
}

// SendChild sends cmd to k as a child of this invocation's command.
func (inv *Invocation) SendChild(ctx context.Context, k Kernel, cmd *protocol.CommandEnvelope) error {
	return k.Send(inv.bind(ctx), cmd)
}

func (inv *Invocation) bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// complete publishes the terminal event for the command's exact token.
//
// A TransportError is returned without a terminal event; the command never
// reached a kernel that could answer it.
func (inv *Invocation) complete(err error) error {
	if err != nil && IsTransportError(err) {
		inv.logger.Warn("command not delivered",
			"command", inv.Command.CommandType,
			"token", inv.Command.Token().String(),
			"error", err)
		if inv.IsRoot() {
			inv.root.markDone()
		}
		return err
	}

	// The terminal event carries the same slip as the events of the kernel
	// that handled the command.
	last := inv
	for last.handoff != nil {
		last = last.handoff
	}
	if err == nil {
		last.PublishEnvelope(protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, inv.Command))
	} else {
		inv.logger.Debug("command failed",
			"command", inv.Command.CommandType,
			"token", inv.Command.Token().String(),
			"error", err)
		last.PublishEnvelope(protocol.NewEventEnvelope(&protocol.CommandFailed{Message: failureMessage(err)}, inv.Command))
	}
	if inv.IsRoot() {
		inv.root.markDone()
	}
	return err
}
