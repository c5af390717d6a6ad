package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// maxSuggestionDistance bounds how far a "did you mean" candidate may be
// from the requested kernel name.
const maxSuggestionDistance = 2

type childKernel struct {
	kernel Kernel
	sub    *channel.Subscription
}

// Composite is a kernel that owns named child kernels and routes each
// command to one of them.
//
// Resolution order for a command:
//  1. destinationUri against the children's local and remote uris
//  2. targetKernelName against names and aliases (the composite's own
//     name selects the composite)
//  3. with no target: the composite itself if it handles the command type,
//     else the default kernel for the command type, else the default kernel
//  4. the only child, when there is exactly one
//  5. the composite itself
//
// A named target that matches nothing fails with KERNEL_NOT_FOUND.
//
// Thread-safety: safe for concurrent use.
type Composite struct {
	*Base

	cmu           sync.RWMutex
	children      []*childKernel
	byName        map[string]Kernel
	byURI         map[string]Kernel
	defaultKernel string
	defaultByType map[protocol.CommandType]string
	hostURI       string
}

// NewComposite creates an empty composite kernel.
func NewComposite(name string, opts ...Option) *Composite {
	b := newBase(name, opts...)
	c := &Composite{
		Base:          b,
		byName:        make(map[string]Kernel),
		byURI:         make(map[string]Kernel),
		defaultByType: make(map[protocol.CommandType]string),
	}
	b.self = c
	b.info.IsComposite = true
	b.handlers[protocol.CommandRequestKernelInfo] = c.handleRequestKernelInfo
	return c
}

// Add makes k a child, reachable by its name and each alias.
//
// The first child added becomes the default kernel. The child's uri is
// rebased under the composite (or its host), and its events are
// republished on the composite's stream.
func (c *Composite) Add(k Kernel, aliases ...string) error {
	if k == nil {
		return errors.New("kernel is nil")
	}
	kb := k.base()

	names := k.Info().Names()
	for _, a := range aliases {
		names = append(names, protocol.NormalizeName(a))
	}
	names = dedupe(names)

	c.cmu.Lock()
	for _, n := range names {
		if _, taken := c.byName[n]; taken {
			c.cmu.Unlock()
			return &KernelError{
				Code:    ErrCodeDuplicateKernel,
				Message: fmt.Sprintf("kernel with name or alias %s already exists", n),
				Kernel:  c.Name(),
			}
		}
	}

	base := c.hostURI
	if base == "" {
		base = c.URI()
	}
	kb.mu.Lock()
	kb.info.Aliases = names[1:]
	kb.info.URI = protocol.ChildKernelURI(base, kb.info.LocalName)
	kb.parent = c
	kb.mu.Unlock()

	entry := &childKernel{kernel: k}
	c.children = append(c.children, entry)
	for _, n := range names {
		c.byName[n] = k
	}
	c.indexURIsLocked(k)
	if c.defaultKernel == "" {
		c.defaultKernel = k.Name()
	}
	c.cmu.Unlock()

	entry.sub = k.Subscribe(c.republish)

	c.logger.Debug("kernel added", "child", k.Name(), "uri", k.URI())

	env := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: k.Info()}, nil)
	_ = env.RoutingSlip.Stamp(k.URI())
	c.republish(env)
	return nil
}

// Remove detaches the child named name. It reports whether one was found.
func (c *Composite) Remove(name string) bool {
	c.cmu.Lock()
	defer c.cmu.Unlock()

	k, ok := c.byName[protocol.NormalizeName(name)]
	if !ok {
		return false
	}
	for i, entry := range c.children {
		if entry.kernel == k {
			entry.sub.Dispose()
			c.children = append(c.children[:i:i], c.children[i+1:]...)
			break
		}
	}
	for n, cur := range c.byName {
		if cur == k {
			delete(c.byName, n)
		}
	}
	for u, cur := range c.byURI {
		if cur == k {
			delete(c.byURI, u)
		}
	}
	if c.defaultKernel == k.Name() {
		c.defaultKernel = ""
		if len(c.children) > 0 {
			c.defaultKernel = c.children[0].kernel.Name()
		}
	}
	return true
}

func (c *Composite) indexURIsLocked(k Kernel) {
	info := k.Info()
	c.byURI[protocol.NormalizeKernelURI(info.URI)] = k
	if info.IsProxy && info.RemoteURI != "" {
		c.byURI[protocol.NormalizeKernelURI(info.RemoteURI)] = k
	}
}

func (c *Composite) reindex(k Kernel) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.indexURIsLocked(k)
}

// republish forwards a child event on the composite's stream.
func (c *Composite) republish(env *protocol.EventEnvelope) {
	if uri := c.URI(); !env.RoutingSlip.Contains(uri, false) {
		_ = env.RoutingSlip.Stamp(uri)
	}
	c.events.Publish(env)
}

// SetHostURI places the composite at uri and rebases every child under it.
func (c *Composite) SetHostURI(uri string) {
	uri = protocol.NormalizeKernelURI(uri)
	c.updateInfo(func(info *protocol.KernelInfo) {
		info.URI = uri
	})

	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.hostURI = uri
	c.byURI = make(map[string]Kernel, len(c.children))
	for _, entry := range c.children {
		kb := entry.kernel.base()
		kb.updateInfo(func(info *protocol.KernelInfo) {
			info.URI = protocol.ChildKernelURI(uri, info.LocalName)
		})
		c.indexURIsLocked(entry.kernel)
	}
}

// HostURI returns the uri set by SetHostURI, or "".
func (c *Composite) HostURI() string {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.hostURI
}

// DefaultKernelName returns the kernel used when a command names no target.
func (c *Composite) DefaultKernelName() string {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.defaultKernel
}

// SetDefaultKernelName overrides the default kernel.
func (c *Composite) SetDefaultKernelName(name string) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.defaultKernel = protocol.NormalizeName(name)
}

// SetDefaultTargetKernelNameForCommand routes untargeted commands of
// commandType to the kernel named name.
func (c *Composite) SetDefaultTargetKernelNameForCommand(commandType protocol.CommandType, name string) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.defaultByType[commandType] = protocol.NormalizeName(name)
}

// ChildKernels returns the children in the order they were added.
func (c *Composite) ChildKernels() []Kernel {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	out := make([]Kernel, len(c.children))
	for i, entry := range c.children {
		out[i] = entry.kernel
	}
	return out
}

// FindKernelByURI returns the composite or the child at uri. Proxies also
// match on their remote uri.
func (c *Composite) FindKernelByURI(uri string) Kernel {
	n := protocol.NormalizeKernelURI(uri)
	if n == c.URI() {
		return c
	}
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.byURI[n]
}

// FindKernelByName returns the composite or the child with name as its
// local name or an alias.
func (c *Composite) FindKernelByName(name string) Kernel {
	if c.Info().HasName(name) {
		return c
	}
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.byName[protocol.NormalizeName(name)]
}

// FindKernels returns the composite and each child matching pred.
func (c *Composite) FindKernels(pred func(Kernel) bool) []Kernel {
	var out []Kernel
	if pred(c) {
		out = append(out, c)
	}
	for _, k := range c.ChildKernels() {
		if pred(k) {
			out = append(out, k)
		}
	}
	return out
}

func (c *Composite) handle(ctx context.Context, inv *Invocation) error {
	target, err := c.resolve(inv.Command)
	if err != nil {
		c.logger.Warn("cannot route command",
			"command", inv.Command.CommandType,
			"token", inv.Command.Token().String(),
			"error", err)
		return err
	}
	if target == Kernel(c) {
		return c.Base.handle(ctx, inv)
	}
	return c.route(ctx, inv, target)
}

// route hands the invocation to child, stamping the child on the command
// slip as arrived before and as completed after.
func (c *Composite) route(ctx context.Context, inv *Invocation, child Kernel) error {
	cmd := inv.Command
	hop := inv.hop(child, arrive(child, cmd))

	err := child.handle(hop.bind(ctx), hop)

	if serr := cmd.RoutingSlip.Stamp(child.URI()); serr != nil {
		c.logger.Debug("uri already on command slip", "uri", child.URI(), "error", serr)
	}
	return err
}

func (c *Composite) resolve(cmd *protocol.CommandEnvelope) (Kernel, error) {
	if cmd.DestinationURI != "" {
		c.cmu.RLock()
		k := c.byURI[protocol.NormalizeKernelURI(cmd.DestinationURI)]
		c.cmu.RUnlock()
		if k != nil {
			return k, nil
		}
	}

	name := cmd.TargetKernelName()
	if name == "" {
		if c.canHandle(cmd) {
			return c, nil
		}
		c.cmu.RLock()
		name = c.defaultByType[cmd.CommandType]
		if name == "" {
			name = c.defaultKernel
		}
		c.cmu.RUnlock()
	} else if c.Info().HasName(name) {
		return c, nil
	}

	c.cmu.RLock()
	defer c.cmu.RUnlock()

	if name != "" {
		if k, ok := c.byName[protocol.NormalizeName(name)]; ok {
			return k, nil
		}
		ke := NewKernelNotFoundError(name, c.suggestLocked(name))
		ke.Kernel = c.Base.info.LocalName
		return nil, ke
	}
	if len(c.children) == 1 {
		return c.children[0].kernel, nil
	}
	return c, nil
}

// canHandle reports whether an untargeted command is for the composite
// itself.
func (c *Composite) canHandle(cmd *protocol.CommandEnvelope) bool {
	if cmd.DestinationURI != "" && protocol.NormalizeKernelURI(cmd.DestinationURI) != c.URI() {
		return false
	}
	return c.SupportsCommand(cmd.CommandType)
}

// suggestLocked returns the closest known name within
// maxSuggestionDistance, or "".
func (c *Composite) suggestLocked(name string) string {
	name = protocol.NormalizeName(name)
	best, bestDist := "", maxSuggestionDistance+1
	for candidate := range c.byName {
		d := levenshtein.ComputeDistance(name, candidate)
		if d < bestDist || (d == bestDist && candidate < best) {
			best, bestDist = candidate, d
		}
	}
	return best
}

// handleRequestKernelInfo publishes the composite's info, then asks each
// child that supports it for its own.
func (c *Composite) handleRequestKernelInfo(ctx context.Context, inv *Invocation) error {
	inv.Publish(&protocol.KernelInfoProduced{KernelInfo: c.Info()})

	for _, child := range c.ChildKernels() {
		if !child.SupportsCommand(protocol.CommandRequestKernelInfo) {
			continue
		}
		req := &protocol.RequestKernelInfo{}
		req.SetTargetKernel(child.Name())
		childCmd := protocol.NewCommandEnvelope(req)
		if err := childCmd.RoutingSlip.ContinueWith(inv.Command.RoutingSlip); err != nil {
			c.logger.Debug("cannot continue routing slip", "child", child.Name(), "error", err)
		}

		if err := inv.SendChild(ctx, child, childCmd); err != nil {
			if IsTransportError(err) {
				return err
			}
			c.logger.Debug("child kernel info request failed", "child", child.Name(), "error", err)
		}
	}
	return nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
