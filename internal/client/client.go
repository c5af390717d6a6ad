// Package client is the per-document facade over a kernel channel.
//
// A Client turns the asynchronous event stream coming back from a kernel
// host into blocking calls: Execute for code submissions and
// SubmitCommandAndGetResult (and its wrappers) for requests that answer with
// a single event. Alongside, it hosts a local composite kernel that stands
// in for every remote kernel the channel announces.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/host"
	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// HostURI is the uri of the client's local kernel host.
const HostURI = "kernel://vscode"

// Catalog persists kernel infos per document.
type Catalog interface {
	RecordKernelInfo(ctx context.Context, documentURI string, info *protocol.KernelInfo) error
	KernelInfos(ctx context.Context, documentURI string) ([]*protocol.KernelInfo, error)
}

// Config configures a Client.
type Config struct {
	// Channel carries commands out and events in. Required.
	Channel channel.Channel

	// CreateErrorOutput renders error messages. Default: DefaultErrorOutput.
	CreateErrorOutput ErrorOutputCreator

	// KernelInfos are the kernels known before the channel announces any,
	// typically from document metadata. When empty and Catalog is set, the
	// catalog's infos for DocumentURI are used.
	KernelInfos []*protocol.KernelInfo

	// Catalog, when set, records every announced kernel info.
	Catalog     Catalog
	DocumentURI string

	TokenGenerator   protocol.TokenGenerator
	Logger           *slog.Logger
	TracerProvider   trace.TracerProvider
	ConnectorOptions []kernel.ConnectorOption
}

type tokenObserver struct {
	fn       func(*protocol.EventEnvelope)
	disposed atomic.Bool
}

// Client is one document's session with a kernel host.
//
// Thread-safety: safe for concurrent use. Observer callbacks run on the
// channel's receive goroutine, in channel order.
type Client struct {
	ch          channel.Channel
	composite   *kernel.Composite
	host        *host.Host
	errorOutput ErrorOutputCreator
	catalog     Catalog
	documentURI string
	gen         protocol.TokenGenerator
	logger      *slog.Logger

	mu          sync.Mutex
	observers   map[string][]*tokenObserver
	deferred    []Output
	disposables []func()
	failure     error

	outputIDs      atomic.Int64
	executionCount atomic.Int64
	debounce       *debouncer

	receiverSub *channel.Subscription
	stopHost    context.CancelFunc
	hostDone    chan struct{}
	closeOnce   sync.Once
}

// New creates a client over cfg.Channel, connects its local host and starts
// the host's run loop.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("client: channel is required")
	}
	c := &Client{
		ch:          cfg.Channel,
		errorOutput: cfg.CreateErrorOutput,
		catalog:     cfg.Catalog,
		documentURI: cfg.DocumentURI,
		gen:         cfg.TokenGenerator,
		logger:      cfg.Logger,
		observers:   make(map[string][]*tokenObserver),
		debounce:    newDebouncer(),
		hostDone:    make(chan struct{}),
	}
	if c.errorOutput == nil {
		c.errorOutput = DefaultErrorOutput
	}
	if c.gen == nil {
		c.gen = protocol.UUIDGenerator{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.executionCount.Store(1)

	c.composite = kernel.NewComposite("vscode", kernel.WithLogger(c.logger), kernel.WithTokenGenerator(c.gen))
	hostOpts := []host.Option{
		host.WithLogger(c.logger),
		host.WithKernelOptions(kernel.WithLogger(c.logger), kernel.WithTokenGenerator(c.gen)),
		host.WithConnectorOptions(cfg.ConnectorOptions...),
	}
	if cfg.TracerProvider != nil {
		hostOpts = append(hostOpts, host.WithTracerProvider(cfg.TracerProvider))
	}
	c.host = host.New(c.composite, cfg.Channel.Sender(), cfg.Channel.Receiver(), HostURI, hostOpts...)

	c.receiverSub = cfg.Channel.Receiver().Subscribe(c.onEnvelope)

	bootstrap := cfg.KernelInfos
	if len(bootstrap) == 0 && c.catalog != nil && c.documentURI != "" {
		infos, err := c.catalog.KernelInfos(ctx, c.documentURI)
		if err != nil {
			c.logger.Warn("cannot load catalogued kernels", "document", c.documentURI, "error", err)
		}
		bootstrap = infos
	}
	for _, info := range bootstrap {
		c.host.DefaultConnector().AddRemoteHostURI(info.LookupURI())
		if _, err := c.host.EnsureOrUpdateProxyForKernelInfo(info); err != nil {
			c.logger.Warn("cannot create proxy for bootstrap kernel", "kernel", info.LocalName, "error", err)
		}
	}

	if _, err := c.host.Connect(ctx); err != nil {
		c.receiverSub.Dispose()
		c.host.Close()
		return nil, fmt.Errorf("connect kernel host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.stopHost = cancel
	go func() {
		defer close(c.hostDone)
		_ = c.host.Run(runCtx)
	}()
	return c, nil
}

// Kernel returns the local composite kernel.
func (c *Client) Kernel() *kernel.Composite { return c.composite }

// Host returns the local kernel host.
func (c *Client) Host() *host.Host { return c.host }

// Channel returns the channel the client talks over.
func (c *Client) Channel() channel.Channel { return c.ch }

func (c *Client) onEnvelope(env protocol.Envelope) {
	ev, ok := env.(*protocol.EventEnvelope)
	if !ok {
		return
	}
	c.dispatch(ev)

	switch e := ev.Event.(type) {
	case *protocol.KernelInfoProduced:
		c.learnKernel(e.KernelInfo)
	case *protocol.KernelReady:
		for _, info := range e.KernelInfos {
			c.learnKernel(info)
		}
	}
}

func (c *Client) learnKernel(info *protocol.KernelInfo) {
	if info == nil {
		return
	}
	if _, err := c.host.EnsureOrUpdateProxyForKernelInfo(info); err != nil {
		c.logger.Warn("cannot create proxy for announced kernel", "kernel", info.LocalName, "uri", info.URI, "error", err)
	}
	if c.catalog == nil || c.documentURI == "" {
		return
	}
	if err := c.catalog.RecordKernelInfo(context.Background(), c.documentURI, info); err != nil {
		c.logger.Warn("cannot record kernel info", "kernel", info.LocalName, "error", err)
	}
}

// dispatch hands ev to the observers of its token and of every ancestor
// token, most specific first. Events of deferred commands are not
// dispatched; their display output is held for the next Execute.
func (c *Client) dispatch(ev *protocol.EventEnvelope) {
	token := ev.Token()
	if token.IsZero() {
		return
	}

	if token.IsDeferred() {
		switch ev.EventType {
		case protocol.EventDisplayedValueProduced, protocol.EventDisplayedValueUpdated, protocol.EventReturnValueProduced:
			d, ok := ev.Event.(protocol.Displayer)
			if !ok {
				return
			}
			out := displayOutput(d.Display(), "", c.nextOutputID)
			c.mu.Lock()
			c.deferred = append(c.deferred, out)
			c.mu.Unlock()
		}
		return
	}

	for _, t := range token.Ancestry() {
		c.mu.Lock()
		snapshot := append([]*tokenObserver(nil), c.observers[t.String()]...)
		c.mu.Unlock()

		for _, o := range snapshot {
			if !o.disposed.Load() {
				o.fn(ev)
			}
		}
	}
}

// subscribe registers fn for events of token and its descendants.
func (c *Client) subscribe(token string, fn func(*protocol.EventEnvelope)) *channel.Subscription {
	o := &tokenObserver{fn: fn}
	c.mu.Lock()
	c.observers[token] = append(c.observers[token], o)
	c.mu.Unlock()

	return channel.NewSubscription(func() {
		o.disposed.Store(true)
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.observers[token]
		for i, cur := range list {
			if cur == o {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.observers, token)
		} else {
			c.observers[token] = list
		}
	})
}

func (c *Client) observerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.observers {
		n += len(list)
	}
	return n
}

func (c *Client) takeDeferred() []Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.deferred
	c.deferred = nil
	return out
}

func (c *Client) nextOutputID() string {
	return strconv.FormatInt(c.outputIDs.Add(1), 10)
}

func (c *Client) newToken(given string) protocol.Token {
	if given == "" {
		given = c.gen.Generate()
	}
	return protocol.ParseToken(given)
}

// send puts env on the channel. A failed send fails the session.
func (c *Client) send(ctx context.Context, env *protocol.CommandEnvelope) error {
	if err := c.sessionErr(); err != nil {
		return err
	}
	if err := c.ch.Sender().Send(ctx, env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(&kernel.TransportError{Op: "send", Err: err})
	}
	return nil
}

func (c *Client) sessionErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// fail marks the session failed with cause and returns the resulting error.
func (c *Client) fail(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = fmt.Errorf("%w: %w", ErrSessionFailed, cause)
		c.logger.Error("kernel session failed", "error", cause)
	}
	return c.failure
}

// receiverClosed fails the session once the channel stops delivering.
func (c *Client) receiverClosed() error {
	err := c.ch.Receiver().Err()
	return c.fail(&kernel.TransportError{Op: "receive", Err: err})
}

// Debounce runs fn after delay unless another call with the same key comes
// first. Execute clears the keys derived from its ID.
func (c *Client) Debounce(key string, delay time.Duration, fn func()) {
	c.debounce.debounce(key, delay, fn)
}

func (c *Client) clearLanguageServiceRequests(id string) {
	c.debounce.clear(id, "completion-"+id, "diagnostics-"+id, "hover-"+id, "sighelp-"+id)
}

// NextExecutionCount returns the next cell execution number, starting at 1.
func (c *Client) NextExecutionCount() int {
	return int(c.executionCount.Add(1) - 1)
}

// ResetExecutionCount restarts execution numbering at 1.
func (c *Client) ResetExecutionCount() {
	c.executionCount.Store(1)
}

// RegisterForDisposal adds fn to the functions Close runs.
func (c *Client) RegisterForDisposal(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposables = append(c.disposables, fn)
}

// Close sends Quit, closes the channel, stops the local host and runs the
// registered disposables. Later calls are no-ops.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		quit := protocol.NewCommandEnvelope(&protocol.Quit{})
		quit.SetToken(c.newToken(""))
		if serr := c.ch.Sender().Send(ctx, quit); serr != nil {
			c.logger.Debug("cannot send quit", "error", serr)
		}
		err = c.ch.Close()

		c.receiverSub.Dispose()
		c.stopHost()
		<-c.hostDone
		c.host.Close()
		c.debounce.stopAll()

		c.mu.Lock()
		disposables := c.disposables
		c.disposables = nil
		c.mu.Unlock()
		for _, fn := range disposables {
			fn()
		}
	})
	return err
}

// subscriptionRef lets a callback dispose the subscription it was
// registered with.
type subscriptionRef struct {
	mu       sync.Mutex
	sub      *channel.Subscription
	disposed bool
}

func (r *subscriptionRef) set(sub *channel.Subscription) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		sub.Dispose()
		return
	}
	r.sub = sub
	r.mu.Unlock()
}

func (r *subscriptionRef) dispose() {
	r.mu.Lock()
	r.disposed = true
	sub := r.sub
	r.mu.Unlock()
	sub.Dispose()
}
