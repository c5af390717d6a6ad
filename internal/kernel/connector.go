package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// Default breaker settings for connector sends.
const (
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// ConnectorOption configures a Connector.
type ConnectorOption func(*connectorConfig)

type connectorConfig struct {
	name     string
	failures uint32
	timeout  time.Duration
	logger   *slog.Logger
}

// WithBreaker trips the send breaker after failures consecutive send errors
// and keeps it open for timeout. failures of 0 disables tripping.
func WithBreaker(failures uint32, timeout time.Duration) ConnectorOption {
	return func(c *connectorConfig) {
		c.failures = failures
		c.timeout = timeout
	}
}

// WithConnectorName names the connector in logs and breaker state changes.
func WithConnectorName(name string) ConnectorOption {
	return func(c *connectorConfig) {
		c.name = name
	}
}

// WithConnectorLogger sets the logger. Default: slog.Default().
func WithConnectorLogger(logger *slog.Logger) ConnectorOption {
	return func(c *connectorConfig) {
		c.logger = logger
	}
}

// Connector is a sender/receiver pair together with the remote hosts it
// reaches.
//
// The host set starts from the uris given to NewConnector and grows as
// inbound events reveal more: the host of every announced non-proxy kernel
// and the host of the first entry of every event routing slip.
//
// Sends pass through a circuit breaker. After repeated send failures the
// breaker opens and sends fail fast with a TransportError until it lets a
// probe through.
//
// Thread-safety: safe for concurrent use.
type Connector struct {
	sender   channel.Sender
	receiver channel.Receiver
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	mu    sync.RWMutex
	hosts map[string]struct{}

	listener *channel.Subscription
}

// NewConnector binds sender and receiver to remoteHostURIs.
func NewConnector(sender channel.Sender, receiver channel.Receiver, remoteHostURIs []string, opts ...ConnectorOption) *Connector {
	cfg := connectorConfig{
		name:     "connector",
		failures: DefaultBreakerFailures,
		timeout:  DefaultBreakerTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Connector{
		sender:   sender,
		receiver: receiver,
		logger:   cfg.logger.With("connector", cfg.name),
		hosts:    make(map[string]struct{}),
	}
	for _, u := range remoteHostURIs {
		c.AddRemoteHostURI(u)
	}

	failures := cfg.failures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.name,
		MaxRequests: 1,
		Timeout:     cfg.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("send breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	if receiver != nil {
		c.listener = receiver.Subscribe(c.learn)
	}
	return c
}

// learn records hosts revealed by an inbound event.
func (c *Connector) learn(env protocol.Envelope) {
	ev, ok := env.(*protocol.EventEnvelope)
	if !ok {
		return
	}
	if kip, ok := ev.Event.(*protocol.KernelInfoProduced); ok && kip.KernelInfo != nil {
		if kip.KernelInfo.RemoteURI == "" && kip.KernelInfo.URI != "" {
			c.AddRemoteHostURI(kip.KernelInfo.URI)
		}
	}
	if first := ev.RoutingSlip.First(); first != "" {
		c.AddRemoteHostURI(first)
	}
}

// Sender returns the sending half.
func (c *Connector) Sender() channel.Sender { return c.sender }

// Receiver returns the receiving half.
func (c *Connector) Receiver() channel.Receiver { return c.receiver }

// AddRemoteHostURI records the host of uri as reachable.
func (c *Connector) AddRemoteHostURI(uri string) {
	host := protocol.ExtractHost(uri)
	if host == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hosts[host]; !ok {
		c.hosts[host] = struct{}{}
		c.logger.Debug("learned remote host", "host", host)
	}
}

// RemoteHostURIs returns the reachable hosts, sorted.
func (c *Connector) RemoteHostURIs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.hosts))
	for h := range c.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// CanReach reports whether the host of uri is reachable through c.
func (c *Connector) CanReach(uri string) bool {
	host := protocol.ExtractHost(uri)
	if host == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hosts[host]
	return ok
}

// Send forwards env through the breaker. Any failure is a TransportError.
func (c *Connector) Send(ctx context.Context, env protocol.Envelope) error {
	if c.sender == nil {
		return &TransportError{Op: "send", Err: errors.New("connector has no sender")}
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.sender.Send(ctx, env)
	})
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// BreakerState reports the send breaker state ("closed", "open", "half-open").
func (c *Connector) BreakerState() string {
	return c.breaker.State().String()
}

// Close stops learning hosts from the receiver. The channel itself belongs
// to whoever created it.
func (c *Connector) Close() {
	c.listener.Dispose()
}
