package builtin

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/host"
	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
)

const (
	// CompositeName is the name of the composite kernel NewHost builds.
	CompositeName = "kernelbus"
	// DefaultHostURI is used when HostConfig.URI is empty.
	DefaultHostURI = "kernel://kernelbus"
)

// HostConfig configures NewHost.
type HostConfig struct {
	// URI is the host uri. Default: DefaultHostURI.
	URI string

	Logger           *slog.Logger
	TracerProvider   trace.TracerProvider
	TokenGenerator   protocol.TokenGenerator
	ConnectorOptions []kernel.ConnectorOption
}

// NewHost builds a kernel host over ch whose composite holds one value
// kernel. The caller connects the host and runs it.
func NewHost(ch channel.Channel, cfg HostConfig) (*host.Host, *Kernel, error) {
	if cfg.URI == "" {
		cfg.URI = DefaultHostURI
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kernelOpts := []kernel.Option{kernel.WithLogger(logger)}
	if cfg.TokenGenerator != nil {
		kernelOpts = append(kernelOpts, kernel.WithTokenGenerator(cfg.TokenGenerator))
	}

	composite := kernel.NewComposite(CompositeName, kernelOpts...)
	value := New(Name, kernelOpts...)
	if err := composite.Add(value); err != nil {
		return nil, nil, fmt.Errorf("add value kernel: %w", err)
	}

	hostOpts := []host.Option{
		host.WithLogger(logger),
		host.WithKernelOptions(kernelOpts...),
		host.WithConnectorOptions(cfg.ConnectorOptions...),
	}
	if cfg.TracerProvider != nil {
		hostOpts = append(hostOpts, host.WithTracerProvider(cfg.TracerProvider))
	}
	return host.New(composite, ch.Sender(), ch.Receiver(), cfg.URI, hostOpts...), value, nil
}
