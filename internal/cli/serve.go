package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/kernelbus/internal/builtin"
	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/telemetry"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the builtin value kernel over stdio",
		Long: `Host the builtin value kernel over stdin/stdout.

Commands are read as one JSON envelope per line from stdin; events are
written the same way to stdout. KernelReady is announced first. Logs go
to stderr. The command exits when stdin is closed.

Example:
  kernelbus serve
  kernelbus exec --command kernelbus -- 'x = 2'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	cfg := opts.settings()
	logger := opts.logger()

	tp, shutdown, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "kernelbus-serve", Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot set up tracing", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	ch := channel.NewStreamChannel(cmd.InOrStdin(), cmd.OutOrStdout(), channel.WithLogger(logger))
	defer ch.Close()

	h, _, err := builtin.NewHost(ch, builtin.HostConfig{
		URI:            cfg.HostURI,
		Logger:         logger,
		TracerProvider: tp,
		ConnectorOptions: []kernel.ConnectorOption{
			kernel.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot create kernel host", err)
	}
	defer h.Close()

	// Subscribe before the pump starts so no command is missed.
	if _, err := h.Connect(ctx); err != nil {
		return WrapExitError(ExitFailure, "cannot announce kernel", err)
	}
	ch.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ch.Done():
			logger.Info("stdin closed", "reason", ch.Err())
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = h.Run(runCtx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
