package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/client"
	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/store"
	"github.com/roach88/kernelbus/internal/telemetry"
)

// defaultExecDocument is the catalog document exec records under when
// neither --document nor document_uri is set.
const defaultExecDocument = "kernelbus:exec"

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Kernel   string        // target kernel name
	Command  string        // overrides [kernel] command
	Args     []string      // overrides [kernel] args
	Document string        // catalog document uri
	Timeout  time.Duration // whole-run limit
}

// ExecResult is the outcome of one submission.
type ExecResult struct {
	Success     bool                  `json:"success"`
	Outputs     []RenderedOutput      `json:"outputs"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// RenderedOutput is a client output with its items decoded to text.
type RenderedOutput struct {
	ID    string         `json:"id"`
	Items []RenderedItem `json:"items"`
}

// RenderedItem is one output item. Text holds the decoded data for textual
// mime types and a size summary otherwise.
type RenderedItem struct {
	MIME   string `json:"mime"`
	Text   string `json:"text"`
	Stream string `json:"stream,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Run code on a kernel process",
		Long: `Spawn a kernel process, wait for it to announce KernelReady, submit
code and print the outputs.

The kernel process comes from the [kernel] section of the config unless
--command is given. Code is read from stdin when no argument is given.

Exit codes:
  0 - The submission succeeded
  1 - The kernel reported a failure
  2 - Command error (no kernel configured, process failed to start, etc.)

Examples:
  kernelbus exec --command kernelbus --arg serve 'x = 2'
  echo 'print hi' | kernelbus exec --kernel value --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(cmd.InOrStdin(), args)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot read code", err)
			}
			return runExec(cmd.Context(), opts, code, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Kernel, "kernel", "k", "", "target kernel name")
	cmd.Flags().StringVar(&opts.Command, "command", "", "kernel process to spawn")
	cmd.Flags().StringArrayVar(&opts.Args, "arg", nil, "kernel process argument (repeatable)")
	cmd.Flags().StringVar(&opts.Document, "document", "", "document uri kernels are catalogued under")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "limit for the whole run")

	return cmd
}

func readCode(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runExec(ctx context.Context, opts *ExecOptions, code string, cmd *cobra.Command) error {
	cfg := opts.settings()
	logger := opts.logger()
	formatter := opts.formatter(cmd)

	proc := cfg.Kernel
	if opts.Command != "" {
		proc.Command = opts.Command
		proc.Args = opts.Args
	}
	if proc.Command == "" {
		return formatter.Fail(ExitCommandError, ErrCodeConfig,
			"no kernel command: set [kernel] command in the config or pass --command", nil)
	}
	document := opts.Document
	if document == "" {
		document = cfg.DocumentURI
	}
	if document == "" {
		document = defaultExecDocument
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tp, shutdown, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "kernelbus-exec", Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot set up tracing", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var catalog *store.Store
	if cfg.Database != "" {
		catalog, err = store.Open(cfg.Database)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeCatalog, err.Error(), nil)
		}
		defer catalog.Close()
	}

	formatter.VerboseLog("starting %s %s", proc.Command, strings.Join(proc.Args, " "))
	pc, err := channel.StartProcess(ctx, channel.ProcessConfig{
		Command:    proc.Command,
		Args:       proc.Args,
		WorkingDir: proc.WorkingDir,
		Logger:     logger,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeKernelStart, err.Error(), nil)
	}

	readyEnv, err := pc.WaitForReady(ctx)
	if err != nil {
		_ = pc.Close()
		return formatter.Fail(ExitCommandError, ErrCodeKernelStart, err.Error(), nil)
	}
	ready, _ := readyEnv.Event.(*protocol.KernelReady)
	var infos []*protocol.KernelInfo
	if ready != nil {
		infos = ready.KernelInfos
	}
	formatter.VerboseLog("kernel ready with %d kernel(s)", len(infos))

	clientCfg := client.Config{
		Channel:        pc,
		KernelInfos:    infos,
		DocumentURI:    document,
		Logger:         logger,
		TracerProvider: tp,
		ConnectorOptions: []kernel.ConnectorOption{
			kernel.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		},
	}
	if catalog != nil {
		clientCfg.Catalog = catalog
		for _, info := range infos {
			if err := catalog.RecordKernelInfo(ctx, document, info); err != nil {
				logger.Warn("cannot record kernel info", "kernel", info.LocalName, "error", err)
			}
		}
	}

	c, err := client.New(ctx, clientCfg)
	if err != nil {
		_ = pc.Close()
		return formatter.Fail(ExitCommandError, ErrCodeKernelStart, err.Error(), nil)
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			logger.Debug("close client", "error", err)
		}
	}()

	result := ExecResult{Outputs: []RenderedOutput{}}
	ok, err := c.Execute(ctx, code, opts.Kernel,
		func(o client.Output) { result.Outputs = append(result.Outputs, renderOutput(o)) },
		func(d []protocol.Diagnostic) { result.Diagnostics = d },
		client.ExecuteOptions{})
	result.Success = ok && err == nil

	var failed *client.CommandFailedError
	switch {
	case errors.As(err, &failed):
		result.Error = failed.Message
	case err != nil:
		return formatter.Fail(ExitFailure, ErrCodeSession, err.Error(), nil)
	}

	if formatter.JSON() {
		if result.Success {
			return formatter.Success(result)
		}
		return formatter.Fail(ExitFailure, ErrCodeCommandFailed, failureMessage(result), result)
	}

	writeExecText(cmd.OutOrStdout(), result)
	if !result.Success {
		return formatter.Fail(ExitFailure, ErrCodeCommandFailed, failureMessage(result), nil)
	}
	return nil
}

func failureMessage(r ExecResult) string {
	if r.Error != "" {
		return r.Error
	}
	return "submission reported errors"
}

func writeExecText(w io.Writer, r ExecResult) {
	for _, o := range r.Outputs {
		for _, item := range o.Items {
			if item.Stream == "stderr" {
				fmt.Fprintf(w, "[stderr] %s\n", item.Text)
				continue
			}
			fmt.Fprintln(w, item.Text)
		}
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(w, "%d:%d %s %s: %s\n",
			d.LinePositionSpan.Start.Line+1, d.LinePositionSpan.Start.Character+1,
			d.Severity, d.Code, d.Message)
	}
}

// renderOutput decodes an output for printing. Error items become
// "error: message"; non-text data is summarised.
func renderOutput(o client.Output) RenderedOutput {
	out := RenderedOutput{ID: o.ID, Items: make([]RenderedItem, 0, len(o.Items))}
	for _, item := range o.Items {
		out.Items = append(out.Items, RenderedItem{
			MIME:   item.MIME,
			Text:   itemText(item),
			Stream: item.Stream,
		})
	}
	return out
}

func itemText(item client.OutputItem) string {
	if item.MIME == client.ErrorMIMEType {
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(item.Data, &e); err == nil {
			return "error: " + e.Message
		}
	}
	if isTextual(item.MIME) && utf8.Valid(item.Data) {
		return string(item.Data)
	}
	return fmt.Sprintf("<%s, %d bytes>", item.MIME, len(item.Data))
}

func isTextual(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		mime == "application/json" ||
		strings.HasSuffix(mime, "+json") ||
		strings.HasSuffix(mime, "+xml")
}
