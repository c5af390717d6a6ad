package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/kernelbus/internal/builtin"
	"github.com/roach88/kernelbus/internal/channel"
	"github.com/roach88/kernelbus/internal/client"
	"github.com/roach88/kernelbus/internal/protocol"
	"github.com/roach88/kernelbus/internal/store"
	"github.com/roach88/kernelbus/internal/testutil"
)

// DefaultKernel is the target of steps that name no kernel.
const DefaultKernel = builtin.Name

var (
	readyTimeout = 5 * time.Second
	stepTimeout  = 10 * time.Second
)

// Harness is one scenario's session: a client, the in-process host it
// talks to and the catalog it records kernels in.
type Harness struct {
	client  *client.Client
	value   *builtin.Kernel
	catalog *store.Store
	events  *testutil.EventRecorder
	kernel  string
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh session with an in-memory catalog and
// deterministic command tokens. Failed expectations and assertions are
// reported in the result; an error is returned only when the session
// cannot be set up or breaks while running.
//
// Execution flow:
// 1. Start the value-kernel host and a client connected to it
// 2. Wait until the client has proxies for the announced kernels
// 3. Execute setup steps, which must succeed
// 4. Execute steps and check their expect clauses
// 5. Evaluate assertions against the trace, values and catalog
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory catalog: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local, far := channel.Pipe()
	defer far.Close()

	remote, value, err := builtin.NewHost(far, builtin.HostConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel host: %w", err)
	}
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = remote.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
		remote.Close()
	}()

	// Recorded ahead of the client so that a step's terminal event is in
	// the trace by the time the step returns.
	events := &testutil.EventRecorder{}
	recording := local.Subscribe(events.RecordEnvelope)
	defer recording.Dispose()

	c, err := client.New(ctx, client.Config{
		Channel:        local,
		Catalog:        st,
		DocumentURI:    scenario.Name,
		TokenGenerator: testutil.NewSequenceGenerator(scenario.TokenPrefix),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	defer c.Close(context.Background())

	if err := connect(ctx, local, remote.Connect); err != nil {
		return nil, err
	}

	h := &Harness{
		client:  c,
		value:   value,
		catalog: st,
		events:  events,
		kernel:  scenario.Kernel,
		logger:  logger,
	}
	if h.kernel == "" {
		h.kernel = DefaultKernel
	}

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	result.Trace = buildTrace(events.Events())
	for _, name := range h.value.Names() {
		v, _ := h.value.Get(name)
		result.Values[name] = v
	}

	actx := &AssertionContext{Ctx: ctx, Catalog: st, DocumentURI: scenario.Name}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// connect announces the host and waits until the client has processed
// the announcement.
func connect(ctx context.Context, local channel.Receiver, announce func(context.Context) (*protocol.KernelReady, error)) error {
	ready := make(chan struct{})
	var once sync.Once
	sub := local.Subscribe(func(env protocol.Envelope) {
		if ev, ok := env.(*protocol.EventEnvelope); ok && ev.EventType == protocol.EventKernelReady {
			once.Do(func() { close(ready) })
		}
	})
	defer sub.Dispose()

	if _, err := announce(ctx); err != nil {
		return fmt.Errorf("failed to connect kernel host: %w", err)
	}

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.New("kernel host did not announce itself")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harness) executeSetup(ctx context.Context, setup []Step) error {
	for i, step := range setup {
		res, err := h.runStep(ctx, i, step)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("setup[%d] (%s) failed: %s", i, res.Kind, res.Error)
		}
		h.logger.Info("setup step completed", "step", i, "kind", res.Kind)
	}
	return nil
}

func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		res, err := h.runStep(ctx, i, step)
		if err != nil {
			return err
		}
		result.Steps = append(result.Steps, res)
		if step.Expect != nil {
			for _, msg := range checkExpect(i, res, step.Expect) {
				result.AddError(msg)
			}
		}
	}
	return nil
}

// runStep sends one request and waits for its outcome. A CommandFailed for
// the request is a step result; any other error ends the scenario.
func (h *Harness) runStep(ctx context.Context, index int, step Step) (StepResult, error) {
	kernelName := step.Kernel
	if kernelName == "" {
		kernelName = h.kernel
	}
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	res := StepResult{Index: index, Kind: step.Kind()}
	var err error
	switch res.Kind {
	case StepSubmit:
		var outputs client.OutputCollection
		var diagnostics []protocol.Diagnostic
		var ok bool
		ok, err = h.client.Execute(ctx, step.Submit, kernelName, outputs.Add,
			func(d []protocol.Diagnostic) { diagnostics = d },
			client.ExecuteOptions{})
		for _, o := range outputs.Outputs() {
			res.Outputs = append(res.Outputs, renderOutput(o))
		}
		res.Diagnostics = diagnosticCodes(diagnostics)
		res.Success = ok && err == nil

	case StepRequestValue:
		var produced *protocol.ValueProduced
		produced, err = h.client.RequestValue(ctx, step.RequestValue, kernelName)
		if err == nil {
			res.Value = produced.FormattedValue.Value
		}

	case StepSendValue:
		mimeType := step.SendValue.MimeType
		if mimeType == "" {
			mimeType = "text/plain"
		}
		cmd := &protocol.SendValue{
			Name:           step.SendValue.Name,
			FormattedValue: protocol.FormattedValue{MimeType: mimeType, Value: step.SendValue.Value},
		}
		cmd.SetTargetKernel(kernelName)
		_, err = h.client.SubmitCommandAndGetResult(ctx, cmd, protocol.EventCommandSucceeded, true, "")

	case StepDiagnose:
		var diagnostics []protocol.Diagnostic
		diagnostics, err = h.client.GetDiagnostics(ctx, kernelName, step.Diagnose, "")
		res.Diagnostics = diagnosticCodes(diagnostics)

	case StepHover:
		var hover *protocol.HoverTextProduced
		hover, err = h.client.Hover(ctx, kernelName, step.Hover.Code, step.Hover.Line, step.Hover.Character, "")
		if errors.Is(err, client.ErrNoResult) {
			err = nil
		} else if err == nil {
			for _, fv := range hover.Content {
				res.Outputs = append(res.Outputs, fv.MimeType+": "+fv.Value)
			}
		}

	case StepCompletions:
		var completions *protocol.CompletionsProduced
		completions, err = h.client.Completion(ctx, kernelName, step.Completions.Code, step.Completions.Line, step.Completions.Character, "")
		if err == nil {
			for _, item := range completions.Completions {
				res.Outputs = append(res.Outputs, item.DisplayText)
			}
		}

	default:
		return res, fmt.Errorf("step %d: exactly one request is required", index)
	}

	var failed *client.CommandFailedError
	switch {
	case err == nil:
		if res.Kind != StepSubmit {
			res.Success = true
		}
	case errors.As(err, &failed):
		res.Success = false
		res.Error = failed.Message
	default:
		return res, fmt.Errorf("step %d (%s): %w", index, res.Kind, err)
	}
	return res, nil
}

func checkExpect(index int, res StepResult, exp *Expect) []string {
	var errs []string
	if exp.Success != nil && *exp.Success != res.Success {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected success=%t, got %t (error %q)", index, *exp.Success, res.Success, res.Error))
	}
	if exp.Error != "" && !strings.Contains(res.Error, exp.Error) {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected error containing %q, got %q", index, exp.Error, res.Error))
	}
	if exp.Outputs != nil && !equalStrings(exp.Outputs, res.Outputs) {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected outputs %q, got %q", index, exp.Outputs, res.Outputs))
	}
	if exp.Value != nil && *exp.Value != res.Value {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected value %q, got %q", index, *exp.Value, res.Value))
	}
	if exp.Diagnostics != nil && !equalStrings(exp.Diagnostics, res.Diagnostics) {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected diagnostics %q, got %q", index, exp.Diagnostics, res.Diagnostics))
	}
	return errs
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// buildTrace keeps the events that belong to a command, numbered from 1.
func buildTrace(events []*protocol.EventEnvelope) []TraceEvent {
	trace := []TraceEvent{}
	for _, ev := range events {
		token := ev.Token()
		if token.IsZero() || token.IsDeferred() {
			continue
		}
		te := TraceEvent{
			Seq:    len(trace) + 1,
			Token:  token.String(),
			Event:  ev.EventType,
			Detail: eventDetail(ev.Event),
		}
		if ev.Command != nil {
			te.Command = ev.Command.CommandType
		}
		trace = append(trace, te)
	}
	return trace
}

func eventDetail(ev protocol.Event) string {
	switch e := ev.(type) {
	case *protocol.CommandFailed:
		return e.Message
	case *protocol.ErrorProduced:
		return e.Message
	case *protocol.ValueProduced:
		return e.Name + " = " + e.FormattedValue.Value
	case *protocol.DiagnosticsProduced:
		return strings.Join(diagnosticCodes(e.Diagnostics), ", ")
	case protocol.Displayer:
		parts := make([]string, 0, len(e.Display().FormattedValues))
		for _, fv := range e.Display().FormattedValues {
			parts = append(parts, fv.MimeType+": "+fv.Value)
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// renderOutput renders each item as "mime: data", joined with "; ".
// Error items render as "error: message".
func renderOutput(o client.Output) string {
	parts := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if item.MIME == client.ErrorMIMEType {
			var e struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(item.Data, &e); err == nil {
				parts = append(parts, "error: "+e.Message)
				continue
			}
		}
		parts = append(parts, item.MIME+": "+string(item.Data))
	}
	return strings.Join(parts, "; ")
}

func diagnosticCodes(diags []protocol.Diagnostic) []string {
	if len(diags) == 0 {
		return nil
	}
	codes := make([]string, len(diags))
	for i, d := range diags {
		codes[i] = d.Code
	}
	return codes
}
