package client

import (
	"context"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
)

// ExecuteOptions carries the optional caller-supplied identifiers of a
// submission.
type ExecuteOptions struct {
	// Token is used as the command token instead of a generated one.
	Token string
	// ID identifies the cell; pending language-service requests debounced
	// under it are dropped.
	ID string
}

type outcome struct {
	ok  bool
	err error
}

// Execute submits code to kernelName and blocks until the command's own
// terminal event arrives.
//
// It returns true when the command succeeded cleanly and false when an
// ErrorProduced or a descendant CommandFailed was reported along the way.
// A CommandFailed for the command itself is returned as a
// *CommandFailedError and is not reported as an output. A channel failure
// is returned wrapped in ErrSessionFailed.
//
// Output events go to reporter, preceded by any output held back from
// deferred commands. Diagnostics go to diagnostics, which sees the full
// list gathered so far every time more arrive.
func (c *Client) Execute(ctx context.Context, code, kernelName string, reporter Reporter, diagnostics DiagnosticObserver, opts ExecuteOptions) (bool, error) {
	if opts.ID != "" {
		c.clearLanguageServiceRequests(opts.ID)
	}
	if reporter == nil {
		reporter = func(Output) {}
	}
	if diagnostics == nil {
		diagnostics = func([]protocol.Diagnostic) {}
	}
	if err := c.sessionErr(); err != nil {
		return false, err
	}

	token := c.newToken(opts.Token)
	cmd := protocol.NewCommandEnvelope(&protocol.SubmitCode{
		KernelCommand:  protocol.KernelCommand{TargetKernelName: kernelName},
		Code:           code,
		SubmissionType: protocol.SubmissionRun,
	})
	cmd.SetToken(token)

	done := make(chan outcome, 1)
	subscription := new(subscriptionRef)
	var settleOnce sync.Once
	var failureSeen bool
	var gathered []protocol.Diagnostic

	reportError := func(message string) {
		reporter(c.errorOutput(message, c.nextOutputID()))
	}
	reportDisplay := func(ev protocol.Event, stream string) {
		if d, ok := ev.(protocol.Displayer); ok {
			reporter(displayOutput(d.Display(), stream, c.nextOutputID))
		}
	}
	settle := func(o outcome) {
		settleOnce.Do(func() {
			subscription.dispose()
			done <- o
		})
	}

	subscription.set(c.subscribe(token.String(), func(ev *protocol.EventEnvelope) {
		for _, held := range c.takeDeferred() {
			reporter(held)
		}

		exact := ev.Token().Equal(token)
		switch e := ev.Event.(type) {
		case *protocol.CommandSucceeded:
			if exact {
				settle(outcome{ok: !failureSeen})
			}
		case *protocol.CommandFailed:
			if exact {
				settle(outcome{err: &CommandFailedError{Token: token.String(), Message: e.Message}})
				return
			}
			reportError(e.Message)
			failureSeen = true
		case *protocol.ErrorProduced:
			reportError(e.Message)
			failureSeen = true
		case *protocol.DiagnosticsProduced:
			gathered = append(gathered, e.Diagnostics...)
			diagnostics(append([]protocol.Diagnostic(nil), gathered...))
		case *protocol.StandardOutputValueProduced:
			reportDisplay(e, "stdout")
		case *protocol.StandardErrorValueProduced:
			reportDisplay(e, "stderr")
		case *protocol.DisplayedValueProduced, *protocol.DisplayedValueUpdated, *protocol.ReturnValueProduced:
			reportDisplay(e, "")
		}
	}))

	if err := c.send(ctx, cmd); err != nil {
		subscription.dispose()
		if ctx.Err() == nil {
			reportError(err.Error())
		}
		return false, err
	}
	return c.await(ctx, done, subscription)
}

func (c *Client) await(ctx context.Context, done <-chan outcome, sub *subscriptionRef) (bool, error) {
	select {
	case o := <-done:
		return o.ok, o.err
	case <-ctx.Done():
		sub.dispose()
		return false, ctx.Err()
	case <-c.ch.Receiver().Done():
		select {
		case o := <-done:
			return o.ok, o.err
		default:
		}
		sub.dispose()
		return false, c.receiverClosed()
	}
}
