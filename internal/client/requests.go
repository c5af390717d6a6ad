package client

import (
	"context"
	"fmt"

	"github.com/roach88/kernelbus/internal/protocol"
)

// SubmitCommandAndGetResult sends command and blocks until an event of type
// expected arrives under its token.
//
// If the command's own CommandSucceeded comes first, the result is nil when
// optional is set and ErrNoResult otherwise. Its own CommandFailed is
// returned as a *CommandFailedError. token may be empty.
func (c *Client) SubmitCommandAndGetResult(ctx context.Context, command protocol.Command, expected protocol.EventType, optional bool, token string) (protocol.Event, error) {
	type result struct {
		event protocol.Event
		err   error
	}

	t := c.newToken(token)
	env := protocol.NewCommandEnvelope(command)
	env.SetToken(t)

	done := make(chan result, 1)
	subscription := new(subscriptionRef)
	handled := false
	settle := func(r result) {
		if handled {
			return
		}
		handled = true
		subscription.dispose()
		done <- r
	}

	subscription.set(c.subscribe(t.String(), func(ev *protocol.EventEnvelope) {
		exact := ev.Token().Equal(t)
		switch {
		case exact && ev.EventType == protocol.EventCommandFailed:
			failed := ev.Event.(*protocol.CommandFailed)
			settle(result{err: &CommandFailedError{Token: t.String(), Message: failed.Message}})
		case ev.EventType == expected && (exact || !ev.IsTerminal()):
			settle(result{event: ev.Event})
		case exact && ev.EventType == protocol.EventCommandSucceeded:
			if optional {
				settle(result{})
				return
			}
			settle(result{err: ErrNoResult})
		}
	}))

	if err := c.send(ctx, env); err != nil {
		subscription.dispose()
		return nil, err
	}

	select {
	case r := <-done:
		return r.event, r.err
	case <-ctx.Done():
		subscription.dispose()
		return nil, ctx.Err()
	case <-c.ch.Receiver().Done():
		select {
		case r := <-done:
			return r.event, r.err
		default:
		}
		subscription.dispose()
		return nil, c.receiverClosed()
	}
}

// submitAndGet is SubmitCommandAndGetResult for a required result of a
// known payload type.
func submitAndGet[T protocol.Event](ctx context.Context, c *Client, command protocol.Command, expected protocol.EventType, token string) (T, error) {
	var zero T
	ev, err := c.SubmitCommandAndGetResult(ctx, command, expected, false, token)
	if err != nil {
		return zero, err
	}
	typed, ok := ev.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s payload %T", expected, ev)
	}
	return typed, nil
}

func languageService(kernelName, code string, line, character int) protocol.LanguageServiceCommand {
	return protocol.LanguageServiceCommand{
		KernelCommand: protocol.KernelCommand{TargetKernelName: kernelName},
		Code:          code,
		LinePosition:  protocol.LinePosition{Line: line, Character: character},
	}
}

// Completion asks kernelName for completions at line and character of code.
func (c *Client) Completion(ctx context.Context, kernelName, code string, line, character int, token string) (*protocol.CompletionsProduced, error) {
	cmd := &protocol.RequestCompletions{LanguageServiceCommand: languageService(kernelName, code, line, character)}
	return submitAndGet[*protocol.CompletionsProduced](ctx, c, cmd, protocol.EventCompletionsProduced, token)
}

// Hover asks kernelName for hover text at line and character of code.
func (c *Client) Hover(ctx context.Context, kernelName, code string, line, character int, token string) (*protocol.HoverTextProduced, error) {
	cmd := &protocol.RequestHoverText{LanguageServiceCommand: languageService(kernelName, code, line, character)}
	return submitAndGet[*protocol.HoverTextProduced](ctx, c, cmd, protocol.EventHoverTextProduced, token)
}

// SignatureHelp asks kernelName for signature help at line and character
// of code.
func (c *Client) SignatureHelp(ctx context.Context, kernelName, code string, line, character int, token string) (*protocol.SignatureHelpProduced, error) {
	cmd := &protocol.RequestSignatureHelp{LanguageServiceCommand: languageService(kernelName, code, line, character)}
	return submitAndGet[*protocol.SignatureHelpProduced](ctx, c, cmd, protocol.EventSignatureHelpProduced, token)
}

// GetDiagnostics asks kernelName to diagnose code without running it.
func (c *Client) GetDiagnostics(ctx context.Context, kernelName, code, token string) ([]protocol.Diagnostic, error) {
	cmd := &protocol.RequestDiagnostics{KernelCommand: protocol.KernelCommand{TargetKernelName: kernelName}, Code: code}
	produced, err := submitAndGet[*protocol.DiagnosticsProduced](ctx, c, cmd, protocol.EventDiagnosticsProduced, token)
	if err != nil {
		return nil, err
	}
	return produced.Diagnostics, nil
}

// RequestValueInfos lists the values kernelName holds.
func (c *Client) RequestValueInfos(ctx context.Context, kernelName string) (*protocol.ValueInfosProduced, error) {
	cmd := &protocol.RequestValueInfos{
		KernelCommand: protocol.KernelCommand{TargetKernelName: kernelName},
		MimeType:      "text/plain+summary",
	}
	return submitAndGet[*protocol.ValueInfosProduced](ctx, c, cmd, protocol.EventValueInfosProduced, "")
}

// RequestValue fetches the value named name from kernelName as text/plain.
func (c *Client) RequestValue(ctx context.Context, name, kernelName string) (*protocol.ValueProduced, error) {
	cmd := &protocol.RequestValue{
		KernelCommand: protocol.KernelCommand{TargetKernelName: kernelName},
		Name:          name,
		MimeType:      "text/plain",
	}
	return submitAndGet[*protocol.ValueProduced](ctx, c, cmd, protocol.EventValueProduced, "")
}

// Cancel asks the remote host to cancel running work and waits for the
// Cancel command to complete.
func (c *Client) Cancel(ctx context.Context, token string) error {
	_, err := c.SubmitCommandAndGetResult(ctx, &protocol.Cancel{}, protocol.EventCommandSucceeded, false, token)
	return err
}
