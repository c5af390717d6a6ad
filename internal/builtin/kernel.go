// Package builtin provides the value kernel: a small in-process kernel that
// stores named text values and runs a line-oriented statement language.
//
// It is what `kernelbus serve` hosts and what the scenario harness runs
// against, so it exercises every command type a real language kernel
// answers: code submission, diagnostics, completions, hover, signature
// help, value sharing and display.
//
// A submission is one statement per line:
//
//	name = value      store value under name
//	print TEXT        standard output
//	eprint TEXT       standard error
//	display TEXT      a displayed value
//	throw TEXT        fail the submission
//	name              evaluate; the last line's value is the return value
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/roach88/kernelbus/internal/kernel"
	"github.com/roach88/kernelbus/internal/protocol"
)

// Name is the default kernel name.
const Name = "value"

const maxSuggestionDistance = 2

// Kernel is the value kernel.
//
// Thread-safety: safe for concurrent use. Statements of one submission run
// in order; values set by concurrent submissions interleave.
type Kernel struct {
	*kernel.Base

	mu     sync.RWMutex
	values map[string]string
}

// New creates a value kernel named name.
func New(name string, opts ...kernel.Option) *Kernel {
	opts = append([]kernel.Option{
		kernel.WithLanguage("kernelbus-value", "1.0"),
		kernel.WithDisplayName("Value"),
	}, opts...)

	k := &Kernel{
		Base:   kernel.New(name, opts...),
		values: make(map[string]string),
	}
	k.RegisterCommandHandler(protocol.CommandSubmitCode, k.submitCode)
	k.RegisterCommandHandler(protocol.CommandRequestDiagnostics, k.requestDiagnostics)
	k.RegisterCommandHandler(protocol.CommandRequestCompletions, k.requestCompletions)
	k.RegisterCommandHandler(protocol.CommandRequestHoverText, k.requestHoverText)
	k.RegisterCommandHandler(protocol.CommandRequestSignatureHelp, k.requestSignatureHelp)
	k.RegisterCommandHandler(protocol.CommandRequestValue, k.requestValue)
	k.RegisterCommandHandler(protocol.CommandRequestValueInfos, k.requestValueInfos)
	k.RegisterCommandHandler(protocol.CommandSendValue, k.sendValue)
	k.RegisterCommandHandler(protocol.CommandDisplayValue, k.displayValue)
	k.RegisterCommandHandler(protocol.CommandUpdateDisplayedValue, k.updateDisplayedValue)
	return k
}

// Set stores value under name.
func (k *Kernel) Set(name, value string) error {
	if !isIdentifier(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[name] = value
	return nil
}

// Get returns the value stored under name.
func (k *Kernel) Get(name string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[name]
	return v, ok
}

// Names returns the stored names, sorted.
func (k *Kernel) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.values))
	for n := range k.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (k *Kernel) submitCode(ctx context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.SubmitCode)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	inv.Publish(&protocol.CodeSubmissionReceived{Code: cmd.Code})

	stmts, diags := parse(cmd.Code)
	if len(diags) > 0 {
		inv.Publish(&protocol.DiagnosticsProduced{Diagnostics: diags})
		return errors.New(diags[0].Message)
	}
	inv.Publish(&protocol.CompleteCodeSubmissionReceived{Code: cmd.Code})

	for i, st := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch st.op {
		case opAssign:
			if err := k.Set(st.name, st.text); err != nil {
				return err
			}
		case opPrint:
			inv.Publish(&protocol.StandardOutputValueProduced{DisplayEvent: plainText(st.text)})
		case opEprint:
			inv.Publish(&protocol.StandardErrorValueProduced{DisplayEvent: plainText(st.text)})
		case opDisplay:
			inv.Publish(&protocol.DisplayedValueProduced{DisplayEvent: plainText(st.text)})
		case opThrow:
			return errors.New(st.text)
		case opEval:
			v, ok := k.Get(st.name)
			if !ok {
				return k.undefinedError(st.name)
			}
			if i == len(stmts)-1 {
				inv.Publish(&protocol.ReturnValueProduced{DisplayEvent: plainText(v)})
			} else {
				inv.Publish(&protocol.DisplayedValueProduced{DisplayEvent: plainText(v)})
			}
		}
	}
	return nil
}

func plainText(v string) protocol.DisplayEvent {
	return protocol.DisplayEvent{FormattedValues: []protocol.FormattedValue{{MimeType: "text/plain", Value: v}}}
}

func (k *Kernel) undefinedError(name string) error {
	if s := k.suggest(name); s != "" {
		return fmt.Errorf("%s is not defined (did you mean %s?)", name, s)
	}
	return fmt.Errorf("%s is not defined", name)
}

func (k *Kernel) suggest(name string) string {
	best, bestDist := "", maxSuggestionDistance+1
	for _, candidate := range k.Names() {
		d := levenshtein.ComputeDistance(name, candidate)
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

// requestDiagnostics reports parse errors and reads of names that are
// neither stored nor assigned earlier in the same code.
func (k *Kernel) requestDiagnostics(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestDiagnostics)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	stmts, diags := parse(cmd.Code)
	lines := strings.Split(cmd.Code, "\n")

	defined := make(map[string]bool)
	for _, n := range k.Names() {
		defined[n] = true
	}
	for _, st := range stmts {
		switch st.op {
		case opAssign:
			defined[st.name] = true
		case opEval:
			if !defined[st.name] {
				d := diagnostic(st.line, lines[st.line], "VK003", k.undefinedError(st.name).Error())
				d.Severity = protocol.SeverityWarning
				diags = append(diags, d)
			}
		}
	}
	sort.SliceStable(diags, func(i, j int) bool {
		return diags[i].LinePositionSpan.Start.Line < diags[j].LinePositionSpan.Start.Line
	})
	inv.Publish(&protocol.DiagnosticsProduced{Diagnostics: diags})
	return nil
}

func (k *Kernel) requestCompletions(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestCompletions)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	word, span, _ := wordAt(cmd.Code, cmd.LinePosition)
	prefix := word
	if n := cmd.LinePosition.Character - span.Start.Character; n >= 0 && n < len([]rune(word)) {
		prefix = string([]rune(word)[:n])
	}

	var items []protocol.CompletionItem
	kws := make([]string, 0, len(keywords))
	for kw := range keywords {
		kws = append(kws, kw)
	}
	sort.Strings(kws)
	for _, kw := range kws {
		if strings.HasPrefix(kw, prefix) {
			items = append(items, completion(kw, "Keyword", keywords[kw].doc))
		}
	}
	for _, n := range k.Names() {
		if strings.HasPrefix(n, prefix) {
			items = append(items, completion(n, "Variable", ""))
		}
	}
	inv.Publish(&protocol.CompletionsProduced{LinePositionSpan: &span, Completions: items})
	return nil
}

func completion(text, kind, doc string) protocol.CompletionItem {
	return protocol.CompletionItem{
		DisplayText:   text,
		Kind:          kind,
		FilterText:    text,
		SortText:      text,
		InsertText:    text,
		Documentation: doc,
	}
}

// requestHoverText describes the keyword or stored name under the cursor.
// Nothing is published for any other position.
func (k *Kernel) requestHoverText(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestHoverText)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	word, span, found := wordAt(cmd.Code, cmd.LinePosition)
	if !found {
		return nil
	}

	var text string
	if kw, ok := keywords[word]; ok {
		text = kw.doc
	} else if v, ok := k.Get(word); ok {
		text = fmt.Sprintf("`%s` = %q", word, v)
	} else {
		return nil
	}
	inv.Publish(&protocol.HoverTextProduced{
		Content:          []protocol.FormattedValue{{MimeType: "text/markdown", Value: text}},
		LinePositionSpan: &span,
	})
	return nil
}

func (k *Kernel) requestSignatureHelp(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestSignatureHelp)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	lines := strings.Split(cmd.Code, "\n")
	if cmd.LinePosition.Line < 0 || cmd.LinePosition.Line >= len(lines) {
		return nil
	}
	word, _, _ := strings.Cut(strings.TrimSpace(lines[cmd.LinePosition.Line]), " ")
	kw, ok := keywords[word]
	if !ok {
		return nil
	}
	inv.Publish(&protocol.SignatureHelpProduced{
		Signatures: []protocol.SignatureInformation{{
			Label:         word + " TEXT",
			Documentation: protocol.FormattedValue{MimeType: "text/plain", Value: kw.doc},
			Parameters: []protocol.ParameterInformation{{
				Label:         "TEXT",
				Documentation: protocol.FormattedValue{MimeType: "text/plain", Value: "the rest of the line"},
			}},
		}},
	})
	return nil
}

func (k *Kernel) requestValue(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestValue)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	v, found := k.Get(cmd.Name)
	if !found {
		return fmt.Errorf("value '%s' not found in kernel %s", cmd.Name, k.Name())
	}
	fv, err := format(v, cmd.MimeType)
	if err != nil {
		return err
	}
	inv.Publish(&protocol.ValueProduced{Name: cmd.Name, FormattedValue: fv})
	return nil
}

func (k *Kernel) requestValueInfos(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.RequestValueInfos)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	infos := []protocol.KernelValueInfo{}
	for _, n := range k.Names() {
		v, _ := k.Get(n)
		fv, err := format(v, cmd.MimeType)
		if err != nil {
			return err
		}
		infos = append(infos, protocol.KernelValueInfo{
			Name:               n,
			TypeName:           "string",
			FormattedValue:     fv,
			PreferredMimeTypes: []string{"text/plain"},
		})
	}
	inv.Publish(&protocol.ValueInfosProduced{ValueInfos: infos})
	return nil
}

// format renders v as mimeType. text/plain is the default; JSON types get
// a JSON string.
func format(v, mimeType string) (protocol.FormattedValue, error) {
	switch mimeType {
	case "", "text/plain", "text/plain+summary":
		if mimeType == "" {
			mimeType = "text/plain"
		}
		return protocol.FormattedValue{MimeType: mimeType, Value: v}, nil
	case "application/json":
		b, err := json.Marshal(v)
		if err != nil {
			return protocol.FormattedValue{}, err
		}
		return protocol.FormattedValue{MimeType: mimeType, Value: string(b)}, nil
	default:
		return protocol.FormattedValue{}, fmt.Errorf("unsupported mime type %s", mimeType)
	}
}

func (k *Kernel) sendValue(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.SendValue)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	value := cmd.FormattedValue.Value
	if cmd.FormattedValue.MimeType == "application/json" {
		var s string
		if err := json.Unmarshal([]byte(value), &s); err == nil {
			value = s
		}
	}
	return k.Set(cmd.Name, value)
}

func (k *Kernel) displayValue(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.DisplayValue)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	inv.Publish(&protocol.DisplayedValueProduced{DisplayEvent: protocol.DisplayEvent{
		FormattedValues: []protocol.FormattedValue{cmd.FormattedValue},
		ValueID:         cmd.ValueID,
	}})
	return nil
}

func (k *Kernel) updateDisplayedValue(_ context.Context, inv *kernel.Invocation) error {
	cmd, ok := inv.Command.Command.(*protocol.UpdateDisplayedValue)
	if !ok {
		return fmt.Errorf("unexpected payload %T", inv.Command.Command)
	}
	inv.Publish(&protocol.DisplayedValueUpdated{DisplayEvent: protocol.DisplayEvent{
		FormattedValues: []protocol.FormattedValue{cmd.FormattedValue},
		ValueID:         cmd.ValueID,
	}})
	return nil
}
