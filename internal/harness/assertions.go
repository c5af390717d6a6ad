package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/kernelbus/internal/protocol"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Token, event.Event)
			if event.Detail != "" {
				fmt.Fprintf(&buf, " %q", event.Detail)
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func matchesEvent(event TraceEvent, assertion Assertion) bool {
	if string(event.Event) != assertion.Event {
		return false
	}
	if assertion.Token != "" && event.Token != assertion.Token {
		return false
	}
	return strings.Contains(event.Detail, assertion.Detail)
}

// assertTraceContains checks that an event of the given type (and token
// and detail, when set) was received.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			return nil
		}
	}

	expected := assertion.Event
	if assertion.Token != "" {
		expected += " for token " + assertion.Token
	}
	if assertion.Detail != "" {
		expected += fmt.Sprintf(" with detail containing %q", assertion.Detail)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the event types first appear in the given
// order. Events don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for _, event := range trace {
		name := string(event.Event)
		if positions[name] == 0 {
			positions[name] = event.Seq
		}
	}

	for _, name := range assertion.Events {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", name),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev := assertion.Events[i-1]
		curr := assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the event type appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertSingleTerminal checks that every token carrying events saw exactly
// one CommandSucceeded or CommandFailed.
func assertSingleTerminal(trace []TraceEvent) error {
	terminals := make(map[string]int)
	var tokens []string
	for _, event := range trace {
		if _, seen := terminals[event.Token]; !seen {
			tokens = append(tokens, event.Token)
			terminals[event.Token] = 0
		}
		if event.Event == protocol.EventCommandSucceeded || event.Event == protocol.EventCommandFailed {
			terminals[event.Token]++
		}
	}

	var bad []string
	for _, token := range tokens {
		if n := terminals[token]; n != 1 {
			bad = append(bad, fmt.Sprintf("%s has %d", token, n))
		}
	}
	if len(bad) > 0 {
		return &AssertionError{
			Type:     AssertSingleTerminal,
			Expected: "exactly one terminal event per token",
			Actual:   strings.Join(bad, ", "),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalValue checks the value kernel's state after the steps.
func assertFinalValue(values map[string]string, assertion Assertion) error {
	actual, ok := values[assertion.Name]
	if !ok {
		names := make([]string, 0, len(values))
		for n := range values {
			names = append(names, n)
		}
		sort.Strings(names)
		return &AssertionError{
			Type:     AssertFinalValue,
			Expected: fmt.Sprintf("%s = %q", assertion.Name, assertion.Value),
			Actual:   fmt.Sprintf("%s not defined; defined: %v", assertion.Name, names),
		}
	}
	if actual != assertion.Value {
		return &AssertionError{
			Type:     AssertFinalValue,
			Expected: fmt.Sprintf("%s = %q", assertion.Name, assertion.Value),
			Actual:   fmt.Sprintf("%s = %q", assertion.Name, actual),
		}
	}
	return nil
}

// KernelCatalog is the part of the kernel catalog assertions read.
type KernelCatalog interface {
	KernelInfos(ctx context.Context, documentURI string) ([]*protocol.KernelInfo, error)
}

// assertCatalogContains checks that the catalog recorded a kernel named
// Name for the scenario's document.
func assertCatalogContains(ctx context.Context, catalog KernelCatalog, documentURI string, assertion Assertion) error {
	infos, err := catalog.KernelInfos(ctx, documentURI)
	if err != nil {
		return &AssertionError{
			Type:     AssertCatalogContains,
			Expected: fmt.Sprintf("kernel %s catalogued", assertion.Name),
			Actual:   fmt.Sprintf("catalog error: %v", err),
		}
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		for _, n := range info.Names() {
			if n == protocol.NormalizeName(assertion.Name) {
				return nil
			}
		}
		names = append(names, info.LocalName)
	}
	return &AssertionError{
		Type:     AssertCatalogContains,
		Expected: fmt.Sprintf("kernel %s catalogued", assertion.Name),
		Actual:   fmt.Sprintf("catalogued kernels: %v", names),
	}
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx         context.Context
	Catalog     KernelCatalog
	DocumentURI string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides catalog access for catalog_contains.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertSingleTerminal:
			err = assertSingleTerminal(result.Trace)
		case AssertFinalValue:
			err = assertFinalValue(result.Values, assertion)
		case AssertCatalogContains:
			if actx == nil || actx.Catalog == nil {
				err = fmt.Errorf("assertion[%d]: catalog_contains requires a catalog", i)
			} else {
				err = assertCatalogContains(actx.Ctx, actx.Catalog, actx.DocumentURI, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
