package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kernelbus/internal/protocol"
)

// Scenario is a scripted notebook session.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the document uri
	// kernels are catalogued under and the golden file name.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Kernel is the default target kernel for steps. Default: "value".
	Kernel string `yaml:"kernel,omitempty"`

	// Setup steps run before Steps and must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`

	// TokenPrefix prefixes the generated command tokens. Default: "t".
	TokenPrefix string `yaml:"token_prefix,omitempty"`
}

// Step is one request. Exactly one of the request fields is set.
type Step struct {
	Submit       string          `yaml:"submit,omitempty"`
	RequestValue string          `yaml:"request_value,omitempty"`
	SendValue    *SendValueStep  `yaml:"send_value,omitempty"`
	Diagnose     string          `yaml:"diagnose,omitempty"`
	Hover        *PositionedCode `yaml:"hover,omitempty"`
	Completions  *PositionedCode `yaml:"completions,omitempty"`

	// Kernel overrides the scenario's default kernel for this step.
	Kernel string `yaml:"kernel,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// SendValueStep stores a value in the kernel.
type SendValueStep struct {
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	MimeType string `yaml:"mime_type,omitempty"`
}

// PositionedCode is code with a cursor, for language-service steps.
type PositionedCode struct {
	Code      string `yaml:"code"`
	Line      int    `yaml:"line"`
	Character int    `yaml:"character"`
}

// Step kinds, as reported in StepResult.Kind.
const (
	StepSubmit       = "submit"
	StepRequestValue = "request_value"
	StepSendValue    = "send_value"
	StepDiagnose     = "diagnose"
	StepHover        = "hover"
	StepCompletions  = "completions"
)

// Kind returns which request the step makes, or "" when none or several
// are set.
func (s Step) Kind() string {
	var kinds []string
	if s.Submit != "" {
		kinds = append(kinds, StepSubmit)
	}
	if s.RequestValue != "" {
		kinds = append(kinds, StepRequestValue)
	}
	if s.SendValue != nil {
		kinds = append(kinds, StepSendValue)
	}
	if s.Diagnose != "" {
		kinds = append(kinds, StepDiagnose)
	}
	if s.Hover != nil {
		kinds = append(kinds, StepHover)
	}
	if s.Completions != nil {
		kinds = append(kinds, StepCompletions)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Expect is checked against a step's StepResult. Unset fields are not
// checked; Outputs and Diagnostics must match exactly when set.
type Expect struct {
	Success     *bool    `yaml:"success,omitempty"`
	Error       string   `yaml:"error,omitempty"`
	Outputs     []string `yaml:"outputs,omitempty"`
	Value       *string  `yaml:"value,omitempty"`
	Diagnostics []string `yaml:"diagnostics,omitempty"`
}

// Assertion validates the trace, the final values or the catalog.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is the event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Token restricts trace_contains and trace_count to one command token.
	Token string `yaml:"token,omitempty"`

	// Detail must be contained in the event's detail (trace_contains).
	Detail string `yaml:"detail,omitempty"`

	// Events is the expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Name is the value name (final_value) or kernel name
	// (catalog_contains).
	Name string `yaml:"name,omitempty"`

	// Value is the expected value (final_value).
	Value string `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertSingleTerminal  = "single_terminal"
	AssertFinalValue      = "final_value"
	AssertCatalogContains = "catalog_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario is LoadScenario for in-memory YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if step.Kind() == "" {
			return fmt.Errorf("setup[%d]: exactly one request is required", i)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}
	for i, step := range s.Steps {
		if step.Kind() == "" {
			return fmt.Errorf("steps[%d]: exactly one request is required", i)
		}
		if step.SendValue != nil && step.SendValue.Name == "" {
			return fmt.Errorf("steps[%d].send_value: name is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if err := validateEventType(index, a.Type, a.Event); err != nil {
			return err
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for _, e := range a.Events {
			if err := validateEventType(index, a.Type, e); err != nil {
				return err
			}
		}
	case AssertTraceCount:
		if err := validateEventType(index, a.Type, a.Event); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertSingleTerminal:
	case AssertFinalValue:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for final_value", index)
		}
	case AssertCatalogContains:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for catalog_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validateEventType(index int, assertionType, event string) error {
	if event == "" {
		return fmt.Errorf("assertions[%d]: event is required for %s", index, assertionType)
	}
	if _, err := protocol.NewEvent(protocol.EventType(event)); err != nil {
		return fmt.Errorf("assertions[%d]: unknown event type %q", index, event)
	}
	return nil
}
