package harness

import (
	"github.com/roach88/kernelbus/internal/protocol"
)

// TraceEvent is one event the client received while running a scenario.
type TraceEvent struct {
	Seq     int                  `json:"seq"`
	Token   string               `json:"token"`
	Command protocol.CommandType `json:"command,omitempty"`
	Event   protocol.EventType   `json:"event"`
	// Detail is a short rendering of the payload for display, value,
	// failure and diagnostic events.
	Detail string `json:"detail,omitempty"`
}

// StepResult is what one step observed.
type StepResult struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	// Error is the failure message of the step's own command.
	Error string `json:"error,omitempty"`
	// Outputs are the rendered outputs for submit, the hover content for
	// hover and the completion labels for completions.
	Outputs     []string `json:"outputs,omitempty"`
	Value       string   `json:"value,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`
	Steps []StepResult `json:"steps"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Values is the value kernel's state after the last step.
	Values map[string]string `json:"values,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepResult{},
		Errors: []string{},
		Values: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
