package client

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/roach88/kernelbus/internal/protocol"
)

// ErrorMIMEType is the mime type of outputs built by DefaultErrorOutput.
const ErrorMIMEType = "application/vnd.code.notebook.error"

// OutputItem is one rendering of an output.
type OutputItem struct {
	MIME   string `json:"mime"`
	Data   []byte `json:"data"`
	Stream string `json:"stream,omitempty"` // "stdout", "stderr" or empty
}

// Output is what a reporter receives for a display, stream or error event.
//
// ID is the event's value id when it has one, otherwise a fresh id. ValueID
// is set only when the event carried one.
type Output struct {
	ID      string       `json:"id"`
	ValueID string       `json:"valueId,omitempty"`
	Items   []OutputItem `json:"items"`
}

// Reporter receives outputs as they are produced.
type Reporter func(Output)

// DiagnosticObserver receives the diagnostics gathered so far for a
// submission, every time more arrive.
type DiagnosticObserver func([]protocol.Diagnostic)

// ErrorOutputCreator renders an error message as an output.
type ErrorOutputCreator func(message, outputID string) Output

// DefaultErrorOutput renders message as a single error item.
func DefaultErrorOutput(message, outputID string) Output {
	data, _ := json.Marshal(struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}{Name: "Error", Message: message})
	return Output{ID: outputID, Items: []OutputItem{{MIME: ErrorMIMEType, Data: data}}}
}

var encodedMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
}

// displayOutput converts a display event. Binary image types arrive base64
// encoded and are decoded; a value that does not decode is kept as text.
func displayOutput(disp *protocol.DisplayEvent, stream string, nextID func() string) Output {
	out := Output{ValueID: disp.ValueID}
	if disp.ValueID != "" {
		out.ID = disp.ValueID
	} else {
		out.ID = nextID()
	}
	for _, fv := range disp.FormattedValues {
		data := []byte(fv.Value)
		if encodedMIMETypes[fv.MimeType] {
			if decoded, err := base64.StdEncoding.DecodeString(fv.Value); err == nil {
				data = decoded
			}
		}
		out.Items = append(out.Items, OutputItem{MIME: fv.MimeType, Data: data, Stream: stream})
	}
	return out
}

// OutputCollection accumulates a cell's outputs.
//
// An output with a ValueID replaces, in place, the earlier output with the
// same ValueID. An output without one is always appended.
//
// Thread-safety: safe for concurrent use.
type OutputCollection struct {
	mu      sync.Mutex
	outputs []Output
}

// Add records o. It can be passed directly as a Reporter.
func (c *OutputCollection) Add(o Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.ValueID != "" {
		for i := range c.outputs {
			if c.outputs[i].ValueID == o.ValueID {
				c.outputs[i] = o
				return
			}
		}
	}
	c.outputs = append(c.outputs, o)
}

// Outputs returns a copy of the collected outputs in display order.
func (c *OutputCollection) Outputs() []Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Output(nil), c.outputs...)
}

// Len returns the number of outputs.
func (c *OutputCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs)
}
