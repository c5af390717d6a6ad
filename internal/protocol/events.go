package protocol

// EventType is the wire tag of an event payload.
type EventType string

const (
	EventCommandSucceeded                 EventType = "CommandSucceeded"
	EventCommandFailed                    EventType = "CommandFailed"
	EventKernelInfoProduced               EventType = "KernelInfoProduced"
	EventKernelReady                      EventType = "KernelReady"
	EventCodeSubmissionReceived           EventType = "CodeSubmissionReceived"
	EventCompleteCodeSubmissionReceived   EventType = "CompleteCodeSubmissionReceived"
	EventIncompleteCodeSubmissionReceived EventType = "IncompleteCodeSubmissionReceived"
	EventDisplayedValueProduced           EventType = "DisplayedValueProduced"
	EventDisplayedValueUpdated            EventType = "DisplayedValueUpdated"
	EventReturnValueProduced              EventType = "ReturnValueProduced"
	EventStandardOutputValueProduced      EventType = "StandardOutputValueProduced"
	EventStandardErrorValueProduced       EventType = "StandardErrorValueProduced"
	EventErrorProduced                    EventType = "ErrorProduced"
	EventDiagnosticsProduced              EventType = "DiagnosticsProduced"
	EventCompletionsProduced              EventType = "CompletionsProduced"
	EventHoverTextProduced                EventType = "HoverTextProduced"
	EventSignatureHelpProduced            EventType = "SignatureHelpProduced"
	EventValueProduced                    EventType = "ValueProduced"
	EventValueInfosProduced               EventType = "ValueInfosProduced"
	EventInputProduced                    EventType = "InputProduced"
)

// IsTerminal reports whether t ends a command.
func (t EventType) IsTerminal() bool {
	return t == EventCommandSucceeded || t == EventCommandFailed
}

// Event is a typed event payload.
type Event interface {
	EventType() EventType
}

// Displayer is implemented by events that carry renderable values.
type Displayer interface {
	Event
	Display() *DisplayEvent
}

// DisplayEvent holds the fields shared by every display-style event.
// A non-empty ValueID lets later events replace the output in place.
type DisplayEvent struct {
	FormattedValues []FormattedValue `json:"formattedValues"`
	ValueID         string           `json:"valueId,omitempty"`
}

// Display returns the shared display fields.
func (d *DisplayEvent) Display() *DisplayEvent { return d }

type CommandSucceeded struct{}

func (*CommandSucceeded) EventType() EventType { return EventCommandSucceeded }

type CommandFailed struct {
	Message string `json:"message"`
}

func (*CommandFailed) EventType() EventType { return EventCommandFailed }

type KernelInfoProduced struct {
	KernelInfo *KernelInfo `json:"kernelInfo"`
}

func (*KernelInfoProduced) EventType() EventType { return EventKernelInfoProduced }

type KernelReady struct {
	KernelInfos []*KernelInfo `json:"kernelInfos"`
}

func (*KernelReady) EventType() EventType { return EventKernelReady }

type CodeSubmissionReceived struct {
	Code string `json:"code"`
}

func (*CodeSubmissionReceived) EventType() EventType { return EventCodeSubmissionReceived }

type CompleteCodeSubmissionReceived struct {
	Code string `json:"code"`
}

func (*CompleteCodeSubmissionReceived) EventType() EventType {
	return EventCompleteCodeSubmissionReceived
}

type IncompleteCodeSubmissionReceived struct{}

func (*IncompleteCodeSubmissionReceived) EventType() EventType {
	return EventIncompleteCodeSubmissionReceived
}

type DisplayedValueProduced struct{ DisplayEvent }

func (*DisplayedValueProduced) EventType() EventType { return EventDisplayedValueProduced }

type DisplayedValueUpdated struct{ DisplayEvent }

func (*DisplayedValueUpdated) EventType() EventType { return EventDisplayedValueUpdated }

type ReturnValueProduced struct{ DisplayEvent }

func (*ReturnValueProduced) EventType() EventType { return EventReturnValueProduced }

type StandardOutputValueProduced struct{ DisplayEvent }

func (*StandardOutputValueProduced) EventType() EventType { return EventStandardOutputValueProduced }

type StandardErrorValueProduced struct{ DisplayEvent }

func (*StandardErrorValueProduced) EventType() EventType { return EventStandardErrorValueProduced }

type ErrorProduced struct {
	DisplayEvent
	Message string `json:"message"`
}

func (*ErrorProduced) EventType() EventType { return EventErrorProduced }

type DiagnosticsProduced struct {
	Diagnostics          []Diagnostic     `json:"diagnostics"`
	FormattedDiagnostics []FormattedValue `json:"formattedDiagnostics"`
}

func (*DiagnosticsProduced) EventType() EventType { return EventDiagnosticsProduced }

type CompletionsProduced struct {
	LinePositionSpan *LinePositionSpan `json:"linePositionSpan,omitempty"`
	Completions      []CompletionItem  `json:"completions"`
}

func (*CompletionsProduced) EventType() EventType { return EventCompletionsProduced }

type HoverTextProduced struct {
	Content          []FormattedValue  `json:"content"`
	LinePositionSpan *LinePositionSpan `json:"linePositionSpan,omitempty"`
}

func (*HoverTextProduced) EventType() EventType { return EventHoverTextProduced }

type SignatureHelpProduced struct {
	Signatures           []SignatureInformation `json:"signatures"`
	ActiveSignatureIndex int                    `json:"activeSignatureIndex"`
	ActiveParameterIndex int                    `json:"activeParameterIndex"`
}

func (*SignatureHelpProduced) EventType() EventType { return EventSignatureHelpProduced }

type ValueProduced struct {
	Name           string         `json:"name"`
	FormattedValue FormattedValue `json:"formattedValue"`
}

func (*ValueProduced) EventType() EventType { return EventValueProduced }

type ValueInfosProduced struct {
	ValueInfos []KernelValueInfo `json:"valueInfos"`
}

func (*ValueInfosProduced) EventType() EventType { return EventValueInfosProduced }

type InputProduced struct {
	Value string `json:"value"`
}

func (*InputProduced) EventType() EventType { return EventInputProduced }
