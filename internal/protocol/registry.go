package protocol

import (
	"slices"
)

var commandFactories = map[CommandType]func() Command{
	CommandSubmitCode:           func() Command { return &SubmitCode{} },
	CommandCancel:               func() Command { return &Cancel{} },
	CommandQuit:                 func() Command { return &Quit{} },
	CommandRequestKernelInfo:    func() Command { return &RequestKernelInfo{} },
	CommandRequestCompletions:   func() Command { return &RequestCompletions{} },
	CommandRequestHoverText:     func() Command { return &RequestHoverText{} },
	CommandRequestSignatureHelp: func() Command { return &RequestSignatureHelp{} },
	CommandRequestDiagnostics:   func() Command { return &RequestDiagnostics{} },
	CommandRequestValue:         func() Command { return &RequestValue{} },
	CommandRequestValueInfos:    func() Command { return &RequestValueInfos{} },
	CommandRequestInput:         func() Command { return &RequestInput{} },
	CommandSendEditableCode:     func() Command { return &SendEditableCode{} },
	CommandSendValue:            func() Command { return &SendValue{} },
	CommandDisplayValue:         func() Command { return &DisplayValue{} },
	CommandUpdateDisplayedValue: func() Command { return &UpdateDisplayedValue{} },
	CommandDisplayError:         func() Command { return &DisplayError{} },
}

var eventFactories = map[EventType]func() Event{
	EventCommandSucceeded:                 func() Event { return &CommandSucceeded{} },
	EventCommandFailed:                    func() Event { return &CommandFailed{} },
	EventKernelInfoProduced:               func() Event { return &KernelInfoProduced{} },
	EventKernelReady:                      func() Event { return &KernelReady{} },
	EventCodeSubmissionReceived:           func() Event { return &CodeSubmissionReceived{} },
	EventCompleteCodeSubmissionReceived:   func() Event { return &CompleteCodeSubmissionReceived{} },
	EventIncompleteCodeSubmissionReceived: func() Event { return &IncompleteCodeSubmissionReceived{} },
	EventDisplayedValueProduced:           func() Event { return &DisplayedValueProduced{} },
	EventDisplayedValueUpdated:            func() Event { return &DisplayedValueUpdated{} },
	EventReturnValueProduced:              func() Event { return &ReturnValueProduced{} },
	EventStandardOutputValueProduced:      func() Event { return &StandardOutputValueProduced{} },
	EventStandardErrorValueProduced:       func() Event { return &StandardErrorValueProduced{} },
	EventErrorProduced:                    func() Event { return &ErrorProduced{} },
	EventDiagnosticsProduced:              func() Event { return &DiagnosticsProduced{} },
	EventCompletionsProduced:              func() Event { return &CompletionsProduced{} },
	EventHoverTextProduced:                func() Event { return &HoverTextProduced{} },
	EventSignatureHelpProduced:            func() Event { return &SignatureHelpProduced{} },
	EventValueProduced:                    func() Event { return &ValueProduced{} },
	EventValueInfosProduced:               func() Event { return &ValueInfosProduced{} },
	EventInputProduced:                    func() Event { return &InputProduced{} },
}

// NewCommand returns an empty payload for t.
func NewCommand(t CommandType) (Command, error) {
	f, ok := commandFactories[t]
	if !ok {
		return nil, &ProtocolError{
			Code:    ErrCodeUnknownCommandType,
			Message: "unrecognized command type",
			Tag:     string(t),
		}
	}
	return f(), nil
}

// NewEvent returns an empty payload for t.
func NewEvent(t EventType) (Event, error) {
	f, ok := eventFactories[t]
	if !ok {
		return nil, &ProtocolError{
			Code:    ErrCodeUnknownEventType,
			Message: "unrecognized event type",
			Tag:     string(t),
		}
	}
	return f(), nil
}

// CommandTypes lists every known command type in sorted order.
func CommandTypes() []CommandType {
	out := make([]CommandType, 0, len(commandFactories))
	for t := range commandFactories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// EventTypes lists every known event type in sorted order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventFactories))
	for t := range eventFactories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
