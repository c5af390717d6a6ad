package protocol

// CommandType is the wire tag of a command payload.
type CommandType string

const (
	CommandSubmitCode           CommandType = "SubmitCode"
	CommandCancel               CommandType = "Cancel"
	CommandQuit                 CommandType = "Quit"
	CommandRequestKernelInfo    CommandType = "RequestKernelInfo"
	CommandRequestCompletions   CommandType = "RequestCompletions"
	CommandRequestHoverText     CommandType = "RequestHoverText"
	CommandRequestSignatureHelp CommandType = "RequestSignatureHelp"
	CommandRequestDiagnostics   CommandType = "RequestDiagnostics"
	CommandRequestValue         CommandType = "RequestValue"
	CommandRequestValueInfos    CommandType = "RequestValueInfos"
	CommandRequestInput         CommandType = "RequestInput"
	CommandSendEditableCode     CommandType = "SendEditableCode"
	CommandSendValue            CommandType = "SendValue"
	CommandDisplayValue         CommandType = "DisplayValue"
	CommandUpdateDisplayedValue CommandType = "UpdateDisplayedValue"
	CommandDisplayError         CommandType = "DisplayError"
)

// IsLanguageService reports whether t is an editor assistance request.
// Kernels without a handler for these answer with a bare CommandSucceeded.
func (t CommandType) IsLanguageService() bool {
	switch t {
	case CommandRequestCompletions, CommandRequestHoverText,
		CommandRequestSignatureHelp, CommandRequestDiagnostics:
		return true
	}
	return false
}

// Command is a typed command payload.
//
// All implementations embed KernelCommand, which supplies the target-name
// accessors.
type Command interface {
	CommandType() CommandType
	TargetKernel() string
	SetTargetKernel(name string)
}

// KernelCommand holds the fields common to every command payload.
type KernelCommand struct {
	TargetKernelName string `json:"targetKernelName,omitempty"`
}

// TargetKernel returns the requested kernel name, or "".
func (c *KernelCommand) TargetKernel() string { return c.TargetKernelName }

// SetTargetKernel sets the requested kernel name.
func (c *KernelCommand) SetTargetKernel(name string) { c.TargetKernelName = name }

// SubmissionType distinguishes running code from merely diagnosing it.
type SubmissionType string

const (
	SubmissionRun      SubmissionType = "run"
	SubmissionDiagnose SubmissionType = "diagnose"
)

type SubmitCode struct {
	KernelCommand
	Code           string            `json:"code"`
	SubmissionType SubmissionType    `json:"submissionType,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

func (*SubmitCode) CommandType() CommandType { return CommandSubmitCode }

type Cancel struct{ KernelCommand }

func (*Cancel) CommandType() CommandType { return CommandCancel }

type Quit struct{ KernelCommand }

func (*Quit) CommandType() CommandType { return CommandQuit }

type RequestKernelInfo struct{ KernelCommand }

func (*RequestKernelInfo) CommandType() CommandType { return CommandRequestKernelInfo }

// LanguageServiceCommand is the shared shape of position-based requests.
type LanguageServiceCommand struct {
	KernelCommand
	Code         string       `json:"code"`
	LinePosition LinePosition `json:"linePosition"`
}

type RequestCompletions struct{ LanguageServiceCommand }

func (*RequestCompletions) CommandType() CommandType { return CommandRequestCompletions }

type RequestHoverText struct{ LanguageServiceCommand }

func (*RequestHoverText) CommandType() CommandType { return CommandRequestHoverText }

type RequestSignatureHelp struct{ LanguageServiceCommand }

func (*RequestSignatureHelp) CommandType() CommandType { return CommandRequestSignatureHelp }

type RequestDiagnostics struct {
	KernelCommand
	Code string `json:"code"`
}

func (*RequestDiagnostics) CommandType() CommandType { return CommandRequestDiagnostics }

type RequestValue struct {
	KernelCommand
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

func (*RequestValue) CommandType() CommandType { return CommandRequestValue }

type RequestValueInfos struct {
	KernelCommand
	MimeType string `json:"mimeType,omitempty"`
}

func (*RequestValueInfos) CommandType() CommandType { return CommandRequestValueInfos }

// RequestInput asks the front-end to prompt the user.
type RequestInput struct {
	KernelCommand
	Prompt        string `json:"prompt"`
	IsPassword    bool   `json:"isPassword"`
	Type          string `json:"type,omitempty"`
	ParameterName string `json:"parameterName,omitempty"`
	SaveAs        string `json:"saveAs,omitempty"`
}

func (*RequestInput) CommandType() CommandType { return CommandRequestInput }

// SendEditableCode asks the front-end to insert a new cell.
type SendEditableCode struct {
	KernelCommand
	KernelName       string `json:"kernelName"`
	Code             string `json:"code"`
	InsertAtPosition *int   `json:"insertAtPosition,omitempty"`
}

func (*SendEditableCode) CommandType() CommandType { return CommandSendEditableCode }

type SendValue struct {
	KernelCommand
	Name           string         `json:"name"`
	FormattedValue FormattedValue `json:"formattedValue"`
}

func (*SendValue) CommandType() CommandType { return CommandSendValue }

type DisplayValue struct {
	KernelCommand
	FormattedValue FormattedValue `json:"formattedValue"`
	ValueID        string         `json:"valueId"`
}

func (*DisplayValue) CommandType() CommandType { return CommandDisplayValue }

type UpdateDisplayedValue struct {
	KernelCommand
	FormattedValue FormattedValue `json:"formattedValue"`
	ValueID        string         `json:"valueId"`
}

func (*UpdateDisplayedValue) CommandType() CommandType { return CommandUpdateDisplayedValue }

type DisplayError struct {
	KernelCommand
	Message string `json:"message"`
}

func (*DisplayError) CommandType() CommandType { return CommandDisplayError }
