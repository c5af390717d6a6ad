package kernel

import (
	"errors"
	"fmt"
)

// KernelError represents a routing or dispatch failure inside the kernel tree.
//
// Kernel errors include:
//   - Kernel not found: no child resolves a target name or destination uri
//   - Duplicate kernel: a name or alias collides with an existing child
//   - No handler: the kernel does not handle the command type
//   - Routing loop: a proxy saw its own uri on the routing slip
//   - No connector: no connector can reach a remote uri
//   - Handler failed: the remote side reported CommandFailed
//
// A KernelError returned by a handler becomes CommandFailed{Message} on the
// command's exact token.
type KernelError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is the text reported in CommandFailed.
	Message string

	// Kernel names the kernel that raised the error, when known.
	Kernel string

	// Suggestion is a close kernel name for KERNEL_NOT_FOUND.
	Suggestion string
}

// ErrorCode categorizes kernel errors.
type ErrorCode string

const (
	// ErrCodeKernelNotFound indicates no kernel resolves the target.
	ErrCodeKernelNotFound ErrorCode = "KERNEL_NOT_FOUND"

	// ErrCodeDuplicateKernel indicates a name or alias collision on Add.
	ErrCodeDuplicateKernel ErrorCode = "DUPLICATE_KERNEL"

	// ErrCodeNoHandler indicates the command type has no handler.
	ErrCodeNoHandler ErrorCode = "NO_HANDLER"

	// ErrCodeRoutingLoop indicates a proxy dropped a command it already forwarded.
	ErrCodeRoutingLoop ErrorCode = "ROUTING_LOOP"

	// ErrCodeNoConnector indicates no connector reaches a remote uri.
	ErrCodeNoConnector ErrorCode = "NO_CONNECTOR"

	// ErrCodeHandlerFailed indicates a remote kernel reported CommandFailed.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"
)

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Kernel != "" {
		return fmt.Sprintf("%s: %s (kernel=%s)", e.Code, e.Message, e.Kernel)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code ErrorCode) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// IsKernelNotFoundError returns true if the error is a kernel-not-found error.
// Uses errors.As to handle wrapped errors.
func IsKernelNotFoundError(err error) bool { return hasCode(err, ErrCodeKernelNotFound) }

// IsDuplicateKernelError returns true if the error is a name collision.
func IsDuplicateKernelError(err error) bool { return hasCode(err, ErrCodeDuplicateKernel) }

// IsNoHandlerError returns true if the error reports a missing handler.
func IsNoHandlerError(err error) bool { return hasCode(err, ErrCodeNoHandler) }

// IsRoutingLoopError returns true if a proxy dropped the command as a loop.
func IsRoutingLoopError(err error) bool { return hasCode(err, ErrCodeRoutingLoop) }

// IsNoConnectorError returns true if no connector reaches the remote uri.
func IsNoConnectorError(err error) bool { return hasCode(err, ErrCodeNoConnector) }

// IsHandlerFailedError returns true if the remote kernel reported failure.
func IsHandlerFailedError(err error) bool { return hasCode(err, ErrCodeHandlerFailed) }

// NewKernelNotFoundError creates a KernelError for an unresolved target.
func NewKernelNotFoundError(target, suggestion string) *KernelError {
	msg := "kernel not found: " + target
	if suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return &KernelError{
		Code:       ErrCodeKernelNotFound,
		Message:    msg,
		Suggestion: suggestion,
	}
}

// NewNoHandlerError creates a KernelError for an unhandled command type.
func NewNoHandlerError(kernelName, commandType string) *KernelError {
	return &KernelError{
		Code:    ErrCodeNoHandler,
		Message: fmt.Sprintf("no handler found for command type %s", commandType),
		Kernel:  kernelName,
	}
}

// TransportError reports that a command could not be delivered or that the
// channel closed before the command completed.
//
// A TransportError is never turned into CommandFailed: it propagates to the
// original caller, and the document session should be considered dead.
type TransportError struct {
	// Op describes what was being attempted ("send", "receive").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// failureMessage is the CommandFailed text for err.
func failureMessage(err error) string {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Message
	}
	return err.Error()
}
