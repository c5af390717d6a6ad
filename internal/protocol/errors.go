package protocol

import (
	"errors"
	"fmt"
)

// ProtocolError represents a wire frame that could not be turned into a
// typed envelope.
//
// Protocol errors include:
//   - Unknown command or event tag
//   - A frame that is neither a command nor an event
//   - A payload that does not match its tag's shape
//
// Receivers drop the frame and log the error; the receive loop continues.
type ProtocolError struct {
	// Code identifies the error category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string

	// Tag is the offending commandType or eventType, when known.
	Tag string

	// Err is the underlying decode error, if any.
	Err error
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeUnknownCommandType indicates a commandType outside the closed set.
	ErrCodeUnknownCommandType ProtocolErrorCode = "UNKNOWN_COMMAND_TYPE"

	// ErrCodeUnknownEventType indicates an eventType outside the closed set.
	ErrCodeUnknownEventType ProtocolErrorCode = "UNKNOWN_EVENT_TYPE"

	// ErrCodeMalformedEnvelope indicates the frame is not a valid envelope.
	ErrCodeMalformedEnvelope ProtocolErrorCode = "MALFORMED_ENVELOPE"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Tag != "" {
		msg += fmt.Sprintf(" (tag=%s)", e.Tag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying decode error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsUnknownTypeError returns true for unknown command or event tags.
// Uses errors.As to handle wrapped errors.
func IsUnknownTypeError(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == ErrCodeUnknownCommandType || pe.Code == ErrCodeUnknownEventType
	}
	return false
}

func malformed(msg string, err error) *ProtocolError {
	return &ProtocolError{Code: ErrCodeMalformedEnvelope, Message: msg, Err: err}
}
