package client

import (
	"errors"
	"fmt"
)

// ErrSessionFailed marks a client whose channel failed. Every later request
// fails with it; a new client is needed.
var ErrSessionFailed = errors.New("session failed")

// ErrNoResult is returned when a command succeeded without producing the
// event its caller waited for.
var ErrNoResult = errors.New("command was handled before reporting expected result")

// CommandFailedError reports a CommandFailed for the exact token a caller
// was waiting on.
type CommandFailedError struct {
	Token   string
	Message string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Token, e.Message)
}

// IsCommandFailedError returns true if err is a CommandFailedError.
func IsCommandFailedError(err error) bool {
	var cfe *CommandFailedError
	return errors.As(err, &cfe)
}
