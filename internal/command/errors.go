package command

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors for the command package.
var (
	// ErrInvalidTarget is matched by every *InvalidTargetError.
	ErrInvalidTarget = errors.New("command: invalid target")

	// ErrInvalidAction is returned for an empty or oversized action name.
	ErrInvalidAction = errors.New("command: invalid action")

	// ErrCommandTimeout is matched by every *CommandTimeoutError.
	ErrCommandTimeout = errors.New("command: timed out")

	// ErrCommandNotFound is returned for an unknown or pruned correlation id.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrPublishFailed is returned when the transport refuses a command.
	ErrPublishFailed = errors.New("command: publish failed")

	// ErrClosed is returned after the dispatcher has been closed.
	ErrClosed = errors.New("command: dispatcher closed")
)

// InvalidTargetError is returned synchronously when a command names a
// device that is not registered. Nothing is published.
type InvalidTargetError struct {
	DeviceID string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("command: device %q is not registered", e.DeviceID)
}

func (e *InvalidTargetError) Unwrap() error {
	return ErrInvalidTarget
}

// CommandTimeoutError is the terminal error of a command that received no
// acknowledgement in time. It is never retried automatically.
type CommandTimeoutError struct {
	CorrelationID string
	DeviceID      string
	Timeout       time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command: %s to %q not acknowledged within %v", e.CorrelationID, e.DeviceID, e.Timeout)
}

func (e *CommandTimeoutError) Unwrap() error {
	return ErrCommandTimeout
}
