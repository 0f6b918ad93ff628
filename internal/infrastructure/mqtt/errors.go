package mqtt

import (
	"errors"
	"fmt"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or invalid topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)

// ConnectionError reports that the broker could not be reached or refused
// the session (network failure, bad credentials, timeout).
//
// It unwraps to both ErrConnectionFailed and the underlying cause, so
// errors.Is(err, ErrConnectionFailed) holds for every ConnectionError.
type ConnectionError struct {
	Broker   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("mqtt: connection to %s failed after %d attempts: %v", e.Broker, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mqtt: connection to %s failed: %v", e.Broker, e.Err)
}

// Unwrap exposes the sentinel and the cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}
