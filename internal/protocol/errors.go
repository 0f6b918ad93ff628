package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrMalformed is matched by every *MalformedMessageError.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrEmptyDeviceID is returned for an empty device id.
	ErrEmptyDeviceID = errors.New("protocol: device id is empty")

	// ErrInvalidDeviceID is returned for ids containing topic separators or wildcards.
	ErrInvalidDeviceID = errors.New("protocol: device id contains '/', '+' or '#'")

	// ErrReservedParam is returned when command params collide with envelope keys.
	ErrReservedParam = errors.New("protocol: parameter name is reserved")
)

// Malformed message reasons, used as metric labels.
const (
	ReasonTopic   = "malformed_topic"
	ReasonPayload = "malformed_payload"
	ReasonAck     = "malformed_ack"
)

// MalformedMessageError reports a topic or payload that could not be parsed.
// It is never fatal: callers count it and drop the message.
type MalformedMessageError struct {
	Reason string
	Topic  string
	Detail string
}

func (e *MalformedMessageError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("protocol: %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("protocol: %s on %q: %s", e.Reason, e.Topic, e.Detail)
}

// Is lets errors.Is(err, ErrMalformed) match.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformed
}

// ReasonOf returns the malformed reason carried by err, or "" if err is not malformed.
func ReasonOf(err error) string {
	var m *MalformedMessageError
	if errors.As(err, &m) {
		return m.Reason
	}
	return ""
}

func malformedTopic(topic, detail string) error {
	return &MalformedMessageError{Reason: ReasonTopic, Topic: topic, Detail: detail}
}

func malformedPayload(detail string) error {
	return &MalformedMessageError{Reason: ReasonPayload, Detail: detail}
}

func malformedAck(detail string) error {
	return &MalformedMessageError{Reason: ReasonAck, Detail: detail}
}
