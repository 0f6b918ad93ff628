package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope keys written by the gateway on every command. Params may not use them.
const (
	KeyAction        = "action"
	KeyCorrelationID = "correlationId"
	KeyTimestamp     = "timestamp"
	KeySource        = "source"
)

var reservedKeys = map[string]bool{
	KeyAction:        true,
	KeyCorrelationID: true,
	KeyTimestamp:     true,
	KeySource:        true,
}

// CommandMessage is what the gateway publishes on devices/{id}/commands.
// Params are flattened into the top-level object next to the envelope keys,
// which is the shape ESP32 firmware reads ({"action":"SERVO","angle":90,...}).
type CommandMessage struct {
	Action        string
	CorrelationID string
	Timestamp     time.Time
	Source        string
	Params        map[string]any
}

// CheckParams returns ErrReservedParam if params use an envelope key.
func CheckParams(params map[string]any) error {
	for key := range params {
		if reservedKeys[key] {
			return fmt.Errorf("%w: %q", ErrReservedParam, key)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m CommandMessage) MarshalJSON() ([]byte, error) {
	if err := CheckParams(m.Params); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(m.Params)+len(reservedKeys))
	for k, v := range m.Params {
		out[k] = v
	}
	out[KeyAction] = m.Action
	out[KeyCorrelationID] = m.CorrelationID
	out[KeyTimestamp] = m.Timestamp.UnixMilli()
	if m.Source != "" {
		out[KeySource] = m.Source
	}
	return json.Marshal(out)
}

// Ack is the acknowledgement a device publishes on devices/{id}/ack.
type Ack struct {
	CorrelationID string `json:"correlationId"`
	Success       bool   `json:"success"`
	Detail        string `json:"detail,omitempty"`
}

// wireAck detects missing fields; any other key is rejected.
type wireAck struct {
	CorrelationID *string `json:"correlationId"`
	Success       *bool   `json:"success"`
	Detail        *string `json:"detail"`
}

// DecodeAck parses {correlationId, success, detail}. correlationId and
// success are required, detail is optional. Any other shape is a
// *MalformedMessageError with reason malformed_ack.
func DecodeAck(payload []byte) (Ack, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var w wireAck
	if err := dec.Decode(&w); err != nil {
		return Ack{}, malformedAck(fmt.Sprintf("invalid ack: %v", err))
	}
	if dec.More() {
		return Ack{}, malformedAck("trailing data after ack")
	}
	if w.CorrelationID == nil || *w.CorrelationID == "" {
		return Ack{}, malformedAck("correlationId is required")
	}
	if w.Success == nil {
		return Ack{}, malformedAck("success is required")
	}

	ack := Ack{CorrelationID: *w.CorrelationID, Success: *w.Success}
	if w.Detail != nil {
		ack.Detail = *w.Detail
	}
	return ack, nil
}

// EncodeAck is the device-side counterpart of DecodeAck.
func EncodeAck(ack Ack) ([]byte, error) {
	return json.Marshal(ack)
}
