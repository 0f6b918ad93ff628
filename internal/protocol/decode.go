package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"
)

// Reading is one decoded device message.
type Reading struct {
	// Fields holds the sensor values: float64, bool, string, or nil.
	// Connection metadata and timestamps are lifted out of it.
	Fields map[string]any

	// ReportedAt is the device-supplied timestamp, zero if absent or not wall-clock.
	ReportedAt time.Time

	// Status is the device-reported status string, if any ("online", "offline", "rebooting"...).
	Status string

	// SignalStrength is the reported RSSI in dBm, if any.
	SignalStrength *int

	// Uptime is the reported uptime counter, if any.
	Uptime *int64
}

// GoingOffline reports whether the device announced it is going offline.
func (r Reading) GoingOffline() bool {
	return strings.EqualFold(r.Status, "offline")
}

// Decoder turns a raw payload into a Reading. Implementations must be safe
// for concurrent use.
type Decoder interface {
	Decode(channel Channel, payload []byte) (Reading, error)
}

// Well-known keys lifted out of the flat payload.
var (
	timestampKeys = []string{"timestamp", "ts"}
	rssiKeys      = []string{"wifi_rssi", "rssi"}
)

const (
	statusKey = "status"
	uptimeKey = "uptime"

	// Numeric timestamps below this are treated as device-relative
	// (e.g. millis since boot) rather than unix time.
	minUnixSeconds = 1_000_000_000
	minUnixMillis  = 1_000_000_000_000

	// maxBareStatusLen bounds a non-JSON status payload.
	maxBareStatusLen = 32
)

// FlatJSONDecoder accepts a flat JSON object whose values are scalars.
// Nested objects and arrays are rejected. On the status channel a bare
// word such as "offline" is also accepted.
type FlatJSONDecoder struct{}

// Decode implements Decoder.
func (FlatJSONDecoder) Decode(channel Channel, payload []byte) (Reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Reading{}, malformedPayload("empty payload")
	}

	if trimmed[0] != '{' {
		if channel == ChannelStatus {
			return decodeBareStatus(trimmed)
		}
		return Reading{}, malformedPayload("payload is not a JSON object")
	}

	raw, err := decodeObject(trimmed)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{Fields: make(map[string]any, len(raw))}
	for key, value := range raw {
		switch {
		case slices.Contains(timestampKeys, key):
			r.ReportedAt = parseTimestamp(value)
		case key == statusKey:
			s, ok := value.(string)
			if !ok {
				return Reading{}, malformedPayload("status must be a string")
			}
			r.Status = s
		case key == uptimeKey:
			if n, ok := asInt64(value); ok {
				r.Uptime = &n
			}
		case slices.Contains(rssiKeys, key):
			if n, ok := asInt64(value); ok {
				rssi := int(n)
				r.SignalStrength = &rssi
			}
		default:
			r.Fields[key] = value
		}
	}

	return r, nil
}

// decodeObject parses one flat JSON object, keeping numbers as json.Number
// until they are classified.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, malformedPayload(fmt.Sprintf("invalid JSON: %v", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformedPayload("trailing data after JSON object")
	}

	for key, value := range obj {
		switch v := value.(type) {
		case json.Number:
			f, err := v.Float64()
			if err != nil || math.IsInf(f, 0) {
				return nil, malformedPayload(fmt.Sprintf("field %q is not a finite number", key))
			}
			obj[key] = f
		case string, bool, nil:
		default:
			return nil, malformedPayload(fmt.Sprintf("field %q is not a scalar", key))
		}
	}
	return obj, nil
}

func decodeBareStatus(payload []byte) (Reading, error) {
	s := strings.Trim(string(payload), `"`)
	if s == "" || len(s) > maxBareStatusLen || strings.ContainsAny(s, " \t\r\n{}[]") {
		return Reading{}, malformedPayload("status payload is neither JSON nor a single word")
	}
	return Reading{Fields: map[string]any{}, Status: strings.ToLower(s)}, nil
}

// parseTimestamp accepts unix seconds, unix millis, or RFC3339.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case float64:
		switch {
		case t >= minUnixMillis:
			return time.UnixMilli(int64(t)).UTC()
		case t >= minUnixSeconds:
			sec, frac := math.Modf(t)
			return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func asInt64(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
