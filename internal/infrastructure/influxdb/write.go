package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTelemetry = "device_telemetry"
	MeasurementStatus    = "device_status"
	MeasurementCommand   = "command_result"
)

// TelemetryPoint builds a device_telemetry point. Numbers, booleans and
// strings become fields; nested objects and arrays are skipped. It returns
// nil when no field survives.
func TelemetryPoint(deviceID string, fields map[string]any, at time.Time) *write.Point {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if fv, ok := fieldValue(v); ok {
			out[k] = fv
		}
	}
	if len(out) == 0 {
		return nil
	}
	return write.NewPoint(MeasurementTelemetry, map[string]string{"device_id": deviceID}, out, at)
}

// StatusPoint builds a device_status point for one transition.
func StatusPoint(deviceID, from, to, reason string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementStatus,
		map[string]string{
			"device_id": deviceID,
			"status":    to,
		},
		map[string]any{
			"from":   from,
			"reason": reason,
			"online": to == "online",
		},
		at,
	)
}

// CommandPoint builds a command_result point for a terminal command.
func CommandPoint(deviceID, action, status string, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint(MeasurementCommand,
		map[string]string{
			"device_id": deviceID,
			"action":    action,
			"status":    status,
		},
		map[string]any{
			"latency_ms": float64(latency) / float64(time.Millisecond),
		},
		at,
	)
}

func fieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool, string:
		return x, true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	}
	return nil, false
}

// WriteTelemetry queues a telemetry sample. Non-blocking.
func (c *Client) WriteTelemetry(deviceID string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if p := TelemetryPoint(deviceID, fields, at); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

// WriteStatus queues a status transition. Non-blocking.
func (c *Client) WriteStatus(deviceID, from, to, reason string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(StatusPoint(deviceID, from, to, reason, at))
}

// WriteCommand queues a command outcome. Non-blocking.
func (c *Client) WriteCommand(deviceID, action, status string, latency time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(CommandPoint(deviceID, action, status, latency, at))
}
