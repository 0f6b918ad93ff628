package device

import (
	"slices"
	"time"
)

// Status is the externally visible liveness state of a device.
type Status string

// Device statuses.
const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline:
		return true
	}
	return false
}

// Transition reasons carried on status_changed events.
const (
	ReasonDiscovered       = "discovered"
	ReasonMessageReceived  = "message_received"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonDeviceReported   = "device_reported"
)

// Defaults applied to auto-registered devices.
const (
	DefaultType      = "esp32"
	autoNamePrefix   = "ESP32-"
	autoNameIDSuffix = 6
)

// Device is the registry's view of one field device.
type Device struct {
	// Identity
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`

	// Liveness
	Status          Status    `json:"status"`
	LastSeen        time.Time `json:"last_seen,omitzero"`
	FirstSeen       time.Time `json:"first_seen,omitzero"`
	StatusChangedAt time.Time `json:"status_changed_at,omitzero"`

	// Latest applied telemetry snapshot and the device timestamp it carried.
	Telemetry  Telemetry  `json:"telemetry"`
	ReportedAt time.Time  `json:"reported_at,omitzero"`
	Connection Connection `json:"connection"`
}

// Telemetry maps field names to scalar values (float64, bool, string or nil).
type Telemetry map[string]any

// Connection holds link metadata lifted out of device payloads.
type Connection struct {
	SignalStrength *int   `json:"signal_strength,omitempty"`
	Uptime         *int64 `json:"uptime,omitempty"`
	ReportedStatus string `json:"reported_status,omitempty"`
}

// DeepCopy creates a complete independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.Telemetry = deepCopyMap(d.Telemetry)

	if d.Connection.SignalStrength != nil {
		v := *d.Connection.SignalStrength
		cpy.Connection.SignalStrength = &v
	}
	if d.Connection.Uptime != nil {
		v := *d.Connection.Uptime
		cpy.Connection.Uptime = &v
	}
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
// Custom decoders may produce them even though the default one does not.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// AutoName returns the display name given to a device on first contact.
func AutoName(id string) string {
	if len(id) > autoNameIDSuffix {
		id = id[len(id)-autoNameIDSuffix:]
	}
	return autoNamePrefix + id
}

// Metadata is an administrative update. Nil fields are left unchanged.
type Metadata struct {
	Name     *string `json:"name,omitempty"`
	Type     *string `json:"type,omitempty"`
	Location *string `json:"location,omitempty"`
}

// Filter selects devices in List. Zero-valued fields match everything.
type Filter struct {
	Status   Status
	Type     string
	Location string
	IDs      []string
}

// Match reports whether d satisfies the filter.
func (f Filter) Match(d *Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Location != "" && d.Location != f.Location {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, d.ID) {
		return false
	}
	return true
}

// Stats counts devices by status.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Unknown int `json:"unknown"`
}

// TelemetryUpdate is the payload of a telemetry event.
type TelemetryUpdate struct {
	Fields     Telemetry  `json:"fields"`
	Changed    []string   `json:"changed"`
	ReportedAt time.Time  `json:"reported_at,omitzero"`
	Connection Connection `json:"connection"`
}
