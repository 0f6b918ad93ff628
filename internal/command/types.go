package command

import "time"

// Status is a command's delivery state.
type Status string

// Command statuses. Transitions only move forward:
//
//	pending → sent → acknowledged | timed_out | failed
//	pending → failed
const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusTimedOut     Status = "timed_out"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// Result is what the device reported in its acknowledgement.
type Result struct {
	// DeviceID is the device the ack arrived from. Empty skips the check.
	DeviceID string `json:"device_id,omitempty"`
	Success  bool   `json:"success"`
	Detail   string `json:"detail,omitempty"`
}

// Command is one tracked command instance.
type Command struct {
	CorrelationID string         `json:"correlation_id"`
	DeviceID      string         `json:"device_id"`
	BroadcastID   string         `json:"broadcast_id,omitempty"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	Status        Status         `json:"status"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	SentAt        time.Time      `json:"sent_at,omitzero"`
	ResolvedAt    time.Time      `json:"resolved_at,omitzero"`
	Result        *Result        `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`

	// Err is the terminal error for timed_out and failed commands.
	Err error `json:"-"`
}

// Filter selects commands in List. Zero-valued fields match everything.
type Filter struct {
	DeviceID    string
	BroadcastID string
	Status      Status
	Limit       int
}

func (f Filter) match(c *Command) bool {
	if f.DeviceID != "" && c.DeviceID != f.DeviceID {
		return false
	}
	if f.BroadcastID != "" && c.BroadcastID != f.BroadcastID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
