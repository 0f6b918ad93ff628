package fanout

import "time"

// Kind classifies an Event.
type Kind string

// Event kinds.
const (
	KindStatusChanged Kind = "status_changed"
	KindTelemetry     Kind = "telemetry"
	KindCommandResult Kind = "command_result"
	KindDeviceRemoved Kind = "device_removed"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStatusChanged, KindTelemetry, KindCommandResult, KindDeviceRemoved:
		return true
	}
	return false
}

// AllKinds returns every event kind.
func AllKinds() []Kind {
	return []Kind{KindStatusChanged, KindTelemetry, KindCommandResult, KindDeviceRemoved}
}

// Event is one unit of live state delivered to observers.
// Payload must be treated as read-only by every receiver.
type Event struct {
	DeviceID string    `json:"device_id"`
	Kind     Kind      `json:"kind"`
	Payload  any       `json:"payload,omitempty"`
	Time     time.Time `json:"time"`
}

// StatusChange is the payload of a status_changed event.
type StatusChange struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
	OfflineFor string `json:"offline_for,omitempty"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ev Event) { f(ev) }

type multiPublisher []Publisher

func (m multiPublisher) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Multi returns a Publisher that forwards every event to each of ps in order.
// Nil entries are skipped.
func Multi(ps ...Publisher) Publisher {
	out := make(multiPublisher, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Discard is a Publisher that drops everything.
var Discard Publisher = PublisherFunc(func(Event) {})
