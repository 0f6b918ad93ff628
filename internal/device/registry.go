package device

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/protocol"
)

// shardCount is the number of independently locked partitions of the registry.
const shardCount = 64

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LivenessTracker receives a deadline reset for every message the registry
// accepts. Implemented by internal/liveness.
type LivenessTracker interface {
	Touch(id string, seenAt time.Time)
	Forget(id string)
}

// Metrics receives registry counters. Implemented by internal/metrics.
type Metrics interface {
	StatusTransition(from, to, reason string)
	DeviceDiscovered()
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// Registry is the authoritative in-memory store of device state.
//
// Every mutation of a device holds only the lock of the shard the device
// hashes to, so different devices are updated independently. Events are
// published while the shard lock is held; per-device event order therefore
// equals processing order. The Publisher must not block.
//
// The Set* methods must be called before the registry is shared.
type Registry struct {
	shards [shardCount]shard

	events     fanout.Publisher
	decoder    protocol.Decoder
	liveness   LivenessTracker
	metrics    Metrics
	onDiscover func(Device)
	logger     Logger
	now        func() time.Time
}

// NewRegistry creates an empty registry that publishes to events.
func NewRegistry(events fanout.Publisher) *Registry {
	if events == nil {
		events = fanout.Discard
	}
	r := &Registry{
		events:  events,
		decoder: protocol.FlatJSONDecoder{},
		logger:  noopLogger{},
		now:     time.Now,
	}
	for i := range r.shards {
		r.shards[i].devices = make(map[string]*Device)
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDecoder replaces the payload decoder.
func (r *Registry) SetDecoder(d protocol.Decoder) {
	r.decoder = d
}

// SetLiveness attaches the liveness tracker.
func (r *Registry) SetLiveness(l LivenessTracker) {
	r.liveness = l
}

// SetMetrics attaches a metrics sink.
func (r *Registry) SetMetrics(m Metrics) {
	r.metrics = m
}

// SetOnDiscover registers fn to run after a never-seen device comes online.
// It is called without any registry lock held.
func (r *Registry) SetOnDiscover(fn func(Device)) {
	r.onDiscover = fn
}

// SetClock replaces the time source used for LastSeen and event times.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // hash.Hash never returns an error
	return &r.shards[h.Sum32()%shardCount]
}

// Observe applies one data or status message from deviceID.
//
// Decoding failures are returned as *protocol.MalformedMessageError and
// leave the device untouched.
func (r *Registry) Observe(deviceID string, payload []byte, channel protocol.Channel) error {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return err
	}
	if channel != protocol.ChannelData && channel != protocol.ChannelStatus {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}

	reading, err := r.decoder.Decode(channel, payload)
	if err != nil {
		return err
	}
	if err := validateReading(reading); err != nil {
		return err
	}

	now := r.now().UTC()
	s := r.shardFor(deviceID)

	s.mu.Lock()
	d, existed := s.devices[deviceID]
	if !existed {
		d = &Device{
			ID:              deviceID,
			Name:            AutoName(deviceID),
			Type:            DefaultType,
			Status:          StatusUnknown,
			FirstSeen:       now,
			StatusChangedAt: now,
			Telemetry:       Telemetry{},
		}
		s.devices[deviceID] = d
		if r.metrics != nil {
			r.metrics.DeviceDiscovered()
		}
		r.logger.Info("device discovered", "device_id", deviceID)
	}
	if d.FirstSeen.IsZero() {
		d.FirstSeen = now
	}

	prev := d.Status
	d.LastSeen = now
	if reading.Status != "" {
		d.Connection.ReportedStatus = reading.Status
	}

	// Only an online device can go offline; a first message that is
	// already a farewell leaves the device unknown.
	if reading.GoingOffline() {
		if prev == StatusOnline {
			r.transition(d, StatusOffline, ReasonDeviceReported, now)
		}
		if r.liveness != nil {
			r.liveness.Forget(deviceID)
		}
		s.mu.Unlock()
		return nil
	}

	if prev != StatusOnline {
		reason := ReasonMessageReceived
		if !existed {
			reason = ReasonDiscovered
		}
		r.transition(d, StatusOnline, reason, now)
	}

	r.applyReading(d, reading, now)

	if r.liveness != nil {
		r.liveness.Touch(deviceID, now)
	}

	var discovered Device
	notify := !existed && r.onDiscover != nil
	if notify {
		discovered = *d.DeepCopy()
	}
	s.mu.Unlock()

	if notify {
		r.onDiscover(discovered)
	}
	return nil
}

// applyReading merges a reading into the snapshot. A reading whose device
// timestamp is older than the applied one only counted for liveness.
// Caller holds the shard lock.
func (r *Registry) applyReading(d *Device, reading protocol.Reading, now time.Time) {
	if !reading.ReportedAt.IsZero() && !d.ReportedAt.IsZero() && reading.ReportedAt.Before(d.ReportedAt) {
		r.logger.Debug("stale sample ignored",
			"device_id", d.ID,
			"reported_at", reading.ReportedAt,
			"applied_at", d.ReportedAt,
		)
		return
	}

	if reading.SignalStrength != nil {
		v := *reading.SignalStrength
		d.Connection.SignalStrength = &v
	}
	if reading.Uptime != nil {
		v := *reading.Uptime
		d.Connection.Uptime = &v
	}
	if !reading.ReportedAt.IsZero() {
		d.ReportedAt = reading.ReportedAt
	}

	var changed []string
	for key, value := range reading.Fields {
		old, ok := d.Telemetry[key]
		if ok && reflect.DeepEqual(old, value) {
			continue
		}
		d.Telemetry[key] = value
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	cpy := d.DeepCopy()
	r.events.Publish(fanout.Event{
		DeviceID: d.ID,
		Kind:     fanout.KindTelemetry,
		Time:     now,
		Payload: TelemetryUpdate{
			Fields:     cpy.Telemetry,
			Changed:    changed,
			ReportedAt: cpy.ReportedAt,
			Connection: cpy.Connection,
		},
	})
}

// transition moves d to status and emits status_changed. Caller holds the shard lock.
func (r *Registry) transition(d *Device, to Status, reason string, now time.Time) {
	from := d.Status
	change := fanout.StatusChange{From: string(from), To: string(to), Reason: reason}
	if from == StatusOffline && to == StatusOnline {
		change.OfflineFor = now.Sub(d.StatusChangedAt).Round(time.Millisecond).String()
	}

	d.Status = to
	d.StatusChangedAt = now

	if r.metrics != nil {
		r.metrics.StatusTransition(string(from), string(to), reason)
	}
	r.logger.Info("device status changed",
		"device_id", d.ID,
		"from", from,
		"to", to,
		"reason", reason,
	)
	r.events.Publish(fanout.Event{
		DeviceID: d.ID,
		Kind:     fanout.KindStatusChanged,
		Time:     now,
		Payload:  change,
	})
}

// Expire demotes id to offline if it is online and has not been seen after
// seenAt. It reports whether a transition happened.
func (r *Registry) Expire(id string, seenAt time.Time) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok || d.Status != StatusOnline || d.LastSeen.After(seenAt) {
		return false
	}
	r.transition(d, StatusOffline, ReasonHeartbeatTimeout, r.now().UTC())
	return true
}

// Get returns a copy of the device.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) Get(id string) (Device, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return *d.DeepCopy(), nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[id]
	return ok
}

// List returns copies of every device matching f, sorted by ID.
func (r *Registry) List(f Filter) []Device {
	var out []Device
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, d := range s.devices {
			if f.Match(d) {
				out = append(out, *d.DeepCopy())
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered device ID, sorted.
func (r *Registry) IDs() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.devices {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Stats returns device counts by status.
func (r *Registry) Stats() Stats {
	var st Stats
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, d := range s.devices {
			st.Total++
			switch d.Status {
			case StatusOnline:
				st.Online++
			case StatusOffline:
				st.Offline++
			default:
				st.Unknown++
			}
		}
		s.mu.RUnlock()
	}
	return st
}

// Remove drops id after an external deletion, stops its liveness tracking
// and emits device_removed.
func (r *Registry) Remove(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	delete(s.devices, id)

	// Under the shard lock so a concurrent Observe cannot re-arm a deadline we then drop.
	if r.liveness != nil {
		r.liveness.Forget(id)
	}

	r.logger.Info("device removed", "device_id", id)
	r.events.Publish(fanout.Event{
		DeviceID: id,
		Kind:     fanout.KindDeviceRemoved,
		Time:     r.now().UTC(),
		Payload:  *d.DeepCopy(),
	})
	return nil
}

// UpdateMetadata applies an administrative name/type/location change.
func (r *Registry) UpdateMetadata(id string, m Metadata) (Device, error) {
	if err := ValidateMetadata(m); err != nil {
		return Device{}, err
	}

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	if m.Name != nil {
		d.Name = *m.Name
	}
	if m.Type != nil {
		d.Type = *m.Type
	}
	if m.Location != nil {
		d.Location = *m.Location
	}

	r.logger.Info("device metadata updated", "device_id", id, "name", d.Name)
	return *d.DeepCopy(), nil
}

// Restore seeds devices loaded from persistence. Their status is reset to
// unknown until they report again; IDs already present are skipped.
// It returns the number of devices added.
func (r *Registry) Restore(devices []Device) (int, error) {
	now := r.now().UTC()
	added := 0
	for i := range devices {
		src := &devices[i]
		if err := protocol.ValidateDeviceID(src.ID); err != nil {
			return added, fmt.Errorf("%w: %q: %v", ErrInvalidDevice, src.ID, err)
		}

		d := src.DeepCopy()
		d.Status = StatusUnknown
		d.StatusChangedAt = now
		if d.Name == "" {
			d.Name = AutoName(d.ID)
		}
		if d.Type == "" {
			d.Type = DefaultType
		}
		if d.Telemetry == nil {
			d.Telemetry = Telemetry{}
		}

		s := r.shardFor(d.ID)
		s.mu.Lock()
		if _, exists := s.devices[d.ID]; !exists {
			s.devices[d.ID] = d
			added++
		}
		s.mu.Unlock()
	}

	r.logger.Info("devices restored", "count", added)
	return added, nil
}
