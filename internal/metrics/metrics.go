package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldlink"

// Connectivity states exported by fieldlink_mqtt_connectivity.
var connectivityStates = []string{"connected", "degraded", "disconnected"}

// Metrics owns every gateway collector. It satisfies the small Metrics
// interfaces declared by router, device, liveness, command, fanout and
// store. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	malformedMessages *prometheus.CounterVec

	statusTransitions *prometheus.CounterVec
	devicesDiscovered prometheus.Counter

	livenessTracked prometheus.Gauge
	livenessExpired prometheus.Counter

	commandsSubmitted prometheus.Counter
	commandsFinished  *prometheus.CounterVec
	commandLatency    *prometheus.HistogramVec
	commandsInFlight  prometheus.Gauge

	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	subscribersEvict prometheus.Counter
	subscribers      prometheus.Gauge

	mqttConnected *prometheus.GaugeVec

	recorderDropped  prometheus.Counter
	recorderWritten  *prometheus.CounterVec
	recorderFailures *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Device messages accepted by the topic router, by channel.",
		}, []string{"channel"}),
		malformedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages dropped because the topic or payload could not be parsed.",
		}, []string{"reason"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_transitions_total",
			Help:      "Device status transitions.",
		}, []string{"from", "to", "reason"}),
		devicesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_discovered_total",
			Help:      "Devices auto-registered on first contact.",
		}),
		livenessTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "liveness_tracked_devices",
			Help:      "Devices with an armed heartbeat deadline.",
		}),
		livenessExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_expired_total",
			Help:      "Heartbeat deadlines that fired.",
		}),
		commandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands accepted for dispatch.",
		}),
		commandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal status.",
		}, []string{"status"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"status"}),
		commandsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_in_flight",
			Help:      "Commands waiting for an acknowledgement.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_published_total",
			Help:      "Events offered to subscribers, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_dropped_total",
			Help:      "Events discarded from full subscriber queues, by kind.",
		}, []string{"kind"}),
		subscribersEvict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_subscribers_evicted_total",
			Help:      "Subscribers removed for persistent overrun.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_subscribers",
			Help:      "Active fan-out subscriptions.",
		}),
		mqttConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connectivity",
			Help:      "1 for the current MQTT connectivity state, 0 otherwise.",
		}, []string{"state"}),
		recorderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_total",
			Help:      "Events not persisted because the recorder queue was full.",
		}),
		recorderWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_written_total",
			Help:      "Events persisted, by sink.",
		}, []string{"sink"}),
		recorderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_failures_total",
			Help:      "Persistence errors, by sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.malformedMessages,
		m.statusTransitions,
		m.devicesDiscovered,
		m.livenessTracked,
		m.livenessExpired,
		m.commandsSubmitted,
		m.commandsFinished,
		m.commandLatency,
		m.commandsInFlight,
		m.eventsPublished,
		m.eventsDropped,
		m.subscribersEvict,
		m.subscribers,
		m.mqttConnected,
		m.recorderDropped,
		m.recorderWritten,
		m.recorderFailures,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchDevices exports per-status device counts, read from fn at scrape time.
func (m *Metrics) WatchDevices(fn func() (online, offline, unknown int)) {
	if m == nil {
		return
	}
	pick := func(i int) func() float64 {
		return func() float64 {
			on, off, unk := fn()
			return float64([3]int{on, off, unk}[i])
		}
	}
	for i, status := range []string{"online", "offline", "unknown"} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "devices",
			Help:        "Registered devices by status.",
			ConstLabels: prometheus.Labels{"status": status},
		}, pick(i)))
	}
}

// Router

func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) MalformedMessage(reason string) {
	if m == nil {
		return
	}
	m.malformedMessages.WithLabelValues(reason).Inc()
}

// Device registry

func (m *Metrics) StatusTransition(from, to, reason string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to, reason).Inc()
}

func (m *Metrics) DeviceDiscovered() {
	if m == nil {
		return
	}
	m.devicesDiscovered.Inc()
}

// Liveness

func (m *Metrics) LivenessSweep(tracked, expired int) {
	if m == nil {
		return
	}
	m.livenessTracked.Set(float64(tracked))
	m.livenessExpired.Add(float64(expired))
}

// Commands

func (m *Metrics) CommandSubmitted() {
	if m == nil {
		return
	}
	m.commandsSubmitted.Inc()
}

func (m *Metrics) CommandFinished(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.commandsFinished.WithLabelValues(status).Inc()
	m.commandLatency.WithLabelValues(status).Observe(latency.Seconds())
}

func (m *Metrics) SetCommandsInFlight(n int) {
	if m == nil {
		return
	}
	m.commandsInFlight.Set(float64(n))
}

// Fan-out

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.subscribersEvict.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Transport

// SetConnectivity marks state as the current MQTT connectivity state.
func (m *Metrics) SetConnectivity(state string) {
	if m == nil {
		return
	}
	for _, s := range connectivityStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.mqttConnected.WithLabelValues(s).Set(v)
	}
}

// Recorder

func (m *Metrics) RecorderDropped() {
	if m == nil {
		return
	}
	m.recorderDropped.Inc()
}

func (m *Metrics) RecorderWritten(sink string) {
	if m == nil {
		return
	}
	m.recorderWritten.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecorderFailed(sink string) {
	if m == nil {
		return
	}
	m.recorderFailures.WithLabelValues(sink).Inc()
}
