package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/router"
)

// bytesPerMB converts bytes to megabytes.
const bytesPerMB = 1024 * 1024

// SystemMetrics is the response of GET /system: a point-in-time view of
// the gateway for operators. Prometheus scrapes /metrics instead.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          MQTTMetrics     `json:"mqtt"`
	Devices       device.Stats    `json:"devices"`
	Router        *router.Stats   `json:"router,omitempty"`
	Commands      CommandsMetrics `json:"commands"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket session statistics.
type WSMetrics struct {
	ConnectedClients int            `json:"connected_clients"`
	ByRole           map[string]int `json:"by_role"`
	PendingTickets   int            `json:"pending_tickets"`
}

// MQTTMetrics contains transport state.
type MQTTMetrics struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
}

// CommandsMetrics counts tracked commands by status.
type CommandsMetrics struct {
	Tracked  int            `json:"tracked"`
	ByStatus map[string]int `json:"by_status"`
}

// handleSystemMetrics returns runtime, transport and pipeline statistics.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(mem.Sys) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			ByRole:           s.hub.ClientsByRole(),
			PendingTickets:   s.tickets.len(),
		},
		MQTT:    MQTTMetrics{State: "unknown"},
		Devices: s.registry.Stats(),
	}

	if s.transport != nil {
		m.MQTT.State = string(s.transport.State())
		m.MQTT.Subscriptions = s.transport.SubscriptionCount()
	}
	if s.router != nil {
		st := s.router.Stats()
		m.Router = &st
	}

	cmds := s.commands.List(command.Filter{})
	m.Commands = CommandsMetrics{Tracked: len(cmds), ByStatus: make(map[string]int)}
	for _, c := range cmds {
		m.Commands.ByStatus[string(c.Status)]++
	}

	writeJSON(w, http.StatusOK, m)
}

// handleFanoutStats returns broadcaster and per-subscription counters.
func (s *Server) handleFanoutStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.events.Stats())
}
