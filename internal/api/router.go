package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fieldlink/internal/auth"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth, conventional path)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// WebSocket authenticates with a single-use ticket, validated in handler.
		r.Get(s.wsPath(), s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Read access
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceRead))

				r.Post("/auth/ws-ticket", s.handleWSTicket)

				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/stats", s.handleDeviceStats)
				r.Get("/devices/{id}", s.handleGetDevice)
				r.Get("/devices/{id}/history", s.handleDeviceHistory)

				r.Get("/commands", s.handleListCommands)
				r.Get("/commands/{correlationId}", s.handleGetCommand)

				r.Get("/fanout/stats", s.handleFanoutStats)
				r.Get("/system", s.handleSystemMetrics)
			})

			// Command access
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceCommand))

				r.Post("/devices/{id}/commands", s.handleSubmitCommand)
				r.Post("/commands/broadcast", s.handleBroadcastCommand)
			})

			// Administration
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceAdmin))

				r.Patch("/devices/{id}", s.handleUpdateDevice)
				r.Delete("/devices/{id}", s.handleDeleteDevice)

				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	return r
}

// handleHealth returns the server health status. It answers 503 while the
// broker connection is down so load balancers can route around the gateway.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.transport != nil {
		state := s.transport.State()
		body["mqtt"] = string(state)
		switch state {
		case mqtt.StateDisconnected:
			body["status"] = "unavailable"
			status = http.StatusServiceUnavailable
		case mqtt.StateDegraded:
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}

// wsPath returns the configured WebSocket path under /api/v1.
func (s *Server) wsPath() string {
	p := s.wsCfg.Path
	if p == "" {
		return "/ws"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return p
}
