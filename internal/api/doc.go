// Package api implements the HTTP REST API and WebSocket stream for fieldlink.
//
// This package provides:
//   - REST endpoints for the device registry, command submission and tracking
//   - a WebSocket event stream backed by one fan-out subscription per session
//   - JWT bearer authentication with role permissions, and single-use tickets
//     for WebSocket connections
//   - the Prometheus scrape endpoint and an operator-facing /system summary
//
// All REST routes live under /api/v1. Reads need device:read, command
// submission needs device:command, and metadata changes or removal need
// device:admin.
//
// The server keeps working while the broker is down: reads and the event
// stream are served from memory, and /health reports 503 so the outage is
// visible.
package api
