package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/device"
)

// maxQueryParamLen bounds free-text query parameters.
const maxQueryParamLen = 256

// handleListDevices returns devices matching the optional query filters.
//
// Query parameters:
//   - status: online, offline or unknown
//   - type: device type
//   - location: location tag
//   - ids: comma-separated device IDs
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f device.Filter
	if v := q.Get("status"); v != "" {
		f.Status = device.Status(v)
		if !f.Status.Valid() {
			writeBadRequest(w, "status must be one of online, offline, unknown")
			return
		}
	}
	f.Type = q.Get("type")
	f.Location = q.Get("location")
	if len(f.Type) > maxQueryParamLen || len(f.Location) > maxQueryParamLen {
		writeBadRequest(w, "query parameter exceeds maximum length")
		return
	}
	f.IDs = splitList(q.Get("ids"))

	devices := s.registry.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleDeviceStats returns device counts by status.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleUpdateDevice applies a name, type or location change.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var m device.Metadata
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if m.Name == nil && m.Type == nil && m.Location == nil {
		writeBadRequest(w, "at least one of name, type, location is required")
		return
	}

	dev, err := s.registry.UpdateMetadata(id, m)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.saver != nil {
		s.saver.Save(id)
	}
	s.record(r, audit.ActionDeviceUpdate, id, metadataDetails(m))
	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device. It is re-registered if it reports again.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Remove(id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r, audit.ActionDeviceDelete, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceHistory returns persisted status transitions, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history storage is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	records, err := s.history.StatusHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("loading status history failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "history": records, "count": len(records)})
}

// splitList parses a comma-separated query value, dropping blanks.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLimit parses an optional positive limit. Zero means the store default.
func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}
