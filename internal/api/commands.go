package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/command"
)

// maxWait caps the ?wait= long-poll on a single command.
const maxWait = 60 * time.Second

// commandRequest is the body of command submission endpoints.
type commandRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// handleSubmitCommand sends a command to one device and returns its
// correlation id. The outcome is read from GET /commands/{correlationId}.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "id")
	id, err := s.commands.Submit(r.Context(), target, req.Action, req.Params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r, audit.ActionCommandSubmit, target, map[string]any{
		"action":         req.Action,
		"correlation_id": id,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"correlationId": id})
}

// handleBroadcastCommand sends a command to every registered device.
// Devices whose publish failed still get a correlation id in state failed.
func (s *Server) handleBroadcastCommand(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	ids, err := s.commands.Broadcast(r.Context(), req.Action, req.Params)
	if err != nil && (errors.Is(err, command.ErrInvalidAction) || errors.Is(err, command.ErrClosed)) {
		writeDomainError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.record(r, audit.ActionCommandBroadcast, "", map[string]any{
		"action":  req.Action,
		"devices": len(ids),
	})

	body := map[string]any{"correlationIds": ids, "count": len(ids)}
	if err != nil {
		s.logger.Warn("broadcast partially failed", "action", req.Action, "error", err)
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, body)
}

// handleListCommands returns tracked commands, newest first.
//
// Query parameters:
//   - device_id, broadcast_id, status: filters
//   - limit: maximum number of results
//   - source=log: read the persisted command log instead of memory
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if q.Get("source") == "log" {
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history storage is disabled")
			return
		}
		cmds, err := s.history.CommandLog(r.Context(), q.Get("device_id"), limit)
		if err != nil {
			s.logger.Error("loading command log failed", "error", err)
			writeInternalError(w, "failed to load command log")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
		return
	}

	cmds := s.commands.List(command.Filter{
		DeviceID:    q.Get("device_id"),
		BroadcastID: q.Get("broadcast_id"),
		Status:      command.Status(q.Get("status")),
		Limit:       limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

// handleGetCommand returns one command. With ?wait=5s it blocks until the
// command is terminal or the wait elapses, and returns the latest state
// either way.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationId")

	waitParam := r.URL.Query().Get("wait")
	if waitParam == "" {
		cmd, err := s.commands.Get(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cmd)
		return
	}

	wait, err := time.ParseDuration(waitParam)
	if err != nil || wait <= 0 {
		writeBadRequest(w, "wait must be a positive duration such as 5s")
		return
	}
	wait = min(wait, maxWait)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	cmd, err := s.commands.Wait(ctx, id)
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, command.ErrClosed):
		writeJSON(w, http.StatusOK, cmd)
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		writeDomainError(w, err)
	}
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return req, false
	}
	return req, true
}
