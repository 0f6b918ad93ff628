package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/device"
)

// record writes an audit entry for the authenticated caller. The action has
// already taken effect, so a failed write is logged and not returned.
func (s *Server) record(r *http.Request, action, deviceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		return
	}

	e := &audit.Entry{
		Action:   action,
		DeviceID: deviceID,
		Subject:  claims.Subject,
		Role:     string(claims.Role),
		Details:  details,
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Warn("audit entry not recorded",
			"action", action,
			"device_id", deviceID,
			"error", err,
		)
	}
}

// metadataDetails lists the fields an update changed.
func metadataDetails(m device.Metadata) map[string]any {
	d := map[string]any{}
	if m.Name != nil {
		d["name"] = *m.Name
	}
	if m.Type != nil {
		d["type"] = *m.Type
	}
	if m.Location != nil {
		d["location"] = *m.Location
	}
	return d
}

// handleListAudit returns operator actions, most recent first.
//
// Query parameters: action, device_id, subject, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit storage is disabled")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Subject:  q.Get("subject"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "failed to load audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
