package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/infrastructure/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// timeLayout is fixed-width so TEXT columns sort chronologically.
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// StatusRecord is one row of a device's status history.
type StatusRecord struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	OfflineFor string    `json:"offline_for,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// SQLStore persists devices, status history and the command log on SQLite
// or PostgreSQL. Queries are written once and rebound by the database layer.
type SQLStore struct {
	db    *database.DB
	now   func() time.Time
	newID func() string
}

// NewSQLStore creates a store on an open, migrated database.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now, newID: uuid.NewString}
}

const upsertDevice = `
	INSERT INTO devices (
		id, name, type, location, status,
		first_seen, last_seen, status_changed_at, telemetry, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		location = excluded.location,
		status = excluded.status,
		last_seen = excluded.last_seen,
		status_changed_at = excluded.status_changed_at,
		telemetry = excluded.telemetry,
		updated_at = excluded.updated_at`

// SaveDevices upserts devices in one transaction.
func (s *SQLStore) SaveDevices(ctx context.Context, devices []device.Device) error {
	if len(devices) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(upsertDevice))
	if err != nil {
		return fmt.Errorf("preparing device upsert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(s.now())
	for i := range devices {
		d := &devices[i]
		tel := d.Telemetry
		if tel == nil {
			tel = device.Telemetry{}
		}
		telemetry, err := json.Marshal(tel)
		if err != nil {
			return fmt.Errorf("marshalling telemetry for %s: %w", d.ID, err)
		}
		firstSeen := d.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = s.now()
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID,
			d.Name,
			d.Type,
			d.Location,
			string(d.Status),
			formatTime(firstSeen),
			nullTime(d.LastSeen),
			nullTime(d.StatusChangedAt),
			string(telemetry),
			now,
		); err != nil {
			return fmt.Errorf("upserting device %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing devices: %w", err)
	}
	return nil
}

// DeleteDevice removes a device row. History and command log are kept.
func (s *SQLStore) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadDevices returns every persisted device, ordered by id.
func (s *SQLStore) LoadDevices(ctx context.Context) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, location, status,
			first_seen, last_seen, status_changed_at, telemetry
		FROM devices
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		var (
			d                        device.Device
			status, firstSeen        string
			lastSeen, changedAt, tel sql.NullString
		)
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Type, &d.Location, &status,
			&firstSeen, &lastSeen, &changedAt, &tel,
		); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		d.Status = device.Status(status)
		d.FirstSeen = parseTime(firstSeen)
		d.LastSeen = parseTime(lastSeen.String)
		d.StatusChangedAt = parseTime(changedAt.String)
		d.Telemetry = device.Telemetry{}
		if tel.Valid && tel.String != "" {
			if err := json.Unmarshal([]byte(tel.String), &d.Telemetry); err != nil {
				return nil, fmt.Errorf("unmarshalling telemetry for %s: %w", d.ID, err)
			}
			if d.Telemetry == nil {
				d.Telemetry = device.Telemetry{}
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// AppendStatus records one status transition.
func (s *SQLStore) AppendStatus(ctx context.Context, rec StatusRecord) error {
	if rec.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.ChangedAt.IsZero() {
		rec.ChangedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_history (id, device_id, from_status, to_status, reason, offline_for, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.DeviceID,
		rec.From,
		rec.To,
		rec.Reason,
		rec.OfflineFor,
		formatTime(rec.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}
	return nil
}

// StatusHistory returns a device's transitions, newest first.
// limit defaults to 50 and is capped at 500.
func (s *SQLStore) StatusHistory(ctx context.Context, deviceID string, limit int) ([]StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, from_status, to_status, reason, offline_for, changed_at
		FROM status_history
		WHERE device_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var rec StatusRecord
		var changedAt string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.From, &rec.To, &rec.Reason, &rec.OfflineFor, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		rec.ChangedAt = parseTime(changedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status history: %w", err)
	}
	return out, nil
}

// LogCommand upserts a command's latest state by correlation id.
func (s *SQLStore) LogCommand(ctx context.Context, c command.Command) error {
	var params any
	if len(c.Params) > 0 {
		raw, err := json.Marshal(c.Params)
		if err != nil {
			return fmt.Errorf("marshalling params: %w", err)
		}
		params = string(raw)
	}

	var success any
	var detail string
	if c.Result != nil {
		success = c.Result.Success
		detail = c.Result.Detail
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (
			correlation_id, device_id, broadcast_id, action, params,
			status, success, detail, error, submitted_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			detail = excluded.detail,
			error = excluded.error,
			resolved_at = excluded.resolved_at`,
		c.CorrelationID,
		c.DeviceID,
		c.BroadcastID,
		c.Action,
		params,
		string(c.Status),
		success,
		detail,
		c.Error,
		formatTime(c.SubmittedAt),
		nullTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("logging command: %w", err)
	}
	return nil
}

// CommandLog returns logged commands, newest first. An empty deviceID
// returns commands for every device.
func (s *SQLStore) CommandLog(ctx context.Context, deviceID string, limit int) ([]command.Command, error) {
	query := `
		SELECT correlation_id, device_id, broadcast_id, action, params,
			status, success, detail, error, submitted_at, resolved_at
		FROM command_log`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY submitted_at DESC, correlation_id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []command.Command
	for rows.Next() {
		var (
			c                   command.Command
			status, submittedAt string
			params, resolvedAt  sql.NullString
			success             sql.NullBool
			detail              string
		)
		if err := rows.Scan(
			&c.CorrelationID, &c.DeviceID, &c.BroadcastID, &c.Action, &params,
			&status, &success, &detail, &c.Error, &submittedAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		c.Status = command.Status(status)
		c.SubmittedAt = parseTime(submittedAt)
		c.ResolvedAt = parseTime(resolvedAt.String)
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &c.Params); err != nil {
				return nil, fmt.Errorf("unmarshalling params for %s: %w", c.CorrelationID, err)
			}
		}
		if success.Valid {
			c.Result = &command.Result{DeviceID: c.DeviceID, Success: success.Bool, Detail: detail}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return min(limit, maxHistoryLimit)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
