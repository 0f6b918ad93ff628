package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nerrad567/fieldlink/internal/infrastructure/database"
)

// The same queries must reach PostgreSQL with numbered placeholders.
func TestSQLStore_PostgresPlaceholders(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer sqlDB.Close() //nolint:errcheck // Test cleanup

	s := NewSQLStore(database.Wrap(sqlDB, database.DriverPostgres))
	s.newID = func() string { return "rec-1" }
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO status_history .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).
		WithArgs("rec-1", "esp32-a1", "online", "offline", "heartbeat_timeout", "", formatTime(epoch)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AppendStatus(ctx, StatusRecord{
		DeviceID:  "esp32-a1",
		From:      "online",
		To:        "offline",
		Reason:    "heartbeat_timeout",
		ChangedAt: epoch,
	}); err != nil {
		t.Fatalf("AppendStatus() error = %v", err)
	}

	mock.ExpectExec(`DELETE FROM devices WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteDevice(ctx, "ghost"); err != ErrNotFound {
		t.Errorf("DeleteDevice() error = %v, want ErrNotFound", err)
	}

	rows := sqlmock.NewRows([]string{"id", "device_id", "from_status", "to_status", "reason", "offline_for", "changed_at"}).
		AddRow("rec-1", "esp32-a1", "online", "offline", "heartbeat_timeout", "", formatTime(epoch))
	mock.ExpectQuery(`FROM status_history\s+WHERE device_id = \$1\s+ORDER BY .*LIMIT \$2`).
		WithArgs("esp32-a1", 5).
		WillReturnRows(rows)

	got, err := s.StatusHistory(ctx, "esp32-a1", 5)
	if err != nil {
		t.Fatalf("StatusHistory() error = %v", err)
	}
	if len(got) != 1 || !got[0].ChangedAt.Equal(epoch) {
		t.Errorf("StatusHistory() = %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
