// Package database provides SQL connectivity for the gateway's persistence
// adapters.
//
// Two drivers are supported:
//   - sqlite (default): github.com/mattn/go-sqlite3, WAL mode, single writer
//   - postgres: github.com/jackc/pgx/v5/stdlib
//
// Queries are written once with ? placeholders. DB.ExecContext,
// DB.QueryContext and DB.QueryRowContext rebind them to $n for PostgreSQL;
// statements run on a *sql.Tx go through DB.Rebind explicitly.
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite", Path: "./data/fieldlink.db"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive-only. Each version has a .up.sql and an optional
// .down.sql, written in the SQL subset both dialects accept.
package database
