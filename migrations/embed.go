// Package migrations embeds the SQL schema into the binary and registers
// it with the database package. Import it for its side effect.
package migrations

import (
	"embed"

	"github.com/nerrad567/fieldlink/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
