package catalog

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all pending schema migrations to db.
func runMigrations(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "catalog: creating migration sub-filesystem")
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return errors.Wrap(err, "catalog: creating migration provider")
	}

	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "catalog: running migrations")
	}

	return nil
}
