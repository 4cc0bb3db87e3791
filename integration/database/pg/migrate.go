package pg

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the task engine schema using goose. Migrations are
// embedded, so deployments need no migration files on disk. The pool stays
// usable afterwards; goose runs over a database/sql adapter borrowed from
// it.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToApplyMigrations, err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToApplyMigrations, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToApplyMigrations, err)
	}
	return nil
}
