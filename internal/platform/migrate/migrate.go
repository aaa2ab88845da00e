package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"passage/migrations"
)

// Dialect names the SQL backend migrations run against.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Apply runs any pending SQL migrations bundled with the binary.
func Apply(ctx context.Context, db *sqlx.DB, dialect Dialect, logger *slog.Logger) error {
	files, gooseDialect, dir, err := source(dialect)
	if err != nil {
		return err
	}

	goose.SetBaseFS(files)
	goose.SetLogger(gooseSlogLogger{logger: logger})
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("migrate: set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return fmt.Errorf("migrate: goose up: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("migrate: check goose version: %w", err)
	}
	if logger != nil {
		logger.Info("migrations applied", "dialect", string(dialect), "version", version)
	}
	return nil
}

// Status reports the current schema version without applying anything.
func Status(ctx context.Context, db *sqlx.DB, dialect Dialect) (int64, error) {
	_, gooseDialect, _, err := source(dialect)
	if err != nil {
		return 0, err
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return 0, fmt.Errorf("migrate: set goose dialect: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return 0, fmt.Errorf("migrate: check goose version: %w", err)
	}
	return version, nil
}

func source(dialect Dialect) (fs.FS, string, string, error) {
	switch dialect {
	case Postgres:
		return migrations.Postgres, "postgres", "postgres", nil
	case SQLite:
		return migrations.SQLite, "sqlite3", "sqlite", nil
	default:
		return nil, "", "", fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
}
