package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"passage/internal/platform/database"
	"passage/internal/platform/logging"
	"passage/internal/platform/migrate"
)

// MigrateCmd applies the embedded schema migrations.
type MigrateCmd struct {
	Store       string `help:"SQL store to migrate." default:"postgres" env:"DATA_STORE" enum:"postgres,sqlite"`
	DatabaseURL string `help:"Postgres connection URL." env:"DATABASE_URL"`
	SQLitePath  string `help:"Path to the sqlite database file." default:"passage.db" env:"SQLITE_PATH"`
	Status      bool   `help:"Print the current schema version without migrating."`
	LogLevel    string `help:"Log level." default:"info" env:"LOG_LEVEL"`
}

func (c *MigrateCmd) Run(ctx context.Context) error {
	logger := logging.New(c.LogLevel, "text")

	db, dialect, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if c.Status {
		version, err := migrate.Status(ctx, db, dialect)
		if err != nil {
			return err
		}
		fmt.Printf("%s schema version %d\n", dialect, version)
		return nil
	}
	return migrate.Apply(ctx, db, dialect, logger)
}

func (c *MigrateCmd) open(ctx context.Context) (*sqlx.DB, migrate.Dialect, error) {
	switch c.Store {
	case "sqlite":
		db, err := database.NewSQLite(ctx, c.SQLitePath)
		return db, migrate.SQLite, err
	default:
		if c.DatabaseURL == "" {
			return nil, "", errors.New("DATABASE_URL is required to migrate postgres")
		}
		db, err := database.NewPostgres(ctx, c.DatabaseURL)
		return db, migrate.Postgres, err
	}
}
