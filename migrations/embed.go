package migrations

import "embed"

// Postgres holds the postgres migrations.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds the sqlite migrations.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
