package db

import "embed"

// MigrationFS embeds the SQL migrations under internal/db/migrations. Used by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
