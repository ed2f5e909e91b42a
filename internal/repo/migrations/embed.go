package migrations

import "embed"

// FS содержит SQL-миграции PostgreSQL.
//
//go:embed postgres/*.sql
var FS embed.FS
