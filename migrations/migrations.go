// Package migrations embeds the schema migrations and seed files applied by
// vaultctl migrate.
package migrations

import "embed"

// FS holds sql/*.up.sql, sql/*.down.sql and seeds/*.sql.
//
//go:embed sql seeds
var FS embed.FS

const (
	Dir      = "sql"
	SeedsDir = "seeds"
)
