// Package migrations embeds the SQL migration files applied by goose at
// store startup. Only the fixed bookkeeping tables live here; per-schema
// entity tables are created at registration time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
