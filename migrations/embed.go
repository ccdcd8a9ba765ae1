// Package migrations embeds the SQL schema migration files applied at startup.
package migrations

import "embed"

// FS exposes the embedded migration files to the migrate iofs source driver.
//
//go:embed *.sql
var FS embed.FS
