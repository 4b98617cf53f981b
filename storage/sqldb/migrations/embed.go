// Package migrations embeds the SQL schema applied by the sqldb store.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
