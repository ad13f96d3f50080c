// Package migrations embeds the SQLite schema migrations.
package migrations

import "embed"

// Files holds the numbered NNNN_name.sql files applied in order.
//
//go:embed *.sql
var Files embed.FS
