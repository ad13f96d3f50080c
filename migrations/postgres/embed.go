// Package postgres embeds the PostgreSQL schema migrations.
package postgres

import "embed"

// Files holds the NNNN_name.up.sql migrations and their .down.sql pairs.
//
//go:embed *.sql
var Files embed.FS
