// Package migrations embeds the PostgreSQL schema for the shared store.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
