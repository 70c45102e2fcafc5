package migrations

import "embed"

// FS contains embedded SQLite migrations for the deferred mutation queue.
//
//go:embed *.sql
var FS embed.FS
