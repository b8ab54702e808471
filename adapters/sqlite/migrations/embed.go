package migrations

import "embed"

// FS contains the embedded SQLite migrations for the event and snapshot
// tables.
//
//go:embed *.sql
var FS embed.FS
