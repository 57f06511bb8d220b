// Package migrations embeds the scheduler's PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
