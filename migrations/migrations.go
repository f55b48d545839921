// Package migrations embeds the reporting schema so the server binary can
// migrate tenant schemas without shipping SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
