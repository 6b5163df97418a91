// Package migrations embeds the SQL schema files so the binaries can
// migrate a fresh database without shipping loose files alongside them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
