// Package migrations embeds the goose SQL migrations so the binary can apply
// them without shipping files alongside it.
package migrations

import "embed"

//go:embed *.sql
var Embed embed.FS
