// Package migrations embeds the tenant schema migrations so the server and
// the migrate command ship them inside the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
