// Package migrations holds the SQL migrations of the imaging ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
