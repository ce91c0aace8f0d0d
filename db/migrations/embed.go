// Package dbmigrations exposes embedded SQL migrations for Moneta binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Moneta binaries.
//
//go:embed *.sql
var Files embed.FS
