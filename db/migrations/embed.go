// Package dbmigrations exposes embedded SQL migrations for leakwatch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into leakwatch binaries.
//
//go:embed *.sql
var Files embed.FS
