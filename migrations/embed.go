package migrations

import "embed"

// Files exposes the profile store migrations embedded into the binary.
//
//go:embed *.sql
var Files embed.FS
