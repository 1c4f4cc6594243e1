// Package migrations embeds the schema migrations and seed data.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var schemaFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

// Schema returns the golang-migrate style up/down files.
func Schema() fs.FS { return mustSub(schemaFS, "sql") }

// Seeds returns the idempotent seed files, applied in name order.
func Seeds() fs.FS { return mustSub(seedsFS, "seeds") }

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
