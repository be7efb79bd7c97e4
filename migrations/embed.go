// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the Postgres migrations, rooted so that entries are
// plain file names (e.g. 001_initial.sql).
func Postgres() fs.FS {
	return mustSub("postgres")
}

// SQLite returns the SQLite migrations.
func SQLite() fs.FS {
	return mustSub("sqlite")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err) // dir is a compile-time constant embedded above
	}
	return sub
}
