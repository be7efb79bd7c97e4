package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// MigrationTarget is a database that can record and apply forward-only
// migrations. Both the Postgres and SQLite stores implement it.
type MigrationTarget interface {
	AppliedMigrations(ctx context.Context) (map[string]bool, error)
	// ApplyMigration runs one migration file and records it as applied in a
	// single transaction.
	ApplyMigration(ctx context.Context, name, sql string) error
}

// Migrate executes unapplied .sql files from fsys in lexical order. Each file
// runs at most once.
func Migrate(ctx context.Context, target MigrationTarget, fsys fs.FS, logger *slog.Logger) error {
	applied, err := target.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := target.ApplyMigration(ctx, name, string(content)); err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// RunMigrations applies the Postgres migrations in fsys.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	return Migrate(ctx, db, fsys, db.logger)
}

// AppliedMigrations creates the schema_migrations table if needed and returns
// the recorded versions.
func (db *DB) AppliedMigrations(ctx context.Context) (map[string]bool, error) {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ApplyMigration runs sql and records name inside one transaction.
func (db *DB) ApplyMigration(ctx context.Context, name, sql string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
