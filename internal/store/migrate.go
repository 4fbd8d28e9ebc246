package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

type migrationFile struct {
	version int
	name    string
	sql     string
}

// migrateUp applies pending migrations in version order, one transaction each.
func migrateUp(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER NOT NULL PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TEXT    NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("migrate: ensure table: %w", err)
	}
	files, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("migrate: load: %w", err)
	}
	for _, f := range files {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f.version).Scan(&n); err != nil {
			return fmt.Errorf("migrate: check %d: %w", f.version, err)
		}
		if n > 0 {
			continue
		}
		if err := apply(ctx, db, f); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", f.name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, f migrationFile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, f.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", f.version, f.name); err != nil {
		return err
	}
	return tx.Commit()
}

func loadMigrations() ([]migrationFile, error) {
	var out []migrationFile
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		b, err := migrations.ReadFile(path)
		if err != nil {
			return err
		}
		var v int
		if _, err := fmt.Sscanf(d.Name(), "%d_", &v); err != nil {
			return fmt.Errorf("bad migration name %s", d.Name())
		}
		out = append(out, migrationFile{version: v, name: d.Name(), sql: string(b)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
