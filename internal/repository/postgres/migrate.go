package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// Migrator applies the ordered *.sql files of a directory once each and
// records every applied file in a tracking table.
type Migrator struct {
	db      *sql.DB
	files   fs.FS
	table   string
	managed []string
}

// NewMigrator creates a migrator over files. managed lists the tables the
// migrations own, for Tables.
func NewMigrator(db *sql.DB, files fs.FS, trackingTable string, managed []string) *Migrator {
	return &Migrator{db: db, files: files, table: pq.QuoteIdentifier(trackingTable), managed: managed}
}

// Migration is one SQL file.
type Migration struct {
	Version string
	SQL     string
}

// Pending returns the migrations not yet recorded, in file name order.
// Blank files are skipped.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, m.table)); err != nil {
		return nil, fmt.Errorf("create tracking table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM %s`, m.table))
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	var out []Migration
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		out = append(out, Migration{Version: name, SQL: string(data)})
	}
	return out, nil
}

// Up applies every pending migration, each in its own transaction with its
// tracking row. It stops at the first failure and returns the versions
// applied before it.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("apply %s: %w", mig.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, m.table), mig.Version); err != nil {
		return fmt.Errorf("record %s: %w", mig.Version, err)
	}
	return tx.Commit()
}

// Tables returns the managed tables that exist in the public schema.
func (m *Migrator) Tables(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename = ANY($1)
		ORDER BY tablename
	`, pq.Array(m.managed))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
