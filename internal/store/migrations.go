package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all rollupd tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS worker_cursors (
		tenant_key        TEXT NOT NULL,
		worker_index      INTEGER NOT NULL,
		pre_agg_cursor    INTEGER NOT NULL DEFAULT 0,
		timezone_cursor   INTEGER NOT NULL DEFAULT 0,
		partition_cursor  INTEGER NOT NULL DEFAULT 0,
		partition_counter INTEGER NOT NULL DEFAULT 0,
		finished          TEXT NOT NULL DEFAULT '{}',
		updated_at        TEXT NOT NULL,
		PRIMARY KEY (tenant_key, worker_index)
	)`,

	`CREATE TABLE IF NOT EXISTS refresh_runs (
		id           TEXT PRIMARY KEY,
		request_id   TEXT NOT NULL,
		tenant_key   TEXT NOT NULL DEFAULT '',
		finished     INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_refresh_runs_started_at ON refresh_runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_runs_tenant_key ON refresh_runs(tenant_key)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "refresh_runs",
		column:   "warmup",
		alterSQL: "ALTER TABLE refresh_runs ADD COLUMN warmup INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "worker_cursors",
		column:   "concurrency",
		alterSQL: "ALTER TABLE worker_cursors ADD COLUMN concurrency INTEGER NOT NULL DEFAULT 0",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
