package database

import (
	"database/sql"
	"fmt"
)

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "upload log and ingestion rules",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS upload_log (
    id INTEGER PRIMARY KEY,
    filename TEXT,
    table_name TEXT,
    uploaded_at TEXT,
    rows INTEGER,
    cols INTEGER
);

CREATE TABLE IF NOT EXISTS sheet_rules (
    id INTEGER PRIMARY KEY,
    filename TEXT,
    sheet_name TEXT,
    rule_created_at TEXT
);

CREATE TABLE IF NOT EXISTS transform_rules (
    id INTEGER PRIMARY KEY,
    filename TEXT,
    sheet TEXT,
    original_column TEXT,
    renamed_column TEXT,
    included BOOLEAN,
    created_at TEXT
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "aliases, facts and report artifacts",
		Up: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "upload_log", "table_alias", "TEXT"); err != nil {
				return err
			}
			if err := addColumnIfMissing(tx, "upload_log", "report_name", "TEXT"); err != nil {
				return err
			}
			_, err := tx.Exec(`
UPDATE upload_log SET table_alias = table_name WHERE table_alias IS NULL;

CREATE TABLE IF NOT EXISTS facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    upload_id INTEGER NOT NULL REFERENCES upload_log(id),
    valid_from TEXT,
    label TEXT,
    unit TEXT,
    amount REAL,
    attrs TEXT
);

CREATE TABLE IF NOT EXISTS report_tables (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    report_name TEXT NOT NULL,
    table_name TEXT NOT NULL,
    title TEXT,
    table_alias TEXT,
    run_id TEXT,
    data TEXT NOT NULL,
    row_count INTEGER DEFAULT 0,
    width_px INTEGER DEFAULT 0,
    height_px INTEGER DEFAULT 0,
    generated_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    UNIQUE (report_name, table_name)
);

CREATE TABLE IF NOT EXISTS report_runs (
    id TEXT PRIMARY KEY,
    report_name TEXT NOT NULL,
    cutoff TEXT NOT NULL,
    scope_start TEXT,
    scope_end TEXT,
    ready INTEGER DEFAULT 0,
    outcome TEXT NOT NULL,
    warnings TEXT,
    errors TEXT,
    started_at TEXT,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_upload_log_alias ON upload_log(table_alias, uploaded_at);
CREATE INDEX IF NOT EXISTS idx_upload_log_report ON upload_log(report_name);
CREATE INDEX IF NOT EXISTS idx_facts_upload ON facts(upload_id);
CREATE INDEX IF NOT EXISTS idx_sheet_rules_filename ON sheet_rules(filename);
CREATE INDEX IF NOT EXISTS idx_transform_rules_filename ON transform_rules(filename);
CREATE INDEX IF NOT EXISTS idx_report_runs_report ON report_runs(report_name, started_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

// addColumnIfMissing keeps ALTER TABLE re-runnable.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}
