package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// ReplaceReportTable drops the previous version of a report table and writes
// the new one in a single transaction.
func (db *DB) ReplaceReportTable(t ReportTable) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM report_tables WHERE report_name = ? AND table_name = ?",
		t.ReportName, t.TableName,
	); err != nil {
		return fmt.Errorf("dropping %s: %w", t.TableName, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO report_tables (report_name, table_name, title, table_alias, run_id, data, row_count, width_px, height_px)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ReportName, t.TableName, t.Title, t.Alias, t.RunID, string(t.Data), t.RowCount, t.WidthPx, t.HeightPx,
	); err != nil {
		return fmt.Errorf("writing %s: %w", t.TableName, err)
	}

	return tx.Commit()
}

// PruneReportTables deletes the tables of a report that were not written by
// runID, so a report holds exactly what its latest run produced.
func (db *DB) PruneReportTables(reportName, runID string) (int64, error) {
	result, err := db.conn.Exec(
		"DELETE FROM report_tables WHERE report_name = ? AND (run_id IS NULL OR run_id != ?)",
		reportName, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning tables of %s: %w", reportName, err)
	}
	return result.RowsAffected()
}

// GetReportTables returns all materialised tables of a report by name.
func (db *DB) GetReportTables(reportName string) ([]ReportTable, error) {
	rows, err := db.conn.Query(
		`SELECT id, report_name, table_name, title, table_alias, run_id, data, row_count, width_px, height_px, generated_at
		FROM report_tables WHERE report_name = ? ORDER BY table_name`, reportName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []ReportTable
	for rows.Next() {
		t, err := scanReportTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

// GetReportTable returns one materialised table, or nil.
func (db *DB) GetReportTable(reportName, tableName string) (*ReportTable, error) {
	row := db.conn.QueryRow(
		`SELECT id, report_name, table_name, title, table_alias, run_id, data, row_count, width_px, height_px, generated_at
		FROM report_tables WHERE report_name = ? AND table_name = ?`, reportName, tableName,
	)
	t, err := scanReportTable(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanReportTable(s scanner) (*ReportTable, error) {
	var t ReportTable
	var title, alias, runID sql.NullString
	var data string
	if err := s.Scan(&t.ID, &t.ReportName, &t.TableName, &title, &alias, &runID, &data,
		&t.RowCount, &t.WidthPx, &t.HeightPx, &t.GeneratedAt); err != nil {
		return nil, err
	}
	t.Title = title.String
	t.Alias = alias.String
	t.RunID = runID.String
	t.Data = []byte(data)
	return &t, nil
}

// InsertRun stores a run summary.
func (db *DB) InsertRun(r Run) error {
	warnings, err := json.Marshal(r.Warnings)
	if err != nil {
		return err
	}
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		`INSERT INTO report_runs (id, report_name, cutoff, scope_start, scope_end, ready, outcome, warnings, errors, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReportName, r.Cutoff, r.ScopeStart, r.ScopeEnd, r.Ready, r.Outcome,
		string(warnings), string(errs), r.StartedAt, r.FinishedAt,
	)
	return err
}

// GetRuns returns the latest runs of a report, newest first. An empty report
// name lists every report.
func (db *DB) GetRuns(reportName string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, report_name, cutoff, scope_start, scope_end, ready, outcome, warnings, errors, started_at, finished_at
		FROM report_runs`
	var args []any
	if reportName != "" {
		query += " WHERE report_name = ?"
		args = append(args, reportName)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns a run by id, or nil.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.conn.QueryRow(
		`SELECT id, report_name, cutoff, scope_start, scope_end, ready, outcome, warnings, errors, started_at, finished_at
		FROM report_runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var start, end, warnings, errs, startedAt, finishedAt sql.NullString
	var ready int
	if err := s.Scan(&r.ID, &r.ReportName, &r.Cutoff, &start, &end, &ready, &r.Outcome,
		&warnings, &errs, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.ScopeStart = start.String
	r.ScopeEnd = end.String
	r.Ready = ready != 0
	r.StartedAt = startedAt.String
	r.FinishedAt = finishedAt.String
	if warnings.Valid {
		if err := json.Unmarshal([]byte(warnings.String), &r.Warnings); err != nil {
			r.Warnings = nil
		}
	}
	if errs.Valid {
		if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
			r.Errors = nil
		}
	}
	return &r, nil
}
