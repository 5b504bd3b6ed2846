package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertUploadLog appends an upload record stamped with the current time.
// The table name doubles as the alias.
func (db *DB) InsertUploadLog(filename, tableName string, rows, cols int) (int64, error) {
	return db.LogUpload(Upload{Filename: filename, TableName: tableName, Rows: rows, Cols: cols})
}

// LogUpload appends an upload record. A zero UploadedAt is stamped with now.
func (db *DB) LogUpload(u Upload) (int64, error) {
	return insertUpload(db.conn, u)
}

// IngestUpload appends an upload record together with its rows.
func (db *DB) IngestUpload(u Upload, facts []Fact) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertUpload(tx, u)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO facts (upload_id, valid_from, label, unit, amount, attrs) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, f := range facts {
		var attrs *string
		if len(f.Attrs) > 0 {
			data, err := json.Marshal(f.Attrs)
			if err != nil {
				return 0, err
			}
			s := string(data)
			attrs = &s
		}
		if _, err := stmt.Exec(id, f.ValidFrom, f.Label, f.Unit, f.Amount, attrs); err != nil {
			return 0, fmt.Errorf("inserting row %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertUpload(e execer, u Upload) (int64, error) {
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}
	alias := u.Alias
	if alias == "" {
		alias = u.TableName
	}
	var report *string
	if u.ReportName != "" {
		report = &u.ReportName
	}

	result, err := e.Exec(
		`INSERT INTO upload_log (filename, table_name, table_alias, report_name, uploaded_at, rows, cols)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Filename, u.TableName, alias, report, FormatTimestamp(u.UploadedAt), u.Rows, u.Cols,
	)
	if err != nil {
		return 0, fmt.Errorf("logging upload of %s: %w", alias, err)
	}
	return result.LastInsertId()
}

// LastUploads returns the most recent upload time per alias for a report.
// Uploads logged without a report name count for every report.
func (db *DB) LastUploads(reportName string) (map[string]time.Time, error) {
	rows, err := db.conn.Query(
		`SELECT COALESCE(table_alias, table_name), uploaded_at FROM upload_log
		WHERE report_name = ? OR report_name IS NULL OR report_name = ''`, reportName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	last := make(map[string]time.Time)
	for rows.Next() {
		var alias, stamp sql.NullString
		if err := rows.Scan(&alias, &stamp); err != nil {
			return nil, err
		}
		if !alias.Valid || !stamp.Valid {
			continue
		}
		t, err := ParseTimestamp(stamp.String)
		if err != nil {
			continue
		}
		if prev, ok := last[alias.String]; !ok || t.After(prev) {
			last[alias.String] = t
		}
	}
	return last, rows.Err()
}

// ClosestUpload returns the upload of an alias whose time is closest to at,
// or nil if the alias was never uploaded.
func (db *DB) ClosestUpload(alias string, at time.Time) (*Upload, error) {
	row := db.conn.QueryRow(
		`SELECT id, filename, table_name, table_alias, report_name, uploaded_at, rows, cols
		FROM upload_log WHERE COALESCE(table_alias, table_name) = ?
		ORDER BY ABS(julianday(uploaded_at) - julianday(?)), id DESC LIMIT 1`,
		alias, FormatTimestamp(at),
	)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUploadHistory returns the latest uploads, newest first.
func (db *DB) GetUploadHistory(limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, filename, table_name, table_alias, report_name, uploaded_at, rows, cols
		FROM upload_log ORDER BY uploaded_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}

// GetFacts returns the rows ingested with an upload, in insertion order.
func (db *DB) GetFacts(uploadID int64) ([]Fact, error) {
	rows, err := db.conn.Query(
		`SELECT id, upload_id, valid_from, label, unit, amount, attrs
		FROM facts WHERE upload_id = ? ORDER BY id`, uploadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var attrs *string
		if err := rows.Scan(&f.ID, &f.UploadID, &f.ValidFrom, &f.Label, &f.Unit, &f.Amount, &attrs); err != nil {
			return nil, err
		}
		if attrs != nil {
			if err := json.Unmarshal([]byte(*attrs), &f.Attrs); err != nil {
				f.Attrs = nil
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (*Upload, error) {
	var u Upload
	var filename, tableName, alias, report, stamp sql.NullString
	var nRows, nCols sql.NullInt64
	if err := s.Scan(&u.ID, &filename, &tableName, &alias, &report, &stamp, &nRows, &nCols); err != nil {
		return nil, err
	}
	u.Filename = filename.String
	u.TableName = tableName.String
	u.Alias = alias.String
	u.ReportName = report.String
	u.Rows = int(nRows.Int64)
	u.Cols = int(nCols.Int64)
	if stamp.Valid {
		if t, err := ParseTimestamp(stamp.String); err == nil {
			u.UploadedAt = t
		}
	}
	return &u, nil
}
