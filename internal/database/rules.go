package database

import (
	"database/sql"
	"time"
)

// InsertSheetRule records the sheet used for a workbook.
func (db *DB) InsertSheetRule(filename, sheetName string) error {
	_, err := db.conn.Exec(
		`INSERT INTO sheet_rules (filename, sheet_name, rule_created_at) VALUES (?, ?, ?)`,
		filename, sheetName, FormatTimestamp(time.Now()),
	)
	return err
}

// GetExistingRule returns the most recently recorded sheet for a filename,
// or nil if none exists.
func (db *DB) GetExistingRule(filename string) (*string, error) {
	var sheet sql.NullString
	err := db.conn.QueryRow(
		`SELECT sheet_name FROM sheet_rules WHERE filename = ?
		ORDER BY rule_created_at DESC, id DESC LIMIT 1`, filename,
	).Scan(&sheet)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sheet.Valid {
		return nil, nil
	}
	return &sheet.String, nil
}

// InsertTransformRule stores a column rename/exclusion for a file.
func (db *DB) InsertTransformRule(r TransformRule) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO transform_rules (filename, sheet, original_column, renamed_column, included, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Filename, r.Sheet, r.OriginalColumn, r.RenamedColumn, r.Included, FormatTimestamp(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTransformRules returns the column rules of a file, oldest first, so that
// later rules override earlier ones when applied in order.
func (db *DB) GetTransformRules(filename string) ([]TransformRule, error) {
	rows, err := db.conn.Query(
		`SELECT id, filename, sheet, original_column, renamed_column, included, created_at
		FROM transform_rules WHERE filename = ? ORDER BY id`, filename,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []TransformRule
	for rows.Next() {
		var r TransformRule
		var sheet, original, renamed sql.NullString
		var included sql.NullBool
		if err := rows.Scan(&r.ID, &r.Filename, &sheet, &original, &renamed, &included, &r.CreatedAt); err != nil {
			return nil, err
		}
		if !original.Valid {
			continue
		}
		r.OriginalColumn = original.String
		r.Sheet = sheet.String
		r.RenamedColumn = renamed.String
		r.Included = !included.Valid || included.Bool
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
