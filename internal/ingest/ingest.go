// Package ingest loads exported sheets (CSV) into the fact store and logs
// the upload.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/logger"
)

// record holds the columns a fact is built from. Everything else lands in
// Fact.Attrs.
type record struct {
	ValidFrom string `csv:"valid_from"`
	Label     string `csv:"label"`
	Unit      string `csv:"unit"`
	Amount    string `csv:"amount"`
}

// synonyms map normalised headers found in exports to record columns.
var synonyms = map[string]string{
	"call":       "label",
	"call_type":  "label",
	"topic":      "label",
	"valid_date": "valid_from",
	"date":       "valid_from",
	"unit_code":  "unit",
	"value":      "amount",
}

const droppedPrefix = "__dropped_"

// Options describe one upload.
type Options struct {
	Alias      string
	ReportName string
	// Sheet is the worksheet the file was exported from. It is remembered
	// per filename; when empty the last remembered sheet is reused.
	Sheet      string
	UploadedAt time.Time
}

// Summary reports what an ingest wrote.
type Summary struct {
	UploadID  int64
	TableName string
	Sheet     string
	Rows      int
	Cols      int
}

// NormalizeHeader lowercases a header and turns spaces and dashes into
// underscores.
func NormalizeHeader(value string) string {
	value = strings.TrimPrefix(value, "\ufeff")
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, " ", "_")
	value = strings.ReplaceAll(value, "-", "_")
	return value
}

// Load decodes CSV rows into facts. Transform rules rename columns or drop
// them when not included. The returned count is the number of columns kept.
func Load(r io.Reader, rules []database.TransformRule) ([]database.Fact, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	raw, err := cr.Read()
	if err == io.EOF {
		return nil, 0, errors.New("empty file")
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}

	header := mapHeader(raw, rules)
	kept := 0
	for _, h := range header {
		if !strings.HasPrefix(h, droppedPrefix) {
			kept++
		}
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, 0, fmt.Errorf("creating decoder: %w", err)
	}

	var facts []database.Fact
	for line := 2; ; line++ {
		var rec record
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}

		f := database.Fact{
			ValidFrom: nonEmpty(rec.ValidFrom),
			Label:     nonEmpty(rec.Label),
			Unit:      nonEmpty(rec.Unit),
		}
		if a := strings.TrimSpace(rec.Amount); a != "" {
			if v, err := strconv.ParseFloat(a, 64); err == nil {
				f.Amount = &v
			}
		}

		fields := dec.Record()
		for _, i := range dec.Unused() {
			if strings.HasPrefix(header[i], droppedPrefix) || fields[i] == "" {
				continue
			}
			if f.Attrs == nil {
				f.Attrs = make(map[string]string)
			}
			f.Attrs[header[i]] = fields[i]
		}
		facts = append(facts, f)
	}
	return facts, kept, nil
}

// File ingests a CSV file as a new upload of opt.Alias.
func File(db *database.DB, path string, opt Options) (*Summary, error) {
	log := logger.Named("ingest")
	if opt.Alias == "" {
		return nil, errors.New("alias is required")
	}
	if opt.UploadedAt.IsZero() {
		opt.UploadedAt = time.Now()
	}
	filename := filepath.Base(path)

	sheet := opt.Sheet
	if sheet == "" {
		remembered, err := db.GetExistingRule(filename)
		if err != nil {
			return nil, fmt.Errorf("looking up sheet rule: %w", err)
		}
		if remembered != nil {
			sheet = *remembered
			log.Debug().Str("file", filename).Str("sheet", sheet).Msg("reusing remembered sheet")
		}
	}

	rules, err := db.GetTransformRules(filename)
	if err != nil {
		return nil, fmt.Errorf("loading transform rules: %w", err)
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	facts, cols, err := Load(fh, rules)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}

	tableName := fmt.Sprintf("%s_%s", opt.Alias, opt.UploadedAt.UTC().Format("20060102_1504"))
	id, err := db.IngestUpload(database.Upload{
		Filename:   filename,
		TableName:  tableName,
		Alias:      opt.Alias,
		ReportName: opt.ReportName,
		UploadedAt: opt.UploadedAt,
		Rows:       len(facts),
		Cols:       cols,
	}, facts)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %w", opt.Alias, err)
	}

	if opt.Sheet != "" {
		if err := db.InsertSheetRule(filename, opt.Sheet); err != nil {
			log.Warn().Err(err).Str("file", filename).Msg("could not remember sheet")
		}
	}

	log.Info().
		Str("alias", opt.Alias).
		Str("table", tableName).
		Int("rows", len(facts)).
		Int("cols", cols).
		Msg("upload ingested")

	return &Summary{UploadID: id, TableName: tableName, Sheet: sheet, Rows: len(facts), Cols: cols}, nil
}

func mapHeader(raw []string, rules []database.TransformRule) []string {
	byColumn := make(map[string]database.TransformRule, len(rules))
	for _, r := range rules {
		byColumn[NormalizeHeader(r.OriginalColumn)] = r
	}

	header := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, h := range raw {
		name := NormalizeHeader(h)
		if r, ok := byColumn[name]; ok {
			if !r.Included {
				header[i] = fmt.Sprintf("%s%d", droppedPrefix, i)
				continue
			}
			if r.RenamedColumn != "" {
				name = NormalizeHeader(r.RenamedColumn)
			}
		}
		if canonical, ok := synonyms[name]; ok && !seen[canonical] {
			name = canonical
		}
		if name == "" || seen[name] {
			name = fmt.Sprintf("column_%d", i+1)
		}
		seen[name] = true
		header[i] = name
	}
	return header
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
