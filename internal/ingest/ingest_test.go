package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/qreport/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const edesCSV = `VALID_FROM,CALL,UNIT,Amount,Comment,Project Id
2024-02-10 00:00:00,ERC-2023-STG,B1,12.5,late,101
2024-05-01 00:00:00,unknown,,,,102
`

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"VALID_FROM":   "valid_from",
		" Project Id ": "project_id",
		"call-type":    "call_type",
		"\ufeffCALL":   "call",
		"amount":       "amount",
	}
	for in, want := range tests {
		if got := NormalizeHeader(in); got != want {
			t.Errorf("NormalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoad(t *testing.T) {
	facts, cols, err := Load(strings.NewReader(edesCSV), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols != 6 {
		t.Errorf("expected 6 columns, got %d", cols)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}

	f := facts[0]
	if f.Label == nil || *f.Label != "ERC-2023-STG" {
		t.Errorf("expected CALL mapped to label, got %v", f.Label)
	}
	if f.ValidFrom == nil || *f.ValidFrom != "2024-02-10 00:00:00" {
		t.Errorf("unexpected valid_from %v", f.ValidFrom)
	}
	if f.Amount == nil || *f.Amount != 12.5 {
		t.Errorf("unexpected amount %v", f.Amount)
	}
	if f.Attrs["comment"] != "late" || f.Attrs["project_id"] != "101" {
		t.Errorf("expected extra columns in attrs, got %v", f.Attrs)
	}

	g := facts[1]
	if g.Unit != nil || g.Amount != nil {
		t.Errorf("expected empty cells to be nil, got unit=%v amount=%v", g.Unit, g.Amount)
	}
	if _, ok := g.Attrs["comment"]; ok {
		t.Error("expected empty attrs to be skipped")
	}
}

func TestLoadTransformRules(t *testing.T) {
	rules := []database.TransformRule{
		{OriginalColumn: "Comment", Included: false},
		{OriginalColumn: "Project Id", RenamedColumn: "Project", Included: true},
	}
	facts, cols, err := Load(strings.NewReader(edesCSV), rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols != 5 {
		t.Errorf("expected dropped column not counted, got %d", cols)
	}
	if _, ok := facts[0].Attrs["comment"]; ok {
		t.Error("expected excluded column to be dropped")
	}
	if facts[0].Attrs["project"] != "101" {
		t.Errorf("expected renamed column, got %v", facts[0].Attrs)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, _, err := Load(strings.NewReader(""), nil); err == nil {
		t.Error("expected error for empty file")
	}
	if _, _, err := Load(strings.NewReader("a,b\n1,2,3\n"), nil); err == nil {
		t.Error("expected error for ragged row")
	}
}

func TestFile(t *testing.T) {
	db := openTestDB(t)
	path := filepath.Join(t.TempDir(), "edes.csv")
	if err := os.WriteFile(path, []byte(edesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, time.May, 30, 9, 15, 0, 0, time.UTC)

	sum, err := File(db, path, Options{Alias: "edes", ReportName: "Quarterly_Report", Sheet: "EDES", UploadedAt: when})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Rows != 2 || sum.TableName != "edes_20240530_0915" {
		t.Errorf("unexpected summary %+v", sum)
	}

	u, err := db.ClosestUpload("edes", when)
	if err != nil || u == nil {
		t.Fatalf("expected logged upload, got %v (%v)", u, err)
	}
	if u.ID != sum.UploadID || u.ReportName != "Quarterly_Report" || u.Rows != 2 {
		t.Errorf("unexpected upload %+v", u)
	}
	facts, _ := db.GetFacts(u.ID)
	if len(facts) != 2 {
		t.Errorf("expected 2 stored facts, got %d", len(facts))
	}

	// The sheet is remembered for the next upload of the same file.
	again, err := File(db, path, Options{Alias: "edes", UploadedAt: when.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Sheet != "EDES" {
		t.Errorf("expected remembered sheet EDES, got %q", again.Sheet)
	}
}

func TestFileRequiresAlias(t *testing.T) {
	db := openTestDB(t)
	if _, err := File(db, "missing.csv", Options{}); err == nil {
		t.Error("expected error without alias")
	}
}
