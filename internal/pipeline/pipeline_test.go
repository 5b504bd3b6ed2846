package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/qreport/internal/classify"
	"github.com/TobiSchelling/qreport/internal/compose"
	"github.com/TobiSchelling/qreport/internal/config"
	"github.com/TobiSchelling/qreport/internal/database"
)

func ptr(s string) *string { return &s }

var cutoff = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, tables ...config.TableSpec) (*Pipeline, *database.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return pipelineFor(t, db, dir, tables...), db
}

// pipelineFor builds a pipeline over an existing database, as a config
// reload between runs would.
func pipelineFor(t *testing.T, db *database.DB, dir string, tables ...config.TableSpec) *Pipeline {
	t.Helper()
	cfg := &config.Config{
		Reports: []config.Report{{
			Name:            "Quarterly_Report",
			ToleranceDays:   14,
			RequiredAliases: []string{"edes"},
			Tables:          tables,
		}},
		Classifier: classify.Default,
		Output:     config.Output{DataDir: dir},
	}
	p, err := New(cfg, db)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func ingestEDES(t *testing.T, db *database.DB, at time.Time) {
	t.Helper()
	_, err := db.IngestUpload(database.Upload{
		Filename: "edes.csv", TableName: "edes_x", Alias: "edes", ReportName: "Quarterly_Report",
		UploadedAt: at, Rows: 3,
	}, []database.Fact{
		{ValidFrom: ptr("2024-02-10 00:00:00"), Label: ptr("STG call"), Unit: ptr("B1")},
		{ValidFrom: ptr("2024-05-01 00:00:00"), Label: ptr("unknown"), Unit: ptr("B1")},
		{ValidFrom: ptr("garbage"), Label: ptr("ADG"), Unit: ptr("B2")},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	p, db := setup(t, config.TableSpec{Name: "EDES_Table", Alias: "edes", Rows: "unit", Columns: "category"})
	ingestEDES(t, db, cutoff.AddDate(0, 0, -2))

	r, err := p.Run(context.Background(), "Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RunID == "" {
		t.Error("expected run id")
	}
	if r.Window.End.Format("2006-01-02") != "2024-03-31" {
		t.Errorf("unexpected scope %s", r.Window)
	}
	if r.Readiness == nil || !r.Readiness.Ready {
		t.Errorf("expected ready uploads, got %+v", r.Readiness)
	}
	// The unparseable date is a warning, not an error.
	if r.Outcome() != CompletedWithWarnings {
		t.Errorf("expected completed_with_warnings, got %s (errors %v)", r.Outcome(), r.Errors())
	}

	stored, err := db.GetReportTable("Quarterly_Report", "EDES_Table")
	if err != nil || stored == nil {
		t.Fatalf("expected stored table, got %v (%v)", stored, err)
	}
	if stored.RunID != r.RunID || stored.RowCount != 1 || stored.WidthPx != 600 {
		t.Errorf("unexpected stored table %+v", stored)
	}
	art, err := compose.Decode(stored.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if art.Table.Total() != 1 || len(art.Table.Rows) != 1 || art.Table.Rows[0].Key != "B1" || art.Table.Columns[0] != "STG" {
		t.Errorf("expected one STG fact for B1, got %+v", art.Table)
	}
	if art.RulesVersion != 1 {
		t.Errorf("expected rules version 1, got %d", art.RulesVersion)
	}

	run, err := db.GetRun(r.RunID)
	if err != nil || run == nil {
		t.Fatalf("expected stored run, got %v (%v)", run, err)
	}
	if run.Outcome != "completed_with_warnings" || !run.Ready || len(run.Warnings) != 1 {
		t.Errorf("unexpected run %+v", run)
	}

	doc, err := os.ReadFile(r.Document)
	if err != nil {
		t.Fatalf("expected composed document: %v", err)
	}
	if !strings.Contains(string(doc), "| B1 | 1 | 1 |") {
		t.Errorf("expected EDES table in document:\n%s", doc)
	}
	if !strings.Contains(string(doc), "## Upload readiness") {
		t.Error("expected readiness section")
	}
}

func TestRunReplacesTables(t *testing.T) {
	p, db := setup(t, config.TableSpec{Name: "EDES_Table", Alias: "edes", Rows: "unit", Columns: "category"})
	ingestEDES(t, db, cutoff.AddDate(0, 0, -2))

	first, _ := p.Run(context.Background(), "Quarterly_Report", cutoff)
	second, _ := p.Run(context.Background(), "Quarterly_Report", cutoff)

	tables, err := db.GetReportTables("Quarterly_Report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("expected one table after two runs, got %d", len(tables))
	}
	if tables[0].RunID != second.RunID || first.RunID == second.RunID {
		t.Errorf("expected table from second run %s, got %s", second.RunID, tables[0].RunID)
	}
	runs, _ := db.GetRuns("Quarterly_Report", 10)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestRunFailSoft(t *testing.T) {
	p, db := setup(t,
		config.TableSpec{Name: "Bad_Layout", Alias: "edes", Rows: "topic"},
		config.TableSpec{Name: "Missing_Upload", Alias: "grants"},
		config.TableSpec{Name: "EDES_Table", Alias: "edes", Rows: "unit", Columns: "category"},
	)
	ingestEDES(t, db, cutoff.AddDate(0, -2, 0))

	r, err := p.Run(context.Background(), "Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Outcome() != CompletedWithErrors {
		t.Errorf("expected completed_with_errors, got %s", r.Outcome())
	}
	if errs := r.Errors(); len(errs) != 1 || !strings.HasPrefix(errs[0], "Bad_Layout: ") {
		t.Errorf("unexpected errors %v", errs)
	}
	if r.Readiness.Ready {
		t.Error("expected stale upload to block readiness")
	}

	warnings := strings.Join(r.Warnings(), "\n")
	for _, want := range []string{"upload not ready: edes (Too Old)", "Missing_Upload: no upload of grants"} {
		if !strings.Contains(warnings, want) {
			t.Errorf("missing warning %q in:\n%s", want, warnings)
		}
	}

	// The tables after the failing one were still built.
	if got, _ := db.GetReportTable("Quarterly_Report", "EDES_Table"); got == nil {
		t.Error("expected EDES_Table despite earlier failure")
	}
	missing, _ := db.GetReportTable("Quarterly_Report", "Missing_Upload")
	if missing == nil {
		t.Fatal("expected no-data artifact for missing upload")
	}
	art, _ := compose.Decode(missing.Data)
	if !art.NoData {
		t.Error("expected no-data artifact")
	}
}

func TestRunOverwritesFailedAndRemovedTables(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ingestEDES(t, db, cutoff.AddDate(0, 0, -2))

	good := config.TableSpec{Name: "EDES_Table", Alias: "edes", Rows: "unit", Columns: "category"}
	if _, err := pipelineFor(t, db, dir, good).Run(context.Background(), "Quarterly_Report", cutoff); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Same table, now with a layout that cannot be built.
	broken := good
	broken.Rows = "topic"
	second, err := pipelineFor(t, db, dir, broken).Run(context.Background(), "Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Outcome() != CompletedWithErrors {
		t.Errorf("expected completed_with_errors, got %s", second.Outcome())
	}
	stored, _ := db.GetReportTable("Quarterly_Report", "EDES_Table")
	if stored == nil || stored.RunID != second.RunID {
		t.Fatalf("expected table replaced by the failing run, got %+v", stored)
	}
	art, err := compose.Decode(stored.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if art.Table != nil || !strings.Contains(art.Error, "unknown roll-up dimension") {
		t.Errorf("expected error artifact without a table, got %+v", art)
	}
	doc, _ := os.ReadFile(second.Document)
	if strings.Contains(string(doc), "| B1 | 1 | 1 |") {
		t.Errorf("previous run's table leaked into the document:\n%s", doc)
	}
	if !strings.Contains(string(doc), "Table could not be built") {
		t.Errorf("expected build error in the document:\n%s", doc)
	}

	// The table is dropped from the report altogether.
	other := config.TableSpec{Name: "Grants", Alias: "grants"}
	third, err := pipelineFor(t, db, dir, other).Run(context.Background(), "Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if got, _ := db.GetReportTable("Quarterly_Report", "EDES_Table"); got != nil {
		t.Errorf("expected removed table pruned, got %+v", got)
	}
	tables, _ := db.GetReportTables("Quarterly_Report")
	if len(tables) != 1 || tables[0].TableName != "Grants" {
		t.Errorf("expected only the configured table, got %+v", tables)
	}
	doc, _ = os.ReadFile(third.Document)
	if strings.Contains(string(doc), "EDES_Table") {
		t.Errorf("removed table still composed:\n%s", doc)
	}
}

func TestRunComposesInConfigOrder(t *testing.T) {
	p, db := setup(t,
		config.TableSpec{Name: "Zeta", Title: "Zeta table", Alias: "edes"},
		config.TableSpec{Name: "Alpha", Title: "Alpha table", Alias: "edes"},
	)
	ingestEDES(t, db, cutoff.AddDate(0, 0, -2))

	r, err := p.Run(context.Background(), "Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := os.ReadFile(r.Document)
	if err != nil {
		t.Fatalf("expected composed document: %v", err)
	}
	zeta, alpha := strings.Index(string(doc), "## Zeta table"), strings.Index(string(doc), "## Alpha table")
	if zeta < 0 || alpha < 0 || zeta > alpha {
		t.Errorf("expected Zeta before Alpha:\n%s", doc)
	}
	if !strings.Contains(string(doc), "| **TOTAL** | 0 | 1 | 0 | **1** |") {
		t.Errorf("expected zero-filled months with one fact in February:\n%s", doc)
	}
}

func TestRunSumsAmounts(t *testing.T) {
	p, db := setup(t, config.TableSpec{Name: "Commitments", Alias: "commitments", Measure: "amount"})
	amount := func(v float64) *float64 { return &v }
	_, err := db.IngestUpload(database.Upload{
		Filename: "commitments.csv", TableName: "commitments_x", Alias: "commitments",
		UploadedAt: cutoff.AddDate(0, 0, -1), Rows: 2,
	}, []database.Fact{
		{ValidFrom: ptr("2024-01-20"), Label: ptr("ERC-STG"), Amount: amount(1000.25)},
		{ValidFrom: ptr("2024-03-02"), Label: ptr("ERC-STG"), Amount: amount(499.75)},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := p.Run(context.Background(), "Quarterly_Report", cutoff); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := db.GetReportTable("Quarterly_Report", "Commitments")
	if stored == nil {
		t.Fatal("expected stored table")
	}
	art, _ := compose.Decode(stored.Data)
	if art.Table == nil || art.Table.Total() != 1500 {
		t.Errorf("expected amounts summed to 1500, got %+v", art.Table)
	}
}

func TestRunUnknownReport(t *testing.T) {
	p, _ := setup(t)
	_, err := p.Run(context.Background(), "Nope", cutoff)
	if !errors.Is(err, config.ErrUnknownReport) {
		t.Errorf("expected unknown report error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	p, _ := setup(t, config.TableSpec{Name: "EDES_Table", Alias: "edes"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx, "Quarterly_Report", cutoff); err == nil {
		t.Error("expected context error")
	}
}

func TestDryRun(t *testing.T) {
	p, db := setup(t,
		config.TableSpec{Name: "EDES_Table", Alias: "edes"},
		config.TableSpec{Name: "Grants", Alias: "grants"},
	)
	ingestEDES(t, db, cutoff.AddDate(0, 0, -2))

	r, err := p.DryRun("Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(r.Steps))
	}
	if !strings.Contains(r.Steps[1].Summary, "would roll up 3 rows") {
		t.Errorf("unexpected summary %q", r.Steps[1].Summary)
	}
	if !strings.Contains(r.Steps[2].Summary, "no upload of grants") {
		t.Errorf("unexpected summary %q", r.Steps[2].Summary)
	}
	if !strings.Contains(r.Steps[1].Summary, "January, February, March") {
		t.Errorf("expected months in scope, got %q", r.Steps[1].Summary)
	}
	runs, _ := db.GetRuns("", 10)
	if len(runs) != 0 {
		t.Error("expected dry run to store nothing")
	}
}

func TestDryRunReportsStoreErrors(t *testing.T) {
	p, db := setup(t, config.TableSpec{Name: "EDES_Table", Alias: "edes"})
	db.Close()

	r, err := p.DryRun("Quarterly_Report", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	step := r.Steps[1]
	if step.Err == nil || strings.Contains(step.Summary, "no upload") {
		t.Errorf("expected a store error instead of a missing upload, got %+v", step)
	}
}

func TestOutcome(t *testing.T) {
	r := &Result{Steps: []StepResult{{Name: "A"}}}
	if r.Outcome() != Success {
		t.Errorf("expected success, got %s", r.Outcome())
	}
	r.Steps = append(r.Steps, StepResult{Name: "B", Warnings: []string{"w"}})
	if r.Outcome() != CompletedWithWarnings {
		t.Errorf("expected warnings, got %s", r.Outcome())
	}
	r.Steps = append(r.Steps, StepResult{Name: "C", Err: os.ErrNotExist})
	if r.Outcome() != CompletedWithErrors {
		t.Errorf("expected errors, got %s", r.Outcome())
	}
}
