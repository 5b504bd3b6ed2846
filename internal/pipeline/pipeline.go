package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/qreport/internal/classify"
	"github.com/TobiSchelling/qreport/internal/compose"
	"github.com/TobiSchelling/qreport/internal/config"
	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/freshness"
	"github.com/TobiSchelling/qreport/internal/logger"
	"github.com/TobiSchelling/qreport/internal/rollup"
	"github.com/TobiSchelling/qreport/internal/scope"
)

// Outcome is the overall verdict of a run.
type Outcome string

const (
	Success               Outcome = "success"
	CompletedWithWarnings Outcome = "completed_with_warnings"
	CompletedWithErrors   Outcome = "completed_with_errors"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name     string
	Summary  string
	Warnings []string
	Err      error
}

// Result holds the results of a full report run.
type Result struct {
	RunID     string
	Report    string
	Cutoff    time.Time
	Window    scope.Window
	Readiness *freshness.Result
	Steps     []StepResult
	// Document is the path of the composed markdown, if written.
	Document string
}

// Warnings collects the warnings of every step, prefixed with the step name.
func (r *Result) Warnings() []string {
	var out []string
	for _, s := range r.Steps {
		for _, w := range s.Warnings {
			out = append(out, s.Name+": "+w)
		}
	}
	return out
}

// Errors collects the failed steps.
func (r *Result) Errors() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s.Name+": "+s.Err.Error())
		}
	}
	return out
}

// Outcome separates clean runs from runs with warnings or errors.
func (r *Result) Outcome() Outcome {
	switch {
	case len(r.Errors()) > 0:
		return CompletedWithErrors
	case len(r.Warnings()) > 0:
		return CompletedWithWarnings
	default:
		return Success
	}
}

// Pipeline runs a configured report: readiness, one roll-up per table, then
// the composed document.
type Pipeline struct {
	cfg        *config.Config
	db         *database.DB
	classifier *classify.Classifier
	policy     freshness.Policy
}

// New creates a new pipeline.
func New(cfg *config.Config, db *database.DB) (*Pipeline, error) {
	c, err := cfg.Classify()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		db:         db,
		classifier: c,
		policy:     freshness.Policy{StaleOnBoundary: cfg.StaleOnBoundary()},
	}, nil
}

// Run compiles a report for a cutoff. Steps fail independently; a failing
// table is recorded and the run moves on. Only an unknown report or a
// cancelled context stop the run early. The summary is persisted under a new
// run id.
func (p *Pipeline) Run(ctx context.Context, reportName string, cutoff time.Time) (*Result, error) {
	report, err := p.cfg.Report(reportName)
	if err != nil {
		return nil, err
	}
	log := logger.Named("pipeline").With().Str("report", report.Name).Logger()

	started := time.Now()
	r := &Result{
		RunID:  uuid.NewString(),
		Report: report.Name,
		Cutoff: cutoff,
		Window: scope.Resolve(cutoff),
	}
	log.Info().Str("run", r.RunID).Str("scope", r.Window.String()).Msg("run started")

	total := len(report.Tables) + 2
	log.Info().Msgf("Step 1/%d: Checking uploads...", total)
	r.Steps = append(r.Steps, p.runReadiness(report, r))

	for i, spec := range report.Tables {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		log.Info().Msgf("Step %d/%d: Building %s...", i+2, total, spec.Name)
		step := p.runTable(report, spec, r)
		if step.Err != nil {
			log.Error().Err(step.Err).Str("table", spec.Name).Str("alias", spec.Alias).Msg("table failed")
		}
		r.Steps = append(r.Steps, step)
	}

	if err := ctx.Err(); err != nil {
		return r, err
	}
	log.Info().Msgf("Step %d/%d: Composing report...", total, total)
	r.Steps = append(r.Steps, p.runCompose(report, r))

	run := database.Run{
		ID:         r.RunID,
		ReportName: r.Report,
		Cutoff:     cutoff.Format("2006-01-02"),
		ScopeStart: r.Window.Start.Format("2006-01-02"),
		ScopeEnd:   r.Window.End.Format("2006-01-02"),
		Ready:      r.Readiness != nil && r.Readiness.Ready,
		Outcome:    string(r.Outcome()),
		Warnings:   r.Warnings(),
		Errors:     r.Errors(),
		StartedAt:  database.FormatTimestamp(started),
		FinishedAt: database.FormatTimestamp(time.Now()),
	}
	if err := p.db.InsertRun(run); err != nil {
		log.Error().Err(err).Msg("could not store run summary")
		r.Steps = append(r.Steps, StepResult{Name: "Summary", Err: err})
	}

	log.Info().Str("outcome", string(r.Outcome())).
		Int("warnings", len(r.Warnings())).
		Int("errors", len(r.Errors())).
		Msg("run finished")
	return r, nil
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(reportName string, cutoff time.Time) (*Result, error) {
	report, err := p.cfg.Report(reportName)
	if err != nil {
		return nil, err
	}
	r := &Result{Report: report.Name, Cutoff: cutoff, Window: scope.Resolve(cutoff)}

	r.Steps = append(r.Steps, StepResult{
		Name:    "Readiness",
		Summary: fmt.Sprintf("[dry-run] %d required uploads, tolerance %d days", len(report.RequiredAliases), report.ToleranceDays),
	})

	for _, spec := range report.Tables {
		u, err := p.db.ClosestUpload(spec.Alias, cutoff)
		if err != nil {
			r.Steps = append(r.Steps, StepResult{
				Name: spec.Name,
				Err:  fmt.Errorf("reading upload log for %s: %w", spec.Alias, err),
			})
			continue
		}
		if u == nil {
			r.Steps = append(r.Steps, StepResult{
				Name:    spec.Name,
				Summary: fmt.Sprintf("[dry-run] no upload of %s yet", spec.Alias),
			})
			continue
		}
		r.Steps = append(r.Steps, StepResult{
			Name: spec.Name,
			Summary: fmt.Sprintf("[dry-run] would roll up %d rows of %s uploaded %s over %s (%s)",
				u.Rows, u.TableName, database.FormatUploadTime(u.UploadedAt), r.Window,
				strings.Join(r.Window.Months(), ", ")),
		})
	}

	r.Steps = append(r.Steps, StepResult{
		Name:    "Compose",
		Summary: fmt.Sprintf("[dry-run] would write %s", p.documentPath(report.Name, cutoff)),
	})
	return r, nil
}

func (p *Pipeline) runReadiness(report *config.Report, r *Result) StepResult {
	step := StepResult{Name: "Readiness"}
	res, err := freshness.Check(p.db, report.Name, r.Cutoff, report.ToleranceDays, report.RequiredAliases, p.policy)
	if err != nil {
		step.Err = err
		return step
	}
	r.Readiness = res

	fresh := 0
	for _, row := range res.Rows {
		if row.Status == freshness.Fresh {
			fresh++
		}
	}
	step.Summary = fmt.Sprintf("%d/%d uploads fresh", fresh, len(res.Rows))
	for _, blocked := range res.NotReady() {
		step.Warnings = append(step.Warnings, "upload not ready: "+blocked)
	}
	return step
}

func (p *Pipeline) runTable(report *config.Report, spec config.TableSpec, r *Result) StepResult {
	step := StepResult{Name: spec.Name}
	art := &compose.Artifact{
		Report:       report.Name,
		Name:         spec.Name,
		Title:        spec.Title,
		Alias:        spec.Alias,
		Cutoff:       r.Cutoff.Format("2006-01-02"),
		Scope:        r.Window.String(),
		ScopeLabel:   r.Window.Display(),
		RulesVersion: p.classifier.Version(),
	}

	res, err := p.buildTable(spec, r, art, &step)
	if err != nil {
		// A failed table still replaces the previous one, with the error in
		// place of the data.
		step.Err = err
		art.Error = err.Error()
		res = &rollup.Result{NoData: true, Hints: rollup.Size(0, 0, 0)}
	} else {
		step.Warnings = append(step.Warnings, res.Warnings()...)
		art.Table = res.Table
		art.Hints = res.Hints
		art.NoData = res.NoData
		art.Reason = res.Reason
		art.Kept = res.Kept
		art.Excluded = res.Excluded
	}

	if err := p.saveTable(report, spec, r, art, res); err != nil {
		if step.Err != nil {
			err = fmt.Errorf("%v; %w", step.Err, err)
		}
		step.Err = err
		return step
	}
	if step.Err != nil {
		return step
	}

	if res.NoData {
		step.Summary = "no data"
	} else {
		step.Summary = fmt.Sprintf("%d rows in scope, %d table rows, %dx%d px, category rules v%d",
			res.Kept, len(res.Table.Rows), res.Hints.WidthPx, res.Hints.HeightPx, p.classifier.Version())
	}
	return step
}

// buildTable reads the upload closest to the cutoff and rolls it up.
func (p *Pipeline) buildTable(spec config.TableSpec, r *Result, art *compose.Artifact, step *StepResult) (*rollup.Result, error) {
	u, err := p.db.ClosestUpload(spec.Alias, r.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("reading upload log for %s: %w", spec.Alias, err)
	}

	var facts []database.Fact
	if u != nil {
		art.UploadID = u.ID
		art.UploadedAt = database.FormatUploadTime(u.UploadedAt)
		facts, err = p.db.GetFacts(u.ID)
		if err != nil {
			return nil, fmt.Errorf("reading rows of %s: %w", u.TableName, err)
		}
	} else {
		step.Warnings = append(step.Warnings, fmt.Sprintf("no upload of %s", spec.Alias))
	}

	return rollup.Build(facts, r.Window, rollup.Options{
		Rows:         rollup.Dimension(spec.Rows),
		Columns:      rollup.Dimension(spec.Columns),
		Measure:      rollup.Measure(spec.Measure),
		EnforceStart: spec.EnforceStart,
		Classifier:   p.classifier,
	})
}

func (p *Pipeline) saveTable(report *config.Report, spec config.TableSpec, r *Result, art *compose.Artifact, res *rollup.Result) error {
	data, err := compose.Encode(art)
	if err != nil {
		return err
	}
	rowCount := 0
	if res.Table != nil {
		rowCount = len(res.Table.Rows)
	}
	if err := p.db.ReplaceReportTable(database.ReportTable{
		ReportName: report.Name,
		TableName:  spec.Name,
		Title:      spec.Title,
		Alias:      spec.Alias,
		RunID:      r.RunID,
		Data:       data,
		RowCount:   rowCount,
		WidthPx:    res.Hints.WidthPx,
		HeightPx:   res.Hints.HeightPx,
	}); err != nil {
		return fmt.Errorf("saving %s: %w", spec.Name, err)
	}
	return nil
}

func (p *Pipeline) runCompose(report *config.Report, r *Result) StepResult {
	step := StepResult{Name: "Compose"}

	// Tables this run did not write belong to earlier runs or to tables no
	// longer configured.
	pruned, err := p.db.PruneReportTables(report.Name, r.RunID)
	if err != nil {
		step.Err = err
		return step
	}
	if pruned > 0 {
		logger.Named("pipeline").Debug().Str("report", report.Name).Int64("pruned", pruned).Msg("dropped stale tables")
	}

	tables, err := p.db.GetReportTables(report.Name)
	if err != nil {
		step.Err = err
		return step
	}
	order := make(map[string]int, len(report.Tables))
	for i, t := range report.Tables {
		order[t.Name] = i
	}
	sort.SliceStable(tables, func(i, j int) bool {
		return order[tables[i].TableName] < order[tables[j].TableName]
	})

	// The run row is stored after composing, so summarise this run inline.
	run := &database.Run{
		Cutoff:     r.Cutoff.Format("2006-01-02"),
		ScopeStart: r.Window.Start.Format("2006-01-02"),
		ScopeEnd:   r.Window.End.Format("2006-01-02"),
		Ready:      r.Readiness != nil && r.Readiness.Ready,
		Outcome:    string(r.Outcome()),
		Warnings:   r.Warnings(),
		Errors:     r.Errors(),
	}
	doc := compose.Document(report.Name, run, tables)
	if r.Readiness != nil {
		doc += "\n---\n\n## Upload readiness\n\n" + compose.Readiness(r.Readiness)
	}

	path := p.documentPath(report.Name, r.Cutoff)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		step.Err = fmt.Errorf("creating report directory: %w", err)
		return step
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		step.Err = fmt.Errorf("writing %s: %w", path, err)
		return step
	}
	r.Document = path
	step.Summary = fmt.Sprintf("%d tables written to %s", len(tables), path)
	return step
}

func (p *Pipeline) documentPath(report string, cutoff time.Time) string {
	return filepath.Join(p.cfg.GetDataDir(), "reports", fmt.Sprintf("%s_%s.md", report, cutoff.Format("2006-01-02")))
}
