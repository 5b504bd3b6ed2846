// Package compose renders report tables and run summaries as markdown.
package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/freshness"
	"github.com/TobiSchelling/qreport/internal/logger"
	"github.com/TobiSchelling/qreport/internal/rollup"
	"github.com/TobiSchelling/qreport/internal/scope"
)

// TotalLabel heads the totals column and row.
const TotalLabel = "TOTAL"

// Composer assembles a report document from the stored tables and the
// latest run.
type Composer struct {
	db *database.DB
}

// NewComposer creates a new report composer.
func NewComposer(db *database.DB) *Composer {
	return &Composer{db: db}
}

// ComposeReport builds the markdown document of a report from its latest
// run. It returns an empty string when the report has never been run.
func (c *Composer) ComposeReport(reportName string) (string, error) {
	runs, err := c.db.GetRuns(reportName, 1)
	if err != nil {
		return "", err
	}
	tables, err := c.db.GetReportTables(reportName)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 && len(tables) == 0 {
		logger.Named("compose").Debug().Str("report", reportName).Msg("nothing to compose")
		return "", nil
	}

	var run *database.Run
	if len(runs) > 0 {
		run = &runs[0]
	}
	return Document(reportName, run, tables), nil
}

// Document assembles the header, run summary and one section per table.
// Tables that fail to decode are reported inline rather than dropped.
func Document(reportName string, run *database.Run, tables []database.ReportTable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.ReplaceAll(reportName, "_", " "))
	if run != nil {
		b.WriteString(RunSummary(run))
	}

	var sections []string
	for _, t := range tables {
		a, err := Decode(t.Data)
		if err != nil {
			sections = append(sections, fmt.Sprintf("## %s\n\n_Table could not be read: %v_", t.TableName, err))
			continue
		}
		sections = append(sections, Section(a))
	}
	if len(sections) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(sections, "\n\n---\n\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// RunSummary renders the outcome of a run with its warnings and errors.
func RunSummary(run *database.Run) string {
	var b strings.Builder
	if cutoff, err := time.Parse("2006-01-02", run.Cutoff); err == nil {
		fmt.Fprintf(&b, "**Period:** %s  \n", scope.Period(cutoff))
	}
	fmt.Fprintf(&b, "**Cutoff:** %s  \n", run.Cutoff)
	fmt.Fprintf(&b, "**Scope:** %s .. %s  \n", run.ScopeStart, run.ScopeEnd)
	ready := "no"
	if run.Ready {
		ready = "yes"
	}
	fmt.Fprintf(&b, "**Uploads ready:** %s  \n", ready)
	fmt.Fprintf(&b, "**Outcome:** %s\n", OutcomeLabel(run.Outcome))

	if len(run.Errors) > 0 {
		b.WriteString("\n**Errors**\n\n")
		for _, e := range run.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(run.Warnings) > 0 {
		b.WriteString("\n**Warnings**\n\n")
		for _, w := range run.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

// OutcomeLabel renders a stored outcome for people.
func OutcomeLabel(outcome string) string {
	switch outcome {
	case "success":
		return "completed successfully"
	case "completed_with_warnings":
		return "completed with warnings"
	case "completed_with_errors":
		return "completed with errors"
	default:
		return outcome
	}
}

// Section renders one artifact as a markdown section.
func Section(a *Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", a.Heading())
	fmt.Fprintf(&b, "_%s, upload `%s`", a.ScopeLabel, a.Alias)
	if a.UploadedAt != "" {
		fmt.Fprintf(&b, " of %s", a.UploadedAt)
	}
	if a.RulesVersion > 0 {
		fmt.Fprintf(&b, ", category rules v%d", a.RulesVersion)
	}
	b.WriteString("_\n\n")

	if a.Error != "" {
		fmt.Fprintf(&b, "> Table could not be built: %s\n", a.Error)
		return b.String()
	}
	if a.NoData || a.Table == nil {
		reason := a.Reason
		if reason == "" {
			reason = "no data"
		}
		fmt.Fprintf(&b, "> %s\n", reason)
		return b.String()
	}
	b.WriteString(Table(a.Table, true))
	return b.String()
}

// Table renders a roll-up as a pipe table. With totals, a TOTAL column and
// a TOTAL row are appended.
func Table(t *rollup.Table, totals bool) string {
	header := append([]string{t.RowHeader}, t.Columns...)
	if totals {
		header = append(header, TotalLabel)
	}

	var b strings.Builder
	writeRow(&b, header)
	sep := make([]string, len(header))
	sep[0] = "---"
	for i := 1; i < len(sep); i++ {
		sep[i] = "---:"
	}
	writeRow(&b, sep)

	for i, r := range t.Rows {
		cells := []string{escape(r.Key)}
		for _, v := range r.Values {
			cells = append(cells, t.Format(v))
		}
		if totals {
			cells = append(cells, t.Format(t.RowTotal(i)))
		}
		writeRow(&b, cells)
	}

	if totals {
		cells := []string{"**" + TotalLabel + "**"}
		for j := range t.Columns {
			cells = append(cells, t.Format(t.ColumnTotal(j)))
		}
		cells = append(cells, "**"+t.Format(t.Total())+"**")
		writeRow(&b, cells)
	}
	return b.String()
}

// Readiness renders a freshness result as a pipe table followed by the
// overall verdict.
func Readiness(res *freshness.Result) string {
	var b strings.Builder
	writeRow(&b, freshness.Columns)
	writeRow(&b, []string{"---", "---", "---"})
	for _, row := range res.Table() {
		writeRow(&b, []string{escape(row[0]), row[1], row[2]})
	}
	verdict := "Ready"
	if !res.Ready {
		verdict = "Not ready"
	}
	fmt.Fprintf(&b, "\n**%s** (uploads after %s)\n", verdict, res.Threshold.Format("2006-01-02"))
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |\n")
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
