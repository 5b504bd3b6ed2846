// Package freshness decides whether the uploads a report depends on are
// recent enough to compile it.
package freshness

import (
	"fmt"
	"sort"
	"time"

	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/logger"
	"github.com/TobiSchelling/qreport/internal/scope"
)

// Status is the readiness of one required alias. The values are the literal
// strings shown in the readiness table.
type Status string

const (
	Fresh   Status = "Fresh Upload"
	Stale   Status = "Too Old"
	Missing Status = "Missing"
)

// Column headers of the readiness table.
var Columns = []string{"Required Table Alias", "Status", "Last Upload"}

// Source reports the most recent upload time per alias for a report.
type Source interface {
	LastUploads(reportName string) (map[string]time.Time, error)
}

// Policy controls the staleness boundary. With StaleOnBoundary an upload made
// exactly at the threshold is stale; without it only strictly older uploads
// are.
type Policy struct {
	StaleOnBoundary bool
}

// DefaultPolicy treats the boundary as stale.
var DefaultPolicy = Policy{StaleOnBoundary: true}

// Row is the readiness of one alias.
type Row struct {
	Alias      string
	Status     Status
	LastUpload *time.Time
}

// LastUploadText renders the last upload as YYYY-MM-DD HH:MM, or "-".
func (r Row) LastUploadText() string {
	if r.LastUpload == nil {
		return "-"
	}
	return database.FormatUploadTime(*r.LastUpload)
}

// Result is the readiness of a report at a cutoff.
type Result struct {
	Report    string
	Cutoff    time.Time
	Threshold time.Time
	Rows      []Row
	Ready     bool
}

// Table returns the rows as strings under Columns.
func (r *Result) Table() [][]string {
	out := make([][]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, []string{row.Alias, string(row.Status), row.LastUploadText()})
	}
	return out
}

// NotReady lists the aliases that block the report, with their status.
func (r *Result) NotReady() []string {
	var blocked []string
	for _, row := range r.Rows {
		if row.Status != Fresh {
			blocked = append(blocked, fmt.Sprintf("%s (%s)", row.Alias, row.Status))
		}
	}
	return blocked
}

// Threshold is the oldest acceptable upload time: midnight of the cutoff day
// minus toleranceDays.
func Threshold(cutoff time.Time, toleranceDays int) time.Time {
	return scope.Date(cutoff).AddDate(0, 0, -toleranceDays)
}

// Classify returns the status of an alias last uploaded at last. A nil last
// upload is Missing.
func (p Policy) Classify(last *time.Time, threshold time.Time) Status {
	switch {
	case last == nil:
		return Missing
	case p.StaleOnBoundary && !last.After(threshold):
		return Stale
	case !p.StaleOnBoundary && last.Before(threshold):
		return Stale
	default:
		return Fresh
	}
}

// Check classifies every required alias of a report. Aliases are reported in
// sorted order and each appears once, uploaded or not. Only a failing read of
// the upload log returns an error.
func Check(src Source, report string, cutoff time.Time, toleranceDays int, aliases []string, policy Policy) (*Result, error) {
	last, err := src.LastUploads(report)
	if err != nil {
		return nil, fmt.Errorf("reading upload log for %s: %w", report, err)
	}

	threshold := Threshold(cutoff, toleranceDays)
	res := &Result{
		Report:    report,
		Cutoff:    cutoff,
		Threshold: threshold,
		Ready:     true,
	}

	for _, alias := range uniqueSorted(aliases) {
		row := Row{Alias: alias}
		if t, ok := last[alias]; ok {
			row.LastUpload = &t
		}
		row.Status = policy.Classify(row.LastUpload, threshold)
		if row.Status != Fresh {
			res.Ready = false
		}
		res.Rows = append(res.Rows, row)
	}

	logger.Named("freshness").Debug().
		Str("report", report).
		Str("threshold", threshold.Format("2006-01-02")).
		Bool("ready", res.Ready).
		Int("aliases", len(res.Rows)).
		Msg("readiness checked")

	return res, nil
}

func uniqueSorted(aliases []string) []string {
	seen := make(map[string]bool, len(aliases))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
