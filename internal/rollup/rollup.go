// Package rollup turns ingested facts into category tables for a reporting
// window.
package rollup

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/qreport/internal/classify"
	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/scope"
)

// Dimension is a grouping key of the pivot.
type Dimension string

const (
	ByCategory Dimension = "category"
	ByUnit     Dimension = "unit"
	ByMonth    Dimension = "month"
)

// Measure selects what the pivot sums per fact.
type Measure string

const (
	// Count sums a constant 1 per fact.
	Count Measure = "count"
	// Amount sums the fact's amount; facts without one add nothing.
	Amount Measure = "amount"
)

// label is the aggregation level of the pivot's column header.
func (m Measure) label() string {
	if m == Amount {
		return "AMOUNT"
	}
	return "COUNTER"
}

// NoUnit labels facts uploaded without a unit.
const NoUnit = "Unassigned"

// ErrUnknownDimension is returned for a layout naming an unsupported dimension.
var ErrUnknownDimension = errors.New("unknown roll-up dimension")

// ErrUnknownMeasure is returned for a measure other than count or amount.
var ErrUnknownMeasure = errors.New("unknown roll-up measure")

// Options configure a roll-up. The zero value counts categories against
// months with the default classifier.
type Options struct {
	Rows    Dimension
	Columns Dimension
	Measure Measure
	// EnforceStart also drops facts dated before the window start.
	EnforceStart bool
	Classifier   *classify.Classifier
}

// Result is a roll-up and its sizing hints. NoData is set, with a Reason,
// when nothing survived the date filter.
type Result struct {
	Table      *Table
	Hints      Hints
	NoData     bool
	Reason     string
	Kept       int
	Excluded   int // valid_from missing or unparseable
	OutOfScope int
	NoAmount   int // kept facts without an amount, when summing amounts
}

// Warnings describes data-quality issues met while building.
func (r *Result) Warnings() []string {
	var w []string
	if r.Excluded > 0 {
		w = append(w, fmt.Sprintf("%d rows without a valid date were excluded", r.Excluded))
	}
	if r.NoAmount > 0 {
		w = append(w, fmt.Sprintf("%d rows without an amount were summed as 0", r.NoAmount))
	}
	if r.NoData {
		w = append(w, r.Reason)
	}
	return w
}

// ParseDate parses a stored valid_from value. Slash dates with the year
// last are read day first (31/01/2024), as the exports write them.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02",
		"2006-01-02T15:04:05",
		time.RFC3339,
		"2006/01/02",
		"02/01/2006",
		"2006-01-02 15:04:05.999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported format: %s", value)
}

type key struct {
	label string
	order int
	at    time.Time
}

type dimFunc func(f database.Fact, when time.Time) key

// Build filters facts to the window, classifies them and sums the measure.
// Build is pure: the same inputs always give the same table.
func Build(facts []database.Fact, w scope.Window, opt Options) (*Result, error) {
	if opt.Rows == "" {
		opt.Rows = ByCategory
	}
	if opt.Columns == "" {
		opt.Columns = ByMonth
	}
	if opt.Measure == "" {
		opt.Measure = Count
	}
	if opt.Measure != Count && opt.Measure != Amount {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMeasure, opt.Measure)
	}
	if opt.Classifier == nil {
		opt.Classifier, _ = classify.New(classify.Default)
	}

	rowKey, err := dimension(opt.Rows, opt.Classifier)
	if err != nil {
		return nil, err
	}
	colKey, err := dimension(opt.Columns, opt.Classifier)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	sums := make(map[string]map[string]float64)
	rowKeys := make(map[string]key)
	colKeys := make(map[string]key)

	for _, f := range facts {
		if f.ValidFrom == nil {
			res.Excluded++
			continue
		}
		when, err := ParseDate(*f.ValidFrom)
		if err != nil {
			res.Excluded++
			continue
		}
		// Compare calendar days so an offset in the stored value cannot move
		// a fact across the window edge.
		day := time.Date(when.Year(), when.Month(), when.Day(), 0, 0, 0, 0, w.End.Location())
		if day.After(w.End) || (opt.EnforceStart && !w.Contains(day)) {
			res.OutOfScope++
			continue
		}
		res.Kept++

		value := 1.0
		if opt.Measure == Amount {
			value = 0
			if f.Amount != nil {
				value = *f.Amount
			} else {
				res.NoAmount++
			}
		}

		r, c := rowKey(f, day), colKey(f, day)
		rowKeys[r.label] = r
		colKeys[c.label] = c
		if sums[r.label] == nil {
			sums[r.label] = make(map[string]float64)
		}
		sums[r.label][c.label] += value
	}

	if res.Kept == 0 {
		res.NoData = true
		res.Reason = fmt.Sprintf("no data on or before %s", w.End.Format("2006-01-02"))
		res.Hints = Size(0, 0, 0)
		return res, nil
	}

	// Every month of the window gets a bucket, with or without facts.
	if opt.Rows == ByMonth {
		seedMonths(rowKeys, w)
	}
	if opt.Columns == ByMonth {
		seedMonths(colKeys, w)
	}

	rows := sortKeys(rowKeys)
	cols := sortKeys(colKeys)

	levels := make([][]string, len(cols))
	for i, c := range cols {
		levels[i] = []string{opt.Measure.label(), c.label}
	}

	table := &Table{
		RowHeader: headerOf(opt.Rows),
		Measure:   opt.Measure,
		Columns:   FlattenColumns(levels),
	}
	for _, r := range rows {
		values := make([]float64, len(cols))
		for j, c := range cols {
			values[j] = sums[r.label][c.label]
		}
		table.Rows = append(table.Rows, Row{Key: r.label, Values: values})
	}

	res.Table = table
	res.Hints = Size(len(table.Rows), len(table.Columns), table.Anomalies())
	return res, nil
}

func dimension(d Dimension, c *classify.Classifier) (dimFunc, error) {
	switch d {
	case ByCategory:
		return func(f database.Fact, _ time.Time) key {
			code := c.Of(f.Label)
			return key{label: string(code), order: c.Rank(code)}
		}, nil
	case ByUnit:
		return func(f database.Fact, _ time.Time) key {
			if f.Unit == nil || strings.TrimSpace(*f.Unit) == "" {
				return key{label: NoUnit, order: 1}
			}
			return key{label: strings.TrimSpace(*f.Unit)}
		}, nil
	case ByMonth:
		return func(_ database.Fact, when time.Time) key {
			return monthKey(time.Date(when.Year(), when.Month(), 1, 0, 0, 0, 0, time.UTC))
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, d)
	}
}

func monthKey(first time.Time) key {
	return key{label: first.Format("Jan 2006"), at: first}
}

func seedMonths(keys map[string]key, w scope.Window) {
	for _, m := range w.MonthStarts() {
		k := monthKey(time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC))
		if _, ok := keys[k.label]; !ok {
			keys[k.label] = k
		}
	}
}

func headerOf(d Dimension) string {
	switch d {
	case ByUnit:
		return "Unit"
	case ByMonth:
		return "Month"
	default:
		return "Category"
	}
}

func sortKeys(m map[string]key) []key {
	keys := make([]key, 0, len(m))
	for _, k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.order != b.order {
			return a.order < b.order
		}
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.label < b.label
	})
	return keys
}
