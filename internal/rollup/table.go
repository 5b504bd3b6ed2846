package rollup

import (
	"strconv"
	"strings"
)

// Table is a zero-filled pivot: one Row per row key, one value per column.
type Table struct {
	RowHeader string   `json:"row_header"`
	Measure   Measure  `json:"measure,omitempty"`
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
}

// Row is one line of a Table.
type Row struct {
	Key    string    `json:"key"`
	Values []float64 `json:"values"`
}

// Total sums every cell.
func (t *Table) Total() float64 {
	var total float64
	for i := range t.Rows {
		total += t.RowTotal(i)
	}
	return total
}

// RowTotal sums row i.
func (t *Table) RowTotal(i int) float64 {
	var total float64
	for _, v := range t.Rows[i].Values {
		total += v
	}
	return total
}

// ColumnTotal sums column j.
func (t *Table) ColumnTotal(j int) float64 {
	var total float64
	for _, r := range t.Rows {
		total += r.Values[j]
	}
	return total
}

// Format renders a cell: counts as whole numbers, amounts with two decimals.
func (t *Table) Format(v float64) string {
	if t.Measure == Amount {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Anomalies counts rows whose key mentions a deviation.
func (t *Table) Anomalies() int {
	n := 0
	for _, r := range t.Rows {
		if strings.Contains(strings.ToLower(r.Key), "deviation") {
			n++
		}
	}
	return n
}

// FlattenColumns collapses multi-level column labels into single strings.
// Levels that are identical across all columns carry no information and are
// dropped, unless that would leave nothing. The remaining levels are joined
// with a space and stray separators are trimmed.
func FlattenColumns(levels [][]string) []string {
	if len(levels) == 0 {
		return nil
	}
	depth := 0
	for _, l := range levels {
		if len(l) > depth {
			depth = len(l)
		}
	}

	keep := make([]bool, depth)
	kept := 0
	for d := 0; d < depth; d++ {
		first := levelAt(levels[0], d)
		for _, l := range levels[1:] {
			if levelAt(l, d) != first {
				keep[d] = true
				kept++
				break
			}
		}
	}
	if kept == 0 {
		keep[depth-1] = true
	}

	out := make([]string, len(levels))
	for i, l := range levels {
		var parts []string
		for d := 0; d < depth; d++ {
			if !keep[d] {
				continue
			}
			if p := strings.Trim(levelAt(l, d), " _-"); p != "" {
				parts = append(parts, p)
			}
		}
		out[i] = strings.Join(parts, " ")
	}
	return out
}

func levelAt(l []string, d int) string {
	if d < len(l) {
		return l[d]
	}
	return ""
}
