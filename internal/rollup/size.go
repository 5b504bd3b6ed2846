package rollup

// Hints are pixel dimensions suggested to whatever renders a table.
type Hints struct {
	WidthPx  int `json:"width_px"`
	HeightPx int `json:"height_px"`
}

const (
	stubWidth      = 250
	columnWidth    = 80
	minWidth       = 600
	maxWidth       = 1800
	titleHeight    = 30
	subtitleHeight = 20
	headerHeight   = 35
	rowHeight      = 40
	footerPadding  = 30
	borderPadding  = 20
	deviationBump  = 5
	minHeight      = 300
	maxHeight      = 1200
)

// Size computes the hints for a table with the given number of data rows,
// data columns and anomalous rows. Anomalous rows add height only once they
// make up more than a tenth of the table.
func Size(rows, cols, anomalies int) Hints {
	width := stubWidth + cols*columnWidth
	height := titleHeight + subtitleHeight + headerHeight +
		rows*rowHeight + footerPadding + borderPadding
	if anomalies > 0 && anomalies*10 > rows {
		height += anomalies * deviationBump
	}
	return Hints{
		WidthPx:  clamp(width, minWidth, maxWidth),
		HeightPx: clamp(height, minHeight, maxHeight),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
