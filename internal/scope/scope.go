// Package scope derives the reporting window for a report run from its
// cutoff date. Every function takes the cutoff explicitly.
package scope

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Window is a closed date range [Start, End]. Both bounds are midnight dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Resolve returns the reporting window for a cutoff date.
//
// A January cutoff reports the whole previous calendar year. Any other cutoff
// reports from January 1st of the cutoff year up to the end of the most
// recently completed quarter. February and March cutoffs have no completed
// quarter in the current year yet, so they also report the previous year.
func Resolve(cutoff time.Time) Window {
	cutoff = Date(cutoff)
	year := cutoff.Year()
	loc := cutoff.Location()

	if cutoff.Month() == time.January {
		return previousYear(year, loc)
	}

	// Last fully completed month, then back to a quarter-end month.
	lastMonth := int(cutoff.Month()) - 1
	quarterEnd := (lastMonth / 3) * 3
	if quarterEnd == 0 {
		return previousYear(year, loc)
	}

	return Window{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, loc),
		End:   lastDayOfMonth(year, time.Month(quarterEnd), loc),
	}
}

// MonthsBefore returns the full month names from January up to, but not
// including, the cutoff's month. It is empty for a January cutoff.
func MonthsBefore(cutoff time.Time) []string {
	months := make([]string, 0, 11)
	for m := time.January; m < cutoff.Month(); m++ {
		months = append(months, m.String())
	}
	return months
}

// ReportingYear is the calendar year a cutoff reports on.
func ReportingYear(cutoff time.Time) int {
	return Resolve(cutoff).End.Year()
}

// Period names the last quarter a cutoff reports on, e.g. "Q1 2024".
func Period(cutoff time.Time) string {
	return fmt.Sprintf("Q%d %d", Quarter(Resolve(cutoff).End), ReportingYear(cutoff))
}

// Quarter returns the calendar quarter (1-4) of t.
func Quarter(t time.Time) int {
	return (int(t.Month())-1)/3 + 1
}

// Date truncates t to midnight in its own location.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Contains reports whether t falls on any day of the window, end day included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.Until())
}

// Until is the exclusive upper bound of the window: midnight after End.
func (w Window) Until() time.Time {
	return w.End.AddDate(0, 0, 1)
}

// MonthStarts returns the first day of every month the window covers.
func (w Window) MonthStarts() []time.Time {
	var starts []time.Time
	cur := time.Date(w.Start.Year(), w.Start.Month(), 1, 0, 0, 0, 0, w.Start.Location())
	for !cur.After(w.End) {
		starts = append(starts, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return starts
}

// Months lists the month names covered by the window in calendar order.
func (w Window) Months() []string {
	starts := w.MonthStarts()
	months := make([]string, len(starts))
	for i, m := range starts {
		months[i] = m.Month().String()
	}
	return months
}

// String renders the window as "YYYY-MM-DD..YYYY-MM-DD".
func (w Window) String() string {
	return w.Start.Format(dateLayout) + ".." + w.End.Format(dateLayout)
}

// Display renders the window for humans, e.g. "Jan 01 - Mar 31, 2024".
func (w Window) Display() string {
	if w.Start.Year() != w.End.Year() {
		return fmt.Sprintf("%s - %s", w.Start.Format("Jan 02, 2006"), w.End.Format("Jan 02, 2006"))
	}
	return fmt.Sprintf("%s - %s", w.Start.Format("Jan 02"), w.End.Format("Jan 02, 2006"))
}

// ParseCutoff parses a YYYY-MM-DD cutoff date in UTC.
func ParseCutoff(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cutoff %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

func previousYear(year int, loc *time.Location) Window {
	return Window{
		Start: time.Date(year-1, time.January, 1, 0, 0, 0, 0, loc),
		End:   time.Date(year-1, time.December, 31, 0, 0, 0, 0, loc),
	}
}

func lastDayOfMonth(year int, month time.Month, loc *time.Location) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
}
