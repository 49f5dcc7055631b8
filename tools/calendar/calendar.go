package calendar

import (
	"time"
)

// WholeHoursBetween returns the number of complete hours from start to end.
// A negative span (clock skew) counts as zero.
func WholeHoursBetween(start, end time.Time) int64 {
	diff := end.Sub(start)
	if diff < 0 {
		return 0
	}
	return int64(diff / time.Hour)
}

// StartOfMonth returns midnight of the first day of t's month in loc
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// DayOfMonth returns midnight of the given day of t's month in loc
func DayOfMonth(t time.Time, day int, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, loc)
}

// StartOfPreviousMonth returns midnight of the first day of the month before t's month
func StartOfPreviousMonth(t time.Time, loc *time.Location) time.Time {
	return StartOfMonth(t, loc).AddDate(0, -1, 0)
}

// EndOfPreviousMonth returns midnight of the last day of the month before t's month
func EndOfPreviousMonth(t time.Time, loc *time.Location) time.Time {
	return StartOfMonth(t, loc).AddDate(0, 0, -1)
}

// MonthsBefore returns t shifted back by n calendar months, normalised the way time.AddDate does
func MonthsBefore(t time.Time, n int) time.Time {
	return t.AddDate(0, -n, 0)
}

// DateBefore compares the calendar dates of a and b, each read in its own location
func DateBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}
