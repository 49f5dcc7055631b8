// Package billing decides when a postpaid meter is due for a bill and which
// calendar window and baseline reading the new bill covers.
package billing

import (
	"time"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/tools/calendar"
)

// BillState is the billing position of a meter relative to now
type BillState int

const (
	NoBillYet BillState = iota
	BillCurrent
	BillOverdue
)

func (s BillState) String() string {
	switch s {
	case NoBillYet:
		return "no_bill_yet"
	case BillCurrent:
		return "bill_current"
	case BillOverdue:
		return "bill_overdue"
	default:
		return "unknown"
	}
}

// State classifies the meter from its most recent bill. lastBill is nil when
// the meter has never been billed. A bill whose period already reaches the
// window PeriodFor(now) would cover is current even when the one-month cutoff
// has passed, so a window is never billed twice.
func State(lastBill *db.LastBill, now time.Time, loc *time.Location) BillState {
	if lastBill == nil {
		return NoBillYet
	}
	if lastBill.PeriodEnd.After(calendar.MonthsBefore(now, 1)) {
		return BillCurrent
	}
	if !calendar.DateBefore(lastBill.PeriodEnd, PeriodFor(now, loc).End) {
		return BillCurrent
	}
	return BillOverdue
}

// IsDue reports whether a new bill must be generated
func IsDue(lastBill *db.LastBill, now time.Time, loc *time.Location) bool {
	return State(lastBill, now, loc) != BillCurrent
}

// Period holds the dates printed on a bill
type Period struct {
	Start       time.Time
	End         time.Time
	ReadingDate time.Time
	DueDate     time.Time
}

// DueDay is the day of the generation month on which the bill falls due
const DueDay = 9

// PeriodFor returns the previous calendar month as the billed window, read on
// the 1st and due on the 9th of now's month.
func PeriodFor(now time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.Local
	}
	return Period{
		Start:       calendar.StartOfPreviousMonth(now, loc),
		End:         calendar.EndOfPreviousMonth(now, loc),
		ReadingDate: calendar.StartOfMonth(now, loc),
		DueDate:     calendar.DayOfMonth(now, DueDay, loc),
	}
}
