package service

import (
	"errors"
	"time"
)

// Status is the outcome of one meter in a sweep
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusUnchanged Status = "unchanged"
)

// RecordOutcome is the result for one meter
type RecordOutcome struct {
	MeterNumber    string `json:"meter_number"`
	ConsumerNumber string `json:"consumer_number"`
	Status         Status `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Published      bool   `json:"published"`
}

// SweepReport summarizes one sweep. Aborted means no meter was attempted
// (lock held or candidate fetch failed); Interrupted means shutdown stopped
// the sweep between meters.
type SweepReport struct {
	SweepID     string          `json:"sweep_id"`
	Mode        Mode            `json:"mode"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Candidates  int             `json:"candidates"`
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Unchanged   int             `json:"unchanged"`
	Unpublished int             `json:"unpublished"`
	Records     []RecordOutcome `json:"records"`
	Aborted     bool            `json:"aborted"`
	Interrupted bool            `json:"interrupted"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
}

func (r *SweepReport) add(o RecordOutcome) {
	r.Records = append(r.Records, o)
	switch o.Status {
	case StatusProcessed:
		r.Processed++
		if !o.Published {
			r.Unpublished++
		}
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	case StatusUnchanged:
		r.Unchanged++
	}
}

func (r *SweepReport) abort(err error) {
	r.Aborted = true
	r.setErr(err)
}

func (r *SweepReport) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// Outcome returns the recorded outcome for meterNumber
func (r *SweepReport) Outcome(meterNumber string) (RecordOutcome, bool) {
	for _, o := range r.Records {
		if o.MeterNumber == meterNumber {
			return o, true
		}
	}
	return RecordOutcome{}, false
}

func (r *SweepReport) result() string {
	switch {
	case r.Aborted && errors.Is(r.Err, ErrSweepInProgress):
		return "overlapped"
	case r.Aborted:
		return "aborted"
	case r.Interrupted:
		return "interrupted"
	}
	return "completed"
}

func (r *SweepReport) count(status Status) int {
	switch status {
	case StatusProcessed:
		return r.Processed
	case StatusSkipped:
		return r.Skipped
	case StatusFailed:
		return r.Failed
	case StatusUnchanged:
		return r.Unchanged
	}
	return 0
}
