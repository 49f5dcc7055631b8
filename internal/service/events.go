package service

import (
	"time"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/shopspring/decimal"
)

// Event types carried in every payload
const (
	EventReadingUpdated  = "meter_reading_updated"
	EventBalanceDeducted = "prepaid_balance_deducted"
	EventBillGenerated   = "bill_generated"
)

// ReadingEvent is published on the reading routing key after a reading advances
type ReadingEvent struct {
	EventType       string          `json:"event_type"`
	SweepID         string          `json:"sweep_id,omitempty"`
	Source          string          `json:"source"`
	RowID           int64           `json:"row_id"`
	MeterNumber     string          `json:"meter_number"`
	ConsumerNumber  string          `json:"consumer_number,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	CurrentReading  decimal.Decimal `json:"current_reading"`
	ReadingTime     time.Time       `json:"reading_time"`
	HoursElapsed    int64           `json:"hours_elapsed"`
	Increment       decimal.Decimal `json:"increment"`
}

// BalanceEvent is published on the consumer routing key after a prepaid deduction
type BalanceEvent struct {
	EventType       string          `json:"event_type"`
	SweepID         string          `json:"sweep_id,omitempty"`
	MeterNumber     string          `json:"meter_number"`
	ConsumerNumber  string          `json:"consumer_number"`
	UserID          string          `json:"user_id,omitempty"`
	BalanceID       int64           `json:"balance_id"`
	TariffRate      decimal.Decimal `json:"tariff_rate"`
	Units           decimal.Decimal `json:"units"`
	Charge          decimal.Decimal `json:"charge"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	ReadingTime     time.Time       `json:"reading_time"`
}

// BillEvent is published on the consumer routing key after a bill is inserted
type BillEvent struct {
	EventType string `json:"event_type"`
	SweepID   string `json:"sweep_id,omitempty"`
	db.Bill
	TariffRate    decimal.Decimal `json:"tariff_rate"`
	AnomalyReason string          `json:"anomaly_reason,omitempty"`
}

type outboundEvent struct {
	routingKey string
	payload    any
}

func readingEvent(sweepID, source string, r db.MeterReading, hours int64, increment decimal.Decimal) ReadingEvent {
	return ReadingEvent{
		EventType:       EventReadingUpdated,
		SweepID:         sweepID,
		Source:          source,
		RowID:           r.RowID,
		MeterNumber:     r.MeterNumber,
		PreviousReading: r.PreviousReading,
		CurrentReading:  r.CurrentReading,
		ReadingTime:     r.ReadingTime,
		HoursElapsed:    hours,
		Increment:       increment,
	}
}
