package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionType is the billing mode of a consumer account
type ConnectionType string

const (
	ConnectionPrepaid  ConnectionType = "Prepaid"
	ConnectionPostpaid ConnectionType = "Postpaid"
)

// BillStatusGenerated is the status of a freshly inserted bill
const BillStatusGenerated = "generated"

// MeterReading represents the latest reading row of a meter
type MeterReading struct {
	RowID           int64           `json:"row_id"`
	MeterNumber     string          `json:"meter_number"`
	ReadingTime     time.Time       `json:"reading_time"`
	CurrentReading  decimal.Decimal `json:"current_reading"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	CreatedOn       *time.Time      `json:"created_on,omitempty"`
}

// RawMeterReading is a meter_readings row with numeric columns fetched as text.
// Nil fields are NULL in the database.
type RawMeterReading struct {
	RowID           int64
	MeterNumber     string
	ReadingTime     time.Time
	CurrentReading  *string
	PreviousReading *string
	CreatedOn       *time.Time
}

// PrepaidCandidate is one row of the prepaid sweep join
type PrepaidCandidate struct {
	Reading        RawMeterReading
	ConsumerNumber string
	UserID         string
	TariffRate     *string
	BalanceID      int64
	CurrentBalance *string
}

// PostpaidCandidate is one row of the postpaid sweep join
type PostpaidCandidate struct {
	Reading        RawMeterReading
	ConsumerNumber string
	UserID         string
	ConnectionType ConnectionType
	TariffRate     *string
}

// LastBill is the slice of the most recent bill needed for eligibility
type LastBill struct {
	BillID         int64
	PeriodEnd      time.Time
	CurrentReading decimal.Decimal
}

// Bill represents a postpaid bill row
type Bill struct {
	BillID          int64           `json:"bill_id"`
	ConsumerNumber  string          `json:"consumer_number"`
	MeterNumber     string          `json:"meter_number"`
	BillPeriodStart time.Time       `json:"bill_period_start"`
	BillPeriodEnd   time.Time       `json:"bill_period_end"`
	ReadingDate     time.Time       `json:"reading_date"`
	CurrentReading  decimal.Decimal `json:"current_reading"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	UnitsConsumed   decimal.Decimal `json:"units_consumed"`
	EnergyCharges   decimal.Decimal `json:"energy_charges"`
	FixedCharges    decimal.Decimal `json:"fixed_charges"`
	Taxes           decimal.Decimal `json:"taxes"`
	Subsidy         decimal.Decimal `json:"subsidy"`
	OtherCharges    decimal.Decimal `json:"other_charges"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	DueDate         time.Time       `json:"due_date"`
	BillStatus      string          `json:"bill_status"`
	CreatedOn       time.Time       `json:"created_on"`
}
