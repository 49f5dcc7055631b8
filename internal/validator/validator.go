package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/septivank/cis-meter-worker/internal/tariff"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTariff marks a missing, zero, negative or non-numeric tariff rate
	ErrInvalidTariff = tariff.ErrInvalidTariff
	// ErrInvalidReading marks a missing or non-numeric meter reading
	ErrInvalidReading = reading.ErrInvalidData
	// ErrInvalidBalance marks a missing, negative or non-numeric prepaid balance
	ErrInvalidBalance = errors.New("invalid prepaid balance")
	// ErrMissingMeter marks a candidate row without a meter number
	ErrMissingMeter = errors.New("missing meter number")
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
	Err     error
}

func invalid(err error, format string, args ...any) ValidationResult {
	reason := fmt.Sprintf(format, args...)
	return ValidationResult{
		IsValid: false,
		Reason:  reason,
		Err:     fmt.Errorf("%w: %s", err, reason),
	}
}

// PrepaidInput is a validated prepaid candidate
type PrepaidInput struct {
	Candidate  db.PrepaidCandidate
	TariffRate decimal.Decimal
	Balance    decimal.Decimal
}

// PostpaidInput is a validated postpaid candidate
type PostpaidInput struct {
	Candidate  db.PostpaidCandidate
	TariffRate decimal.Decimal
}

// ValidatePrepaid parses the numeric fields of a prepaid candidate
func ValidatePrepaid(c db.PrepaidCandidate) (PrepaidInput, ValidationResult) {
	if res := validateReading(c.Reading); !res.IsValid {
		return PrepaidInput{}, res
	}

	rate, res := ParseTariff(c.TariffRate)
	if !res.IsValid {
		return PrepaidInput{}, res
	}

	balance, res := ParseBalance(c.CurrentBalance)
	if !res.IsValid {
		return PrepaidInput{}, res
	}

	return PrepaidInput{Candidate: c, TariffRate: rate, Balance: balance}, ValidationResult{IsValid: true}
}

// ValidatePostpaid parses the numeric fields of a postpaid candidate
func ValidatePostpaid(c db.PostpaidCandidate) (PostpaidInput, ValidationResult) {
	if res := validateReading(c.Reading); !res.IsValid {
		return PostpaidInput{}, res
	}

	rate, res := ParseTariff(c.TariffRate)
	if !res.IsValid {
		return PostpaidInput{}, res
	}

	return PostpaidInput{Candidate: c, TariffRate: rate}, ValidationResult{IsValid: true}
}

// ParseTariff parses a raw tariff_rate; it must be a finite number above zero
func ParseTariff(raw *string) (decimal.Decimal, ValidationResult) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.Zero, invalid(ErrInvalidTariff, "tariff_rate is missing")
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.Zero, invalid(ErrInvalidTariff, "tariff_rate %q is not numeric", *raw)
	}
	if !rate.IsPositive() {
		return decimal.Zero, invalid(ErrInvalidTariff, "tariff_rate %s must be greater than zero", rate)
	}
	return rate, ValidationResult{IsValid: true}
}

// ParseBalance parses a raw current_balance; it must be a number not below zero
func ParseBalance(raw *string) (decimal.Decimal, ValidationResult) {
	if raw == nil {
		return decimal.Zero, invalid(ErrInvalidBalance, "current_balance is null")
	}
	balance, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return decimal.Zero, invalid(ErrInvalidBalance, "current_balance %q is not numeric", *raw)
	}
	if balance.IsNegative() {
		return decimal.Zero, invalid(ErrInvalidBalance, "current_balance %s is negative", balance)
	}
	return balance, ValidationResult{IsValid: true}
}

func validateReading(r db.RawMeterReading) ValidationResult {
	if strings.TrimSpace(r.MeterNumber) == "" {
		return invalid(ErrMissingMeter, "empty meter number")
	}
	if r.CurrentReading == nil {
		return invalid(ErrInvalidReading, "current_reading is null")
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*r.CurrentReading))
	if err != nil {
		return invalid(ErrInvalidReading, "current_reading %q is not numeric", *r.CurrentReading)
	}
	if value.IsNegative() {
		return invalid(ErrInvalidReading, "current_reading %s is negative", value)
	}
	return ValidationResult{IsValid: true}
}

// IsDataError reports whether err is a per-meter data problem that skips the meter
func IsDataError(err error) bool {
	return errors.Is(err, ErrInvalidTariff) ||
		errors.Is(err, ErrInvalidReading) ||
		errors.Is(err, ErrInvalidBalance) ||
		errors.Is(err, ErrMissingMeter) ||
		errors.Is(err, tariff.ErrNegativeConsumption)
}
