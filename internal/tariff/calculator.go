// Package tariff computes postpaid bill charges and prepaid deductions from
// consumed units and a per-unit tariff rate.
package tariff

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTariff is returned when the rate is zero, negative or missing
	ErrInvalidTariff = errors.New("invalid tariff rate")
	// ErrNegativeConsumption is returned when units consumed is below zero
	ErrNegativeConsumption = errors.New("negative consumption")
)

// Charges is the breakdown of a bill amount
type Charges struct {
	Energy  decimal.Decimal `json:"energy_charges"`
	Fixed   decimal.Decimal `json:"fixed_charges"`
	Tax     decimal.Decimal `json:"taxes"`
	Subsidy decimal.Decimal `json:"subsidy"`
	Other   decimal.Decimal `json:"other_charges"`
	Total   decimal.Decimal `json:"total_amount"`
}

// Policy holds the tariff constants applied on top of the energy charge
type Policy struct {
	FixedCharge decimal.Decimal
	TaxRate     decimal.Decimal
	SubsidyRate decimal.Decimal
}

// DefaultPolicy returns 150.00 fixed, 18% tax and 5% subsidy
func DefaultPolicy() Policy {
	return Policy{
		FixedCharge: decimal.NewFromFloat(150.00),
		TaxRate:     decimal.NewFromFloat(0.18),
		SubsidyRate: decimal.NewFromFloat(0.05),
	}
}

// Calculator applies a Policy to consumption
type Calculator struct {
	policy Policy
}

// NewCalculator creates a calculator for the given policy
func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy}
}

// Energy returns units * rate
func (c *Calculator) Energy(units, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidTariff, rate)
	}
	if units.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s units", ErrNegativeConsumption, units)
	}
	return units.Mul(rate), nil
}

// Charge returns the full postpaid breakdown for the consumed units.
// Tax and subsidy apply to the energy charge only.
func (c *Calculator) Charge(units, rate decimal.Decimal) (Charges, error) {
	energy, err := c.Energy(units, rate)
	if err != nil {
		return Charges{}, err
	}

	tax := energy.Mul(c.policy.TaxRate)
	subsidy := energy.Mul(c.policy.SubsidyRate)
	other := decimal.Zero

	return Charges{
		Energy:  energy,
		Fixed:   c.policy.FixedCharge,
		Tax:     tax,
		Subsidy: subsidy,
		Other:   other,
		Total:   energy.Add(c.policy.FixedCharge).Add(tax).Sub(subsidy).Add(other),
	}, nil
}
