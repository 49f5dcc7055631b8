package balance

import (
	"github.com/shopspring/decimal"
)

// ApplyCharge deducts charge from balance, clamping the result at zero
func ApplyCharge(balance, charge decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, balance.Sub(charge))
}

// Deduction describes one prepaid balance change
type Deduction struct {
	Charge   decimal.Decimal `json:"charge"`
	Previous decimal.Decimal `json:"previous_balance"`
	Current  decimal.Decimal `json:"current_balance"`
}

// Deduct applies charge and reports the before/after balances
func Deduct(balance, charge decimal.Decimal) Deduction {
	return Deduction{
		Charge:   charge,
		Previous: balance,
		Current:  ApplyCharge(balance, charge),
	}
}
