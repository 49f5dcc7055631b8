package billing

import (
	"math/rand"
	"sync"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/shopspring/decimal"
)

// BaselinePolicy supplies the previous reading for a meter's first bill.
//
// The random policy is a stand-in for initial-reading ingestion and has no
// billing meaning of its own.
type BaselinePolicy interface {
	Baseline(meterNumber string, preAdvanceReading decimal.Decimal) decimal.Decimal
}

// RandomBaseline draws an integer baseline in [Min, Max]
type RandomBaseline struct {
	Min int64
	Max int64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomBaseline creates a RandomBaseline over the inclusive range [min, max]
func NewRandomBaseline(min, max int64, seed int64) *RandomBaseline {
	return &RandomBaseline{Min: min, Max: max, rnd: rand.New(rand.NewSource(seed))}
}

// Baseline implements BaselinePolicy
func (b *RandomBaseline) Baseline(_ string, _ decimal.Decimal) decimal.Decimal {
	if b.Max <= b.Min {
		return decimal.NewFromInt(b.Min)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return decimal.NewFromInt(b.Min + b.rnd.Int63n(b.Max-b.Min+1))
}

// ReadingBaseline bills the first period from the meter's reading before this sweep advanced it
type ReadingBaseline struct{}

// Baseline implements BaselinePolicy
func (ReadingBaseline) Baseline(_ string, preAdvanceReading decimal.Decimal) decimal.Decimal {
	return preAdvanceReading
}

// FixedBaseline always returns the same value
type FixedBaseline decimal.Decimal

// Baseline implements BaselinePolicy
func (f FixedBaseline) Baseline(_ string, _ decimal.Decimal) decimal.Decimal {
	return decimal.Decimal(f)
}

// PreviousReading returns the reading a new bill starts from: the last bill's
// current reading, or the policy baseline for a meter never billed.
func PreviousReading(lastBill *db.LastBill, policy BaselinePolicy, meterNumber string, preAdvance decimal.Decimal) decimal.Decimal {
	if lastBill != nil {
		return lastBill.CurrentReading
	}
	return policy.Baseline(meterNumber, preAdvance)
}
