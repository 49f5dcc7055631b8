// Package reading advances meter readings from elapsed time.
//
// The increment for a meter is drawn from a Source. The default RandomSource
// simulates consumption as a bounded random walk: after h whole hours the
// reading grows by an integer in [0, h-1]. Deployments with real metrology can
// plug in a Source backed by ingested readings without touching the sweeps.
package reading

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/tools/calendar"
	"github.com/shopspring/decimal"
)

// ErrInvalidData is returned when the stored reading is missing or not numeric
var ErrInvalidData = errors.New("invalid meter reading data")

// Source yields the reading increment for a meter given whole hours elapsed (>= 1)
type Source interface {
	Increment(meterNumber string, hoursElapsed int64) int64
}

// RandomSource returns floor(random() * hoursElapsed)
type RandomSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSource creates a RandomSource seeded from seed
func NewRandomSource(seed int64) *RandomSource {
	return &RandomSource{rnd: rand.New(rand.NewSource(seed))}
}

// Increment implements Source
func (s *RandomSource) Increment(_ string, hoursElapsed int64) int64 {
	if hoursElapsed <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int63n(hoursElapsed)
}

// FixedSource returns the same increment for every meter, capped at hoursElapsed-1
type FixedSource int64

// Increment implements Source
func (f FixedSource) Increment(_ string, hoursElapsed int64) int64 {
	if int64(f) > hoursElapsed-1 {
		return hoursElapsed - 1
	}
	if f < 0 {
		return 0
	}
	return int64(f)
}

// Advance describes one reading step
type Advance struct {
	HoursElapsed int64           `json:"hours_elapsed"`
	Increment    decimal.Decimal `json:"increment"`
}

// Advancer produces the next reading of a meter
type Advancer struct {
	source Source
}

// NewAdvancer creates an Advancer drawing increments from source
func NewAdvancer(source Source) *Advancer {
	return &Advancer{source: source}
}

// Advance returns the next reading for raw at now. The stored value is never
// coerced: a NULL or non-numeric current_reading yields ErrInvalidData.
func (a *Advancer) Advance(raw db.RawMeterReading, now time.Time) (db.MeterReading, Advance, error) {
	if raw.CurrentReading == nil {
		return db.MeterReading{}, Advance{}, fmt.Errorf("%w: current_reading is null for meter %s", ErrInvalidData, raw.MeterNumber)
	}
	current, err := decimal.NewFromString(*raw.CurrentReading)
	if err != nil {
		return db.MeterReading{}, Advance{}, fmt.Errorf("%w: current_reading %q for meter %s", ErrInvalidData, *raw.CurrentReading, raw.MeterNumber)
	}
	if current.IsNegative() {
		return db.MeterReading{}, Advance{}, fmt.Errorf("%w: negative current_reading %s for meter %s", ErrInvalidData, current, raw.MeterNumber)
	}

	hours := calendar.WholeHoursBetween(raw.ReadingTime, now)
	if hours < 1 {
		hours = 1
	}

	increment := decimal.NewFromInt(a.source.Increment(raw.MeterNumber, hours))

	next := db.MeterReading{
		RowID:           raw.RowID,
		MeterNumber:     raw.MeterNumber,
		ReadingTime:     now,
		CurrentReading:  current.Add(increment),
		PreviousReading: current,
		CreatedOn:       raw.CreatedOn,
	}

	return next, Advance{HoursElapsed: hours, Increment: increment}, nil
}
