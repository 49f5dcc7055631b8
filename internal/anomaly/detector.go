// Package anomaly flags postpaid bills whose consumption is out of line with
// the consumer's recent bills.
package anomaly

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Detector handles anomaly detection with configurable thresholds
type Detector struct {
	spikeThreshold            decimal.Decimal
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            decimal.NewFromFloat(spikeThreshold),
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectAnomaly checks units against the units of previous bills.
// An empty reason means nothing was flagged.
func (d *Detector) DetectAnomaly(units decimal.Decimal, history []decimal.Decimal) (bool, string) {
	if d == nil {
		return false, ""
	}

	if units.IsNegative() {
		return true, "negative consumption"
	}

	if len(history) == 0 || len(history) < d.minDataPointsForDetection {
		return false, ""
	}

	average := decimal.Avg(history[0], history[1:]...)

	// spike: more than threshold x the average of previous bills
	if average.IsPositive() && units.GreaterThan(d.spikeThreshold.Mul(average)) {
		return true, fmt.Sprintf("sudden spike detected: %s units exceeds %sx rolling average %s",
			units.StringFixed(2), d.spikeThreshold.String(), average.StringFixed(2))
	}

	return false, ""
}
