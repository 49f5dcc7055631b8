package service

import (
	"context"
	"time"

	"github.com/septivank/cis-meter-worker/internal/billing"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/logging"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"github.com/septivank/cis-meter-worker/internal/validator"
	"go.uber.org/zap"
)

// postpaidMeter bills one postpaid meter when its billing window has passed.
// The reading row is locked before the last bill is read, so the check and
// the insert see the same state.
func (s *Sweeper) postpaidMeter(ctx context.Context, sweepID string, c db.PostpaidCandidate, now time.Time, logger *zap.Logger) RecordOutcome {
	logger = logging.WithMeter(logger, c.Reading.MeterNumber)
	outcome := RecordOutcome{
		MeterNumber:    c.Reading.MeterNumber,
		ConsumerNumber: c.ConsumerNumber,
	}

	in, result := validator.ValidatePostpaid(c)
	if !result.IsValid {
		return outcomeForError(outcome, result.Err, logger)
	}

	due := true
	var events []outboundEvent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		raw, err := tx.LockReading(ctx, c.Reading.RowID)
		if err != nil {
			return err
		}

		lastBill, err := tx.LatestBill(ctx, c.Reading.MeterNumber)
		if err != nil {
			return err
		}
		if !billing.IsDue(lastBill, now, s.loc) {
			due = false
			return nil
		}

		next, step, err := s.advancer.Advance(raw, now)
		if err != nil {
			return err
		}

		previous := billing.PreviousReading(lastBill, s.baseline, c.Reading.MeterNumber, next.PreviousReading)
		units := next.CurrentReading.Sub(previous)

		charges, err := s.calculator.Charge(units, in.TariffRate)
		if err != nil {
			return err
		}

		history, err := tx.RecentBillUnits(ctx, c.Reading.MeterNumber, s.anomalyHistory)
		if err != nil {
			return err
		}
		flagged, anomalyReason := s.detector.DetectAnomaly(units, history)
		if flagged {
			logger.Warn("consumption anomaly detected",
				zap.String("units", units.String()),
				zap.String("reason", anomalyReason),
			)
		}

		period := billing.PeriodFor(now, s.loc)
		bill := db.Bill{
			ConsumerNumber:  c.ConsumerNumber,
			MeterNumber:     c.Reading.MeterNumber,
			BillPeriodStart: period.Start,
			BillPeriodEnd:   period.End,
			ReadingDate:     period.ReadingDate,
			CurrentReading:  next.CurrentReading,
			PreviousReading: previous,
			UnitsConsumed:   units,
			EnergyCharges:   charges.Energy,
			FixedCharges:    charges.Fixed,
			Taxes:           charges.Tax,
			Subsidy:         charges.Subsidy,
			OtherCharges:    charges.Other,
			TotalAmount:     charges.Total,
			DueDate:         period.DueDate,
			BillStatus:      db.BillStatusGenerated,
			CreatedOn:       now,
		}

		if err := tx.UpdateReading(ctx, next); err != nil {
			return err
		}
		if err := tx.InsertBill(ctx, &bill); err != nil {
			return err
		}

		re := readingEvent(sweepID, string(ModePostpaid), next, step.HoursElapsed, step.Increment)
		re.ConsumerNumber = c.ConsumerNumber
		re.UserID = c.UserID

		events = []outboundEvent{
			{routingKey: s.routing.Reading, payload: re},
			{routingKey: s.routing.Consumer, payload: BillEvent{
				EventType:     EventBillGenerated,
				SweepID:       sweepID,
				Bill:          bill,
				TariffRate:    in.TariffRate,
				AnomalyReason: anomalyReason,
			}},
		}

		logger.Info("bill generated",
			zap.Int64("bill_id", bill.BillID),
			zap.String("consumer_number", c.ConsumerNumber),
			zap.String("units", units.String()),
			zap.String("total_amount", charges.Total.String()),
		)
		return nil
	})
	if err != nil {
		return outcomeForError(outcome, err, logger)
	}

	if !due {
		outcome.Status = StatusUnchanged
		outcome.Reason = "bill for the current window already exists"
		outcome.Published = true
		return outcome
	}

	outcome.Status = StatusProcessed
	outcome.Published = s.publish(ctx, events, logger)
	return outcome
}
