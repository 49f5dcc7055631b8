package service

import (
	"context"
	"time"

	"github.com/septivank/cis-meter-worker/internal/balance"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/logging"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"github.com/septivank/cis-meter-worker/internal/validator"
	"go.uber.org/zap"
)

// prepaidMeter advances one prepaid meter and deducts the energy charge of the
// increment from its balance in a single transaction
func (s *Sweeper) prepaidMeter(ctx context.Context, sweepID string, c db.PrepaidCandidate, now time.Time, logger *zap.Logger) RecordOutcome {
	logger = logging.WithMeter(logger, c.Reading.MeterNumber)
	outcome := RecordOutcome{
		MeterNumber:    c.Reading.MeterNumber,
		ConsumerNumber: c.ConsumerNumber,
	}

	in, result := validator.ValidatePrepaid(c)
	if !result.IsValid {
		return outcomeForError(outcome, result.Err, logger)
	}

	var events []outboundEvent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		raw, err := tx.LockReading(ctx, c.Reading.RowID)
		if err != nil {
			return err
		}

		next, step, err := s.advancer.Advance(raw, now)
		if err != nil {
			return err
		}

		rawBalance, err := tx.LockBalance(ctx, c.BalanceID)
		if err != nil {
			return err
		}
		current, result := validator.ParseBalance(rawBalance)
		if !result.IsValid {
			return result.Err
		}

		charge, err := s.calculator.Energy(step.Increment, in.TariffRate)
		if err != nil {
			return err
		}
		deduction := balance.Deduct(current, charge)

		if err := tx.UpdateReading(ctx, next); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, c.BalanceID, deduction.Current); err != nil {
			return err
		}

		re := readingEvent(sweepID, string(ModePrepaid), next, step.HoursElapsed, step.Increment)
		re.ConsumerNumber = c.ConsumerNumber
		re.UserID = c.UserID

		events = []outboundEvent{
			{routingKey: s.routing.Reading, payload: re},
			{routingKey: s.routing.Consumer, payload: BalanceEvent{
				EventType:       EventBalanceDeducted,
				SweepID:         sweepID,
				MeterNumber:     c.Reading.MeterNumber,
				ConsumerNumber:  c.ConsumerNumber,
				UserID:          c.UserID,
				BalanceID:       c.BalanceID,
				TariffRate:      in.TariffRate,
				Units:           step.Increment,
				Charge:          deduction.Charge,
				PreviousBalance: deduction.Previous,
				CurrentBalance:  deduction.Current,
				ReadingTime:     next.ReadingTime,
			}},
		}

		logger.Debug("prepaid meter advanced",
			zap.String("increment", step.Increment.String()),
			zap.String("charge", deduction.Charge.String()),
			zap.String("balance", deduction.Current.String()),
		)
		return nil
	})
	if err != nil {
		return outcomeForError(outcome, err, logger)
	}

	outcome.Status = StatusProcessed
	outcome.Published = s.publish(ctx, events, logger)
	return outcome
}
