package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/logging"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"go.uber.org/zap"
)

// ErrMeterNotFound is returned when a meter has no reading row
var ErrMeterNotFound = repository.ErrNotFound

// SourceOnDemand marks readings advanced through the HTTP endpoint
const SourceOnDemand = "on_demand"

// AdvanceMeter advances the latest reading of one meter, persists it and
// publishes it. A failed publish is buffered for retry and does not fail the call.
func (s *Sweeper) AdvanceMeter(ctx context.Context, meterNumber string, now time.Time) (db.MeterReading, error) {
	logger := logging.WithMeter(s.logger, meterNumber)

	latest, err := s.store.LatestReading(ctx, meterNumber)
	if err != nil {
		return db.MeterReading{}, err
	}

	var next db.MeterReading
	var event ReadingEvent
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		raw, err := tx.LockReading(ctx, latest.RowID)
		if err != nil {
			return err
		}

		updated, step, err := s.advancer.Advance(raw, now)
		if err != nil {
			return err
		}

		if err := tx.UpdateReading(ctx, updated); err != nil {
			return err
		}

		next = updated
		event = readingEvent("", SourceOnDemand, updated, step.HoursElapsed, step.Increment)
		return nil
	})
	if err != nil {
		return db.MeterReading{}, fmt.Errorf("failed to advance meter %s: %w", meterNumber, err)
	}

	if !s.publish(ctx, []outboundEvent{{routingKey: s.routing.Reading, payload: event}}, logger) {
		logger.Warn("reading updated but not published, queued for retry")
	}

	logger.Info("meter reading advanced on demand",
		zap.String("previous_reading", next.PreviousReading.String()),
		zap.String("current_reading", next.CurrentReading.String()),
	)
	return next, nil
}
