// Package service runs the prepaid and postpaid sweeps: it advances meter
// readings, deducts prepaid balances, generates postpaid bills and publishes
// an event for every committed change.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/cis-meter-worker/internal/anomaly"
	"github.com/septivank/cis-meter-worker/internal/billing"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/logging"
	"github.com/septivank/cis-meter-worker/internal/metrics"
	"github.com/septivank/cis-meter-worker/internal/mq"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"github.com/septivank/cis-meter-worker/internal/tariff"
	"github.com/septivank/cis-meter-worker/internal/validator"
	"go.uber.org/zap"
)

const (
	defaultAnomalyHistory = 12
	publishTimeout        = 10 * time.Second
)

// Store is the persistence the sweeps need
type Store interface {
	FetchPrepaidCandidates(ctx context.Context) ([]db.PrepaidCandidate, error)
	FetchPostpaidCandidates(ctx context.Context) ([]db.PostpaidCandidate, error)
	LatestReading(ctx context.Context, meterNumber string) (db.RawMeterReading, error)
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.TxStore) error) error
}

// Publisher sends one event to the broker
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Routing holds the routing keys events are published with
type Routing struct {
	Reading  string
	Consumer string
}

// SweeperConfig holds the collaborators of a Sweeper
type SweeperConfig struct {
	Store          Store
	Publisher      Publisher
	Retry          *mq.RetryBuffer
	Locker         Locker
	Calculator     *tariff.Calculator
	Advancer       *reading.Advancer
	Baseline       billing.BaselinePolicy
	Detector       *anomaly.Detector
	Metrics        *metrics.SweepMetrics
	Routing        Routing
	Location       *time.Location
	AnomalyHistory int
	Logger         *zap.Logger
}

// Sweeper handles sweep processing logic
type Sweeper struct {
	store          Store
	publisher      Publisher
	retry          *mq.RetryBuffer
	locker         Locker
	calculator     *tariff.Calculator
	advancer       *reading.Advancer
	baseline       billing.BaselinePolicy
	detector       *anomaly.Detector
	metrics        *metrics.SweepMetrics
	routing        Routing
	loc            *time.Location
	anomalyHistory int
	logger         *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		retry:          cfg.Retry,
		locker:         cfg.Locker,
		calculator:     cfg.Calculator,
		advancer:       cfg.Advancer,
		baseline:       cfg.Baseline,
		detector:       cfg.Detector,
		metrics:        cfg.Metrics,
		routing:        cfg.Routing,
		loc:            cfg.Location,
		anomalyHistory: cfg.AnomalyHistory,
		logger:         cfg.Logger,
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.calculator == nil {
		s.calculator = tariff.NewCalculator(tariff.DefaultPolicy())
	}
	if s.advancer == nil {
		s.advancer = reading.NewAdvancer(reading.NewRandomSource(time.Now().UnixNano()))
	}
	if s.baseline == nil {
		s.baseline = billing.NewRandomBaseline(100, 200, time.Now().UnixNano())
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.anomalyHistory <= 0 {
		s.anomalyHistory = defaultAnomalyHistory
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// RunSweep runs one sweep of mode as of now. Meters are handled one at a time
// and one meter's failure never stops the sweep. The returned error is
// ErrSweepInProgress when the mode is already running, the fetch error when
// no candidates could be read, or the context error when shutdown
// interrupted the sweep.
func (s *Sweeper) RunSweep(ctx context.Context, mode Mode, now time.Time) (*SweepReport, error) {
	report := &SweepReport{
		SweepID:   uuid.NewString(),
		Mode:      mode,
		StartedAt: now,
		Records:   []RecordOutcome{},
	}
	logger := logging.WithSweep(s.logger, report.SweepID, string(mode))
	defer func() {
		report.FinishedAt = time.Now()
		s.metrics.ObserveSweep(string(mode), report.result(), report.StartedAt, report.FinishedAt)
	}()

	if mode != ModePrepaid && mode != ModePostpaid {
		err := fmt.Errorf("%w: %q", ErrUnknownMode, mode)
		report.abort(err)
		return report, err
	}

	release, ok, err := s.locker.TryLock(ctx, string(mode))
	if err != nil {
		err = fmt.Errorf("failed to take sweep lock: %w", err)
		logger.Error("sweep aborted", zap.Error(err))
		report.abort(err)
		return report, err
	}
	if !ok {
		logger.Warn("sweep skipped, previous sweep of this mode still running")
		report.abort(ErrSweepInProgress)
		return report, ErrSweepInProgress
	}
	defer release()

	logger.Info("sweep started", zap.Time("as_of", now))

	switch mode {
	case ModePrepaid:
		err = s.sweepPrepaid(ctx, report, now, logger)
	case ModePostpaid:
		err = s.sweepPostpaid(ctx, report, now, logger)
	}
	if err != nil {
		return report, err
	}

	for _, status := range []Status{StatusProcessed, StatusSkipped, StatusFailed, StatusUnchanged} {
		s.metrics.AddRecords(string(mode), string(status), report.count(status))
	}

	logger.Info("sweep finished",
		zap.Int("candidates", report.Candidates),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("unpublished", report.Unpublished),
		zap.Bool("interrupted", report.Interrupted),
	)

	if report.Interrupted {
		return report, report.Err
	}
	return report, nil
}

func (s *Sweeper) sweepPrepaid(ctx context.Context, report *SweepReport, now time.Time, logger *zap.Logger) error {
	rows, err := s.store.FetchPrepaidCandidates(ctx)
	if err != nil {
		err = fmt.Errorf("failed to fetch prepaid candidates: %w", err)
		logger.Error("sweep aborted", zap.Error(err))
		report.abort(err)
		return err
	}

	candidates := dedupe(rows, func(c db.PrepaidCandidate) db.RawMeterReading { return c.Reading }, comparePrepaid)
	report.Candidates = len(candidates)

	for _, c := range candidates {
		if s.interrupted(ctx, report, logger) {
			break
		}
		// the in-flight meter finishes even if shutdown starts now
		report.add(s.prepaidMeter(context.WithoutCancel(ctx), report.SweepID, c, now, logger))
	}
	return nil
}

func (s *Sweeper) sweepPostpaid(ctx context.Context, report *SweepReport, now time.Time, logger *zap.Logger) error {
	rows, err := s.store.FetchPostpaidCandidates(ctx)
	if err != nil {
		err = fmt.Errorf("failed to fetch postpaid candidates: %w", err)
		logger.Error("sweep aborted", zap.Error(err))
		report.abort(err)
		return err
	}

	candidates := dedupe(rows, func(c db.PostpaidCandidate) db.RawMeterReading { return c.Reading }, comparePostpaid)
	report.Candidates = len(candidates)

	for _, c := range candidates {
		if s.interrupted(ctx, report, logger) {
			break
		}
		report.add(s.postpaidMeter(context.WithoutCancel(ctx), report.SweepID, c, now, logger))
	}
	return nil
}

func (s *Sweeper) interrupted(ctx context.Context, report *SweepReport, logger *zap.Logger) bool {
	if err := ctx.Err(); err != nil {
		report.Interrupted = true
		report.setErr(fmt.Errorf("sweep interrupted: %w", err))
		logger.Warn("sweep interrupted before completing all meters",
			zap.Int("done", len(report.Records)),
			zap.Int("candidates", report.Candidates),
		)
		return true
	}
	return false
}

// dedupe keeps one row per meter: the latest reading_time, then the lowest
// row_id, then the row tieBreak orders first. Join fan-out repeats the same
// reading row, so tieBreak must order every other column that can differ.
// The result is ordered by meter number.
func dedupe[T any](rows []T, readingOf func(T) db.RawMeterReading, tieBreak func(a, b T) int) []T {
	best := make(map[string]T, len(rows))
	for _, row := range rows {
		r := readingOf(row)
		current, seen := best[r.MeterNumber]
		if !seen {
			best[r.MeterNumber] = row
			continue
		}
		kept := readingOf(current)
		switch {
		case r.ReadingTime.After(kept.ReadingTime):
			best[r.MeterNumber] = row
		case !r.ReadingTime.Equal(kept.ReadingTime):
		case r.RowID < kept.RowID:
			best[r.MeterNumber] = row
		case r.RowID == kept.RowID && tieBreak(row, current) < 0:
			best[r.MeterNumber] = row
		}
	}

	out := make([]T, 0, len(best))
	for _, row := range best {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b T) int {
		return strings.Compare(readingOf(a).MeterNumber, readingOf(b).MeterNumber)
	})
	return out
}

func comparePrepaid(a, b db.PrepaidCandidate) int {
	if c := strings.Compare(a.ConsumerNumber, b.ConsumerNumber); c != 0 {
		return c
	}
	return cmp.Compare(a.BalanceID, b.BalanceID)
}

func comparePostpaid(a, b db.PostpaidCandidate) int {
	return strings.Compare(a.ConsumerNumber, b.ConsumerNumber)
}

// outcomeForError classifies a per-meter error
func outcomeForError(o RecordOutcome, err error, logger *zap.Logger) RecordOutcome {
	o.Reason = err.Error()
	if validator.IsDataError(err) || errors.Is(err, repository.ErrNotFound) {
		o.Status = StatusSkipped
		logger.Warn("meter skipped", zap.String("reason", o.Reason))
		return o
	}
	o.Status = StatusFailed
	logger.Error("meter update failed, transaction rolled back", zap.Error(err))
	return o
}

// publish sends events after commit. A failed event goes to the retry buffer
// and never undoes the committed change.
func (s *Sweeper) publish(ctx context.Context, events []outboundEvent, logger *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	published := true
	for _, e := range events {
		if s.publisher == nil {
			published = false
			s.buffer(e, errors.New("no publisher configured"))
			continue
		}
		if err := s.publisher.Publish(ctx, e.routingKey, e.payload); err != nil {
			published = false
			logger.Error("failed to publish event",
				zap.Error(err),
				zap.String("routing_key", e.routingKey),
			)
			s.metrics.IncPublish(e.routingKey, "failed")
			s.buffer(e, err)
			continue
		}
		s.metrics.IncPublish(e.routingKey, "success")
	}
	return published
}

func (s *Sweeper) buffer(e outboundEvent, cause error) {
	if s.retry == nil {
		return
	}
	s.retry.Add(e.routingKey, e.payload, cause)
	s.metrics.SetRetryBuffer(s.retry.Len())
}
