// Package scheduler triggers sweeps and event reconciliation on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/septivank/cis-meter-worker/internal/mq"
	"github.com/septivank/cis-meter-worker/internal/service"
	"go.uber.org/zap"
)

// Runner is what the scheduled jobs call
type Runner interface {
	RunSweep(ctx context.Context, mode service.Mode, now time.Time) (*service.SweepReport, error)
	Reconcile(ctx context.Context) mq.RetryStats
}

// Schedules holds cron expressions per job. Several expressions per mode are allowed.
type Schedules struct {
	Prepaid   []string
	Postpaid  []string
	Reconcile string
}

// Scheduler owns the cron instance and the context handed to running jobs
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers every job; it fails on an invalid expression
func NewScheduler(runner Runner, schedules Schedules, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	cronLog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog)),
	)

	add := func(spec, job string, fn func()) error {
		if _, err := s.cron.AddFunc(spec, fn); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job, spec, err)
		}
		logger.Info("job scheduled", zap.String("job", job), zap.String("schedule", spec))
		return nil
	}

	for _, spec := range schedules.Prepaid {
		if err := add(spec, string(service.ModePrepaid), func() { s.runSweep(service.ModePrepaid) }); err != nil {
			cancel()
			return nil, err
		}
	}
	for _, spec := range schedules.Postpaid {
		if err := add(spec, string(service.ModePostpaid), func() { s.runSweep(service.ModePostpaid) }); err != nil {
			cancel()
			return nil, err
		}
	}
	if schedules.Reconcile != "" {
		if err := add(schedules.Reconcile, "reconcile", s.reconcile); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

// Start starts the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop cancels running jobs and waits for them to return or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runSweep(mode service.Mode) {
	report, err := s.runner.RunSweep(s.ctx, mode, time.Now())
	switch {
	case errors.Is(err, service.ErrSweepInProgress):
		s.logger.Warn("scheduled sweep skipped, previous run still active", zap.String("mode", string(mode)))
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduled sweep interrupted by shutdown", zap.String("mode", string(mode)))
	case err != nil:
		s.logger.Error("scheduled sweep failed", zap.String("mode", string(mode)), zap.Error(err))
	default:
		s.logger.Info("scheduled sweep completed",
			zap.String("mode", string(mode)),
			zap.String("sweep_id", report.SweepID),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
}

func (s *Scheduler) reconcile() {
	s.runner.Reconcile(s.ctx)
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
