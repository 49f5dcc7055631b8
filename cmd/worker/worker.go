package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/septivank/cis-meter-worker/internal/anomaly"
	"github.com/septivank/cis-meter-worker/internal/billing"
	"github.com/septivank/cis-meter-worker/internal/config"
	"github.com/septivank/cis-meter-worker/internal/db"
	"github.com/septivank/cis-meter-worker/internal/metrics"
	"github.com/septivank/cis-meter-worker/internal/mq"
	"github.com/septivank/cis-meter-worker/internal/reading"
	"github.com/septivank/cis-meter-worker/internal/repository"
	"github.com/septivank/cis-meter-worker/internal/scheduler"
	"github.com/septivank/cis-meter-worker/internal/server"
	"github.com/septivank/cis-meter-worker/internal/service"
	"github.com/septivank/cis-meter-worker/internal/tariff"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	cfg *config.Config,
	logger *zap.Logger,
	sched *scheduler.Scheduler,
	_ *http.Server,
) {
	logger.Info("worker wired",
		zap.Int("scheduled_jobs", sched.Entries()),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("sweep_lock", cfg.Sweep.Lock),
		zap.String("billing_timezone", cfg.Billing.Location.String()),
	)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool, cfg *config.Config) *repository.Repository {
	return repository.NewRepository(pool, cfg.Database.Schema)
}

// ProvideLocker picks the sweep lock for the deployment
func ProvideLocker(pool *db.Pool, cfg *config.Config, logger *zap.Logger) service.Locker {
	if cfg.Sweep.Lock == config.LockPostgres {
		logger.Info("using postgres advisory locks for sweeps")
		return repository.NewAdvisoryLocker(pool, cfg.ServiceName)
	}
	return service.NewLocalLocker()
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) *mq.Connection {
	return mq.NewConnection(lc, logger, mq.ConnectionConfig{
		URL:           cfg.RabbitMQ.URL,
		DialTimeout:   cfg.RabbitMQ.DialTimeout,
		RetryCooldown: cfg.RabbitMQ.RetryCooldown,
	})
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) *mq.Publisher {
	publisher := mq.NewPublisher(conn, cfg.RabbitMQ.Exchange, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}

// ProvideRetryBuffer creates the in-memory buffer for unpublished events
func ProvideRetryBuffer(cfg *config.Config, logger *zap.Logger) *mq.RetryBuffer {
	return mq.NewRetryBuffer(cfg.RabbitMQ.RetryBufferSize, cfg.RabbitMQ.RetryMaxAttempts, logger)
}

// ProvideMetrics returns the process-wide sweep metrics
func ProvideMetrics(cfg *config.Config) *metrics.SweepMetrics {
	return metrics.Sweep(cfg.ServiceName)
}

// ProvideCalculator creates the tariff calculator from the billing policy
func ProvideCalculator(cfg *config.Config) *tariff.Calculator {
	return tariff.NewCalculator(tariff.Policy{
		FixedCharge: cfg.Billing.FixedCharge,
		TaxRate:     cfg.Billing.TaxRate,
		SubsidyRate: cfg.Billing.SubsidyRate,
	})
}

// ProvideAdvancer creates the reading advancer with the simulated source
func ProvideAdvancer() *reading.Advancer {
	return reading.NewAdvancer(reading.NewRandomSource(time.Now().UnixNano()))
}

// ProvideBaseline selects the previous reading used for a meter's first bill
func ProvideBaseline(cfg *config.Config) billing.BaselinePolicy {
	if cfg.Billing.BaselinePolicy == config.BaselineReading {
		return billing.ReadingBaseline{}
	}
	return billing.NewRandomBaseline(cfg.Billing.BootstrapMin, cfg.Billing.BootstrapMax, time.Now().UnixNano())
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideSweeper creates the sweep orchestrator
func ProvideSweeper(
	repo *repository.Repository,
	publisher *mq.Publisher,
	retry *mq.RetryBuffer,
	locker service.Locker,
	calculator *tariff.Calculator,
	advancer *reading.Advancer,
	baseline billing.BaselinePolicy,
	detector *anomaly.Detector,
	sweepMetrics *metrics.SweepMetrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Sweeper {
	return service.NewSweeper(service.SweeperConfig{
		Store:      repo,
		Publisher:  publisher,
		Retry:      retry,
		Locker:     locker,
		Calculator: calculator,
		Advancer:   advancer,
		Baseline:   baseline,
		Detector:   detector,
		Metrics:    sweepMetrics,
		Routing: service.Routing{
			Reading:  cfg.RabbitMQ.ReadingRoutingKey,
			Consumer: cfg.RabbitMQ.ConsumerRoutingKey,
		},
		Location: cfg.Billing.Location,
		Logger:   logger,
	})
}

// ProvideScheduler registers the cron triggers and ties them to the fx lifecycle
func ProvideScheduler(lc fx.Lifecycle, sweeper *service.Sweeper, cfg *config.Config, logger *zap.Logger) (*scheduler.Scheduler, error) {
	sched, err := scheduler.NewScheduler(sweeper, scheduler.Schedules{
		Prepaid:   cfg.Schedule.Prepaid,
		Postpaid:  cfg.Schedule.Postpaid,
		Reconcile: cfg.Schedule.Reconcile,
	}, cfg.Billing.Location, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sched.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})

	return sched, nil
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(sweeper *service.Sweeper, conn *mq.Connection, logger *zap.Logger) *server.Handler {
	return server.NewHandler(sweeper, conn, logger)
}

// ProvideRouter creates the gin engine
func ProvideRouter(h *server.Handler, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	return server.NewRouter(h, logger)
}

// ProvideHTTPServer creates the HTTP server
func ProvideHTTPServer(lc fx.Lifecycle, router *gin.Engine, cfg *config.Config, logger *zap.Logger) *http.Server {
	return server.NewHTTPServer(lc, router, cfg.HTTP.Port, logger)
}
