package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ledger-reports/internal/app"
	"github.com/odyssey-erp/ledger-reports/internal/observability"
	platformcache "github.com/odyssey-erp/ledger-reports/internal/platform/cache"
	platformdb "github.com/odyssey-erp/ledger-reports/internal/platform/db"
	"github.com/odyssey-erp/ledger-reports/jobs"
)

func main() {
	if app.SkipStartup(nil, "worker") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := platformdb.New(ctx, platformdb.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := platformcache.New(ctx, platformcache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	reports, err := app.NewReporting(app.ReportingDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("init reporting", slog.Any("error", err))
		os.Exit(1)
	}

	carryoverJob := jobs.NewCarryoverJob(reports.Catalog, reports.Carryover, logger, metrics.Jobs())
	warmupJob := jobs.NewReportWarmupJob(reports.Catalog, reports.Builder, reports.Ledger, logger, metrics.Jobs())

	warmupTask, err := jobs.NewReportWarmupTask(jobs.ReportWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if cfg.ReportWarmupCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.ReportWarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCarryoverGenerate, Handler: carryoverJob.Handle},
			{Type: jobs.TaskReportWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskReportCacheBump, Handler: jobs.CacheBumpHandler(reports.Cache, logger)},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
