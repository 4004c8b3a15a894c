package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ledger-reports/internal/app"
	"github.com/odyssey-erp/ledger-reports/internal/observability"
	platformcache "github.com/odyssey-erp/ledger-reports/internal/platform/cache"
	platformdb "github.com/odyssey-erp/ledger-reports/internal/platform/db"
	reportinghttp "github.com/odyssey-erp/ledger-reports/internal/reporting/http"
	"github.com/odyssey-erp/ledger-reports/jobs"
)

func main() {
	if app.SkipStartup(nil, "api") {
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

	dbpool, err := platformdb.New(ctx, platformdb.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
		Pool:    dbpool,
		Redis:   redisClient,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("init reporting", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reports.Cache.ListenForInvalidation(ctx, ""); err != nil {
		logger.Warn("reporting cache invalidation listener", slog.Any("error", err))
	}

	handlerOpts := []reportinghttp.Option{reportinghttp.WithCarryoverRunner(reports.Carryover)}
	if cfg.ReportCarryoverAsync {
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			logger.Error("init jobs client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		handlerOpts = append(handlerOpts, reportinghttp.WithCarryoverQueue(client))
	}
	reportingHandler := reportinghttp.NewHandler(logger, reports.Catalog, reports.Builder, reports.Evaluator, handlerOpts...)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ReportingHandler: reportingHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
