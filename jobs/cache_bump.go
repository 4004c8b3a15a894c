package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// CacheBumper invalidates every cached report.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// BumpReportCache invalidates cached report totals after ledger postings.
func BumpReportCache(ctx context.Context, cache CacheBumper, logger *slog.Logger) error {
	if cache == nil {
		return nil
	}
	if err := cache.Bump(ctx); err != nil {
		if logger != nil {
			logger.Error("bump report cache", slog.Any("error", err))
		}
		return err
	}
	if logger != nil {
		logger.Info("bumped report cache", slog.String("job", TaskReportCacheBump))
	}
	return nil
}

// CacheBumpHandler adapts BumpReportCache to an Asynq handler.
func CacheBumpHandler(cache CacheBumper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		return BumpReportCache(ctx, cache, logger)
	}
}
