package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/ledger-reports/internal/jobs"
	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReportCatalog lists and resolves report configurations.
type ReportCatalog interface {
	ReportSource
	Codes() []string
}

// ReportBuilder renders a report; rendering fills the totals cache.
type ReportBuilder interface {
	Build(ctx context.Context, report *reporting.Report, opts reporting.Options) (reporting.Result, error)
}

// ReportWarmupJob pre-computes the current month and year to date of every
// report for each active company.
type ReportWarmupJob struct {
	Catalog ReportCatalog
	Builder ReportBuilder
	Ledger  reporting.Ledger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReportWarmupJob wires dependencies for the warmup handler.
func NewReportWarmupJob(catalog ReportCatalog, builder ReportBuilder, ledger reporting.Ledger, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportWarmupJob {
	return &ReportWarmupJob{
		Catalog: catalog,
		Builder: builder,
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes report warmup tasks.
func (j *ReportWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Catalog == nil || j.Builder == nil {
		return errors.New("report warmup: handler not configured")
	}
	var payload ReportWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Currency == "" {
		payload.Currency = "USD"
	}

	tracker := j.metrics().Track(TaskReportWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	companies := payload.Companies
	if len(companies) == 0 {
		found, err := j.activeCompanies(ctx)
		if err != nil {
			resultErr = err
			logger.Error("load warmup companies", slog.Any("error", err))
			return resultErr
		}
		companies = found
	}
	if len(companies) == 0 {
		logger.Info("no companies discovered for warmup")
		return resultErr
	}
	codes := payload.Reports
	if len(codes) == 0 {
		codes = j.Catalog.Codes()
	}

	now := j.now()
	warmed := 0
	for _, code := range codes {
		report, err := j.Catalog.Report(ctx, code)
		if err != nil {
			resultErr = err
			logger.Error("resolve report", slog.String("report", code), slog.Any("error", err))
			return resultErr
		}
		for _, window := range warmupWindows(now) {
			if err := j.warm(ctx, report, window, companies, payload.Currency); err != nil {
				resultErr = err
				logger.Error("warm report", slog.String("report", code), slog.String("window", window.Label()), slog.Any("error", err))
				return resultErr
			}
			warmed++
		}
	}

	logger.Info("completed report warmup", slog.Int("renders", warmed), slog.Int("companies", len(companies)), slog.Duration("duration", time.Since(now)))
	return resultErr
}

func (j *ReportWarmupJob) warm(ctx context.Context, report *reporting.Report, window reporting.DateWindow, companies []int64, currency string) error {
	scopeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	_, err := j.Builder.Build(scopeCtx, report, reporting.Options{
		ReportID:  report.ID,
		Date:      window,
		Companies: companies,
		Currency:  currency,
	})
	return err
}

// warmupWindows returns the month to date and the year to date of now.
func warmupWindows(now time.Time) []reporting.DateWindow {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return []reporting.DateWindow{
		{From: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), To: today, Mode: reporting.DateModeRange},
		{From: time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), To: today, Mode: reporting.DateModeRange},
	}
}

func (j *ReportWarmupJob) activeCompanies(ctx context.Context) ([]int64, error) {
	if j.Ledger == nil {
		return nil, errors.New("report warmup: ledger not configured")
	}
	groups, err := j.Ledger.Query(ctx, reporting.LedgerQuery{GroupBy: []string{reporting.FieldCompany}})
	if err != nil {
		return nil, err
	}
	companies := make([]int64, 0, len(groups))
	for _, g := range groups {
		if id, ok := g.Keys[0].(int64); ok && id > 0 {
			companies = append(companies, id)
		}
	}
	return companies, nil
}

func (j *ReportWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportWarmup))
	}
	return slog.Default().With(slog.String("job", TaskReportWarmup))
}

func (j *ReportWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReportWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ReportWarmupJob) WithClock(clock func() time.Time) {
	if clock != nil {
		j.clock = clock
	}
}
