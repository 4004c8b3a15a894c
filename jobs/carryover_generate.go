package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/ledger-reports/internal/jobs"
	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/carryover"
)

// ReportSource resolves report configurations by code.
type ReportSource interface {
	Report(ctx context.Context, code string) (*reporting.Report, error)
}

// CarryoverGenerator persists carryover values for a report and period.
type CarryoverGenerator interface {
	Generate(ctx context.Context, report *reporting.Report, opts reporting.Options) (carryover.Run, error)
}

// CarryoverJob runs carryover generation for period close.
type CarryoverJob struct {
	Reports   ReportSource
	Generator CarryoverGenerator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewCarryoverJob constructs the job handler.
func NewCarryoverJob(reports ReportSource, generator CarryoverGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *CarryoverJob {
	return &CarryoverJob{
		Reports:   reports,
		Generator: generator,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the carryover job. Configuration and scope errors are not
// retried.
func (j *CarryoverJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reports == nil || j.Generator == nil {
		return errors.New("carryover: dependencies not configured")
	}
	var payload CarryoverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Report == "" || len(payload.Options.Companies) == 0 {
		j.log().Error("carryover payload incomplete", slog.String("report", payload.Report))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCarryoverGenerate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.String("report", payload.Report))
	report, err := j.Reports.Report(ctx, payload.Report)
	if err != nil {
		resultErr = fmt.Errorf("carryover %s: %v: %w", payload.Report, err, asynq.SkipRetry)
		logger.Error("resolve report", slog.Any("error", err))
		return resultErr
	}
	opts := payload.Options
	opts.ReportID = report.ID
	if opts.Date.To.IsZero() {
		opts.Date = lastClosedMonth(j.now())
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}

	start := j.now()
	run, err := j.Generator.Generate(ctx, report, opts)
	if err != nil {
		if errors.Is(err, reporting.ErrConfiguration) || errors.Is(err, reporting.ErrScope) || errors.Is(err, reporting.ErrConsistency) {
			resultErr = fmt.Errorf("carryover %s: %v: %w", payload.Report, err, asynq.SkipRetry)
		} else {
			resultErr = err
		}
		logger.Error("generate carryover", slog.Any("error", err))
		return resultErr
	}

	kinds := make(map[reporting.ValueKind]int)
	for _, v := range run.Values {
		kinds[v.Kind]++
	}
	for kind, n := range kinds {
		j.metrics().AddCarryoverValues(string(kind), n)
	}
	logger.Info("carryover generated",
		slog.String("run_id", run.ID),
		slog.Time("date", run.Date),
		slog.Int("values", len(run.Values)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

// lastClosedMonth is the calendar month before now.
func lastClosedMonth(now time.Time) reporting.DateWindow {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return reporting.DateWindow{
		From: firstOfMonth.AddDate(0, -1, 0),
		To:   firstOfMonth.AddDate(0, 0, -1),
		Mode: reporting.DateModeRange,
	}
}

func (j *CarryoverJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CarryoverJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCarryoverGenerate))
	}
	return slog.Default().With(slog.String("job", TaskCarryoverGenerate))
}

func (j *CarryoverJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CarryoverJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
