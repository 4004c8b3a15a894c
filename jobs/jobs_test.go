package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/ledger-reports/internal/jobs"
	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/carryover"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/catalog"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/store/memory"
)

func vatCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		&reporting.Report{ID: 3, Code: "vat", Lines: []reporting.Line{{ID: 1, Code: "A"}}},
		&reporting.Report{ID: 4, Code: "pl", Lines: []reporting.Line{{ID: 2, Code: "B"}}},
	)
	require.NoError(t, err)
	return c
}

type stubGenerator struct {
	opts reporting.Options
	err  error
}

func (g *stubGenerator) Generate(_ context.Context, report *reporting.Report, opts reporting.Options) (carryover.Run, error) {
	g.opts = opts
	if g.err != nil {
		return carryover.Run{}, g.err
	}
	return carryover.Run{ID: "run", Report: report.Code, Date: opts.Date.To, Values: []reporting.CarryoverValue{
		{Kind: reporting.ValueCarryover, Value: decimal.NewFromInt(5)},
		{Kind: reporting.ValueCarryover, Value: decimal.NewFromInt(-2)},
		{Kind: reporting.ValueCarryoverAdjustment, Value: decimal.NewFromInt(-3)},
	}}, nil
}

func carryoverTask(t *testing.T, payload CarryoverPayload) *asynq.Task {
	t.Helper()
	task, err := NewCarryoverTask(payload)
	require.NoError(t, err)
	return task
}

func TestCarryoverJobDefaultsToLastClosedMonth(t *testing.T) {
	gen := &stubGenerator{}
	job := NewCarryoverJob(vatCatalog(t), gen, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.WithClock(func() time.Time { return time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC) })

	err := job.Handle(context.Background(), carryoverTask(t, CarryoverPayload{
		Report:  "vat",
		Options: reporting.Options{Companies: []int64{1, 2}},
	}))
	require.NoError(t, err)
	require.Equal(t, int64(3), gen.opts.ReportID)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), gen.opts.Date.From)
	require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), gen.opts.Date.To)
	require.Equal(t, "USD", gen.opts.Currency)
}

func TestCarryoverJobKeepsExplicitPeriod(t *testing.T) {
	gen := &stubGenerator{}
	job := NewCarryoverJob(vatCatalog(t), gen, nil, nil)
	window := reporting.DateWindow{From: time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)}
	err := job.Handle(context.Background(), carryoverTask(t, CarryoverPayload{
		Report:  "vat",
		Options: reporting.Options{Companies: []int64{1}, Date: window, Currency: "EUR"},
	}))
	require.NoError(t, err)
	require.Equal(t, window, gen.opts.Date)
	require.Equal(t, "EUR", gen.opts.Currency)
}

func TestCarryoverJobSkipsRetryOnPermanentErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload CarryoverPayload
		err     error
	}{
		{name: "unknown report", payload: CarryoverPayload{Report: "nope", Options: reporting.Options{Companies: []int64{1}}}},
		{name: "no companies", payload: CarryoverPayload{Report: "vat"}},
		{name: "scope", payload: CarryoverPayload{Report: "vat", Options: reporting.Options{Companies: []int64{1}}}, err: &reporting.ScopeError{Reason: "two periods"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := NewCarryoverJob(vatCatalog(t), &stubGenerator{err: tc.err}, nil, nil)
			err := job.Handle(context.Background(), carryoverTask(t, tc.payload))
			require.ErrorIs(t, err, asynq.SkipRetry)
		})
	}
}

func TestCarryoverJobRetriesStoreFailures(t *testing.T) {
	boom := errors.New("connection reset")
	job := NewCarryoverJob(vatCatalog(t), &stubGenerator{err: boom}, nil, nil)
	err := job.Handle(context.Background(), carryoverTask(t, CarryoverPayload{Report: "vat", Options: reporting.Options{Companies: []int64{1}}}))
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestCarryoverJobRejectsGarbage(t *testing.T) {
	job := NewCarryoverJob(vatCatalog(t), &stubGenerator{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskCarryoverGenerate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type recordingBuilder struct {
	calls []reporting.Options
	codes []string
}

func (b *recordingBuilder) Build(_ context.Context, report *reporting.Report, opts reporting.Options) (reporting.Result, error) {
	b.calls = append(b.calls, opts)
	b.codes = append(b.codes, report.Code)
	return reporting.Result{}, nil
}

func TestReportWarmupDiscoversCompanies(t *testing.T) {
	ledger := memory.NewLedger()
	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	ledger.Add(
		memory.Row{Date: day, Balance: decimal.NewFromInt(1), Fields: map[string]any{"company_id": int64(2)}},
		memory.Row{Date: day, Balance: decimal.NewFromInt(1), Fields: map[string]any{"company_id": int64(1)}},
		memory.Row{Date: day, Balance: decimal.NewFromInt(1), Fields: map[string]any{"company_id": int64(2)}},
	)
	builder := &recordingBuilder{}
	job := NewReportWarmupJob(vatCatalog(t), builder, ledger, nil, nil)
	job.WithClock(func() time.Time { return time.Date(2024, 5, 20, 13, 0, 0, 0, time.UTC) })

	body, err := json.Marshal(ReportWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskReportWarmup, body)))

	require.Equal(t, []string{"pl", "pl", "vat", "vat"}, builder.codes)
	first := builder.calls[0]
	require.Equal(t, []int64{1, 2}, first.Companies)
	require.Equal(t, int64(4), first.ReportID)
	require.Equal(t, "USD", first.Currency)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), first.Date.From)
	require.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), first.Date.To)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), builder.calls[1].Date.From)
}

func TestReportWarmupHonoursPayloadScope(t *testing.T) {
	builder := &recordingBuilder{}
	job := NewReportWarmupJob(vatCatalog(t), builder, nil, nil, nil)
	task, err := NewReportWarmupTask(ReportWarmupPayload{Reports: []string{"vat"}, Companies: []int64{7}, Currency: "EUR"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"vat", "vat"}, builder.codes)
	require.Equal(t, []int64{7}, builder.calls[0].Companies)
	require.Equal(t, "EUR", builder.calls[0].Currency)
}

type countingBumper struct {
	bumps int
	err   error
}

func (b *countingBumper) Bump(context.Context) error {
	b.bumps++
	return b.err
}

func TestCacheBumpHandler(t *testing.T) {
	bumper := &countingBumper{}
	require.NoError(t, CacheBumpHandler(bumper, nil)(context.Background(), NewReportCacheBumpTask()))
	require.Equal(t, 1, bumper.bumps)

	bumper.err = errors.New("redis down")
	require.Error(t, BumpReportCache(context.Background(), bumper, nil))
	require.NoError(t, BumpReportCache(context.Background(), nil, nil))
}
