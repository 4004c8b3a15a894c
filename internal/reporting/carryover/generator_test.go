package carryover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/store/memory"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func lossReport(bound string) *reporting.Report {
	return &reporting.Report{ID: 7, Code: "loss", Lines: []reporting.Line{
		{ID: 1, Code: "PROFIT", Sequence: 1, Expressions: []reporting.Expression{
			{ID: 1, Label: "balance", Engine: reporting.EngineDomain, Formula: "[]"},
		}},
		{ID: 2, Code: "LOSS", Sequence: 2, Expressions: []reporting.Expression{
			{ID: 2, Label: "balance", Engine: reporting.EngineExternal, Formula: "sum", DateScope: reporting.DateScopePreviousTaxPeriod},
			{ID: 3, Label: "_carryover_balance", Engine: reporting.EngineAggregation, Formula: "PROFIT.balance", Subformula: bound},
		}},
	}}
}

func firstHalf(companies ...int64) reporting.Options {
	return reporting.Options{
		ReportID:  7,
		Date:      reporting.DateWindow{From: day(2024, 1, 1), To: day(2024, 6, 30), Mode: reporting.DateModeRange},
		Companies: companies,
		Currency:  "USD",
	}
}

type fixture struct {
	ledger *memory.Ledger
	values *memory.Values
	ev     *evaluator.Evaluator
	gen    *Generator
}

func newFixture(profits map[int64]int64) fixture {
	ledger := memory.NewLedger()
	for company, profit := range profits {
		ledger.Add(memory.Row{Date: day(2024, 3, 1), Balance: decimal.NewFromInt(profit), Fields: map[string]any{"company_id": company}})
	}
	values := memory.NewValues()
	ev := evaluator.New(engines.NewBatcher(ledger, values), aggregation.NewResolver(nil))
	return fixture{ledger: ledger, values: values, ev: ev, gen: NewGenerator(ev, nil, nil)}
}

func sum(values []reporting.CarryoverValue, kind reporting.ValueKind) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		if v.Kind == kind {
			total = total.Add(v.Value)
		}
	}
	return total
}

func TestConsolidationIdentity(t *testing.T) {
	cases := []struct {
		name         string
		bound        string
		consolidated int64
		adjustment   int64
	}{
		{name: "below", bound: "if_below(USD(0))", consolidated: -40, adjustment: 60},
		{name: "above", bound: "if_above(USD(0))", consolidated: 0, adjustment: -60},
		{name: "between", bound: "if_between(USD(-50), USD(50))", consolidated: -40, adjustment: -40},
		{name: "unbounded", bound: "", consolidated: -40, adjustment: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(map[int64]int64{1: -100, 2: 60})
			run, err := f.gen.Generate(context.Background(), lossReport(tc.bound), firstHalf(1, 2))
			require.NoError(t, err)
			require.NotEmpty(t, run.ID)
			require.Len(t, run.Values, 3)

			adjustments := run.Adjustments()
			require.Len(t, adjustments, 1)
			require.Equal(t, int64(1), adjustments[0].CompanyID)
			require.Equal(t, LabelAdjustment, adjustments[0].Label)
			require.True(t, adjustments[0].Value.Equal(decimal.NewFromInt(tc.adjustment)), "adjustment %s", adjustments[0].Value)

			perEntity := sum(run.Values, reporting.ValueCarryover)
			total := perEntity.Add(adjustments[0].Value)
			require.True(t, total.Equal(decimal.NewFromInt(tc.consolidated)), "identity broken: %s", total)
			for _, v := range run.Values {
				require.Equal(t, int64(2), v.TargetExpressionID)
				require.Equal(t, int64(3), v.OriginExpressionID)
				require.Equal(t, day(2024, 6, 30), v.Date)
			}
		})
	}
}

func TestNextPeriodReadsCarryover(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100, 2: 60})
	report := lossReport("if_below(USD(0))")
	_, err := f.gen.Generate(context.Background(), report, firstHalf(1, 2))
	require.NoError(t, err)

	next := firstHalf(1, 2)
	next.Date = reporting.DateWindow{From: day(2024, 7, 1), To: day(2024, 12, 31), Mode: reporting.DateModeRange}
	totals, err := f.ev.Evaluate(context.Background(), report, next, nil, engines.Scope{})
	require.NoError(t, err)
	resolved, err := next.Resolved()
	require.NoError(t, err)
	got := totals.Get(resolved.ColumnGroups[0].Key, 2)
	require.True(t, got.Value.Equal(decimal.NewFromInt(-40)), "carried %s", got.Value)
}

func TestRegenerateOverwrites(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100, 2: 60})
	report := lossReport("if_below(USD(0))")
	for i := 0; i < 2; i++ {
		_, err := f.gen.Generate(context.Background(), report, firstHalf(1, 2))
		require.NoError(t, err)
	}
	require.Len(t, f.values.All(), 3)
}

func TestSingleCompanyHasNoAdjustment(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100})
	run, err := f.gen.Generate(context.Background(), lossReport("if_below(USD(0))"), firstHalf(1))
	require.NoError(t, err)
	require.Len(t, run.Values, 1)
	require.Empty(t, run.Adjustments())
	require.True(t, run.Values[0].Value.Equal(decimal.NewFromInt(-100)))
	require.Equal(t, reporting.FiscalPositionAll, run.Values[0].FiscalPosition)
}

func TestScopeErrors(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100})

	opts := firstHalf(1)
	opts.Comparison.Periods = []reporting.DateWindow{{From: day(2023, 1, 1), To: day(2023, 6, 30)}}
	_, err := f.gen.Generate(context.Background(), lossReport(""), opts)
	require.ErrorIs(t, err, reporting.ErrScope)

	report := lossReport("")
	report.Lines[1].Expressions[1].PerFiscalPosition = true
	_, err = f.gen.Generate(context.Background(), report, firstHalf(1))
	require.ErrorIs(t, err, reporting.ErrScope)

	opts = firstHalf(1)
	opts.FiscalPosition = reporting.FiscalPositionDomestic
	run, err := f.gen.Generate(context.Background(), report, opts)
	require.NoError(t, err)
	require.Len(t, run.Values, 1)
	require.Equal(t, reporting.FiscalPositionDomestic, run.Values[0].FiscalPosition)
}

func TestFiscalPositionTargetNeedsSingleScope(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100})
	report := lossReport("")
	report.Lines[1].Expressions[0].PerFiscalPosition = true

	_, err := f.gen.Generate(context.Background(), report, firstHalf(1))
	require.ErrorIs(t, err, reporting.ErrScope)

	opts := firstHalf(1)
	opts.FiscalPosition = reporting.FiscalPositionDomestic
	run, err := f.gen.Generate(context.Background(), report, opts)
	require.NoError(t, err)
	require.Len(t, run.Values, 1)
	require.Equal(t, reporting.FiscalPositionDomestic, run.Values[0].FiscalPosition)
}

func TestMissingTarget(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100})
	report := lossReport("")
	report.Lines[1].Expressions[1].CarryoverTarget = "PROFIT.balance"
	_, err := f.gen.Generate(context.Background(), report, firstHalf(1))
	require.ErrorIs(t, err, reporting.ErrConfiguration)

	report.Lines[1].Expressions[1].CarryoverTarget = "NOPE.balance"
	_, err = f.gen.Generate(context.Background(), report, firstHalf(1))
	require.ErrorIs(t, err, reporting.ErrConfiguration)
}

// txValues stages writes and applies them only when the transaction
// function succeeds.
type txValues struct {
	*memory.Values
	calls     int
	failAfter int
}

type stagedValues struct {
	*memory.Values
	pending   []reporting.CarryoverValue
	failAfter int
}

func (s *stagedValues) Upsert(_ context.Context, v reporting.CarryoverValue) (reporting.CarryoverValue, error) {
	if s.failAfter > 0 && len(s.pending) == s.failAfter {
		return reporting.CarryoverValue{}, errors.New("connection reset")
	}
	s.pending = append(s.pending, v)
	return v, nil
}

func (t *txValues) InTx(ctx context.Context, fn func(reporting.ExternalValueStore) error) error {
	t.calls++
	staged := &stagedValues{Values: t.Values, failAfter: t.failAfter}
	if err := fn(staged); err != nil {
		return err
	}
	for _, v := range staged.pending {
		if _, err := t.Values.Upsert(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func TestGenerateWritesInOneTransaction(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100, 2: 60})
	store := &txValues{Values: f.values}
	gen := NewGenerator(f.ev, store, nil)
	run, err := gen.Generate(context.Background(), lossReport("if_below(USD(0))"), firstHalf(1, 2))
	require.NoError(t, err)
	require.Equal(t, 1, store.calls)
	require.Len(t, run.Values, 3)
	require.Len(t, f.values.All(), 3)
}

func TestGenerateFailureLeavesNoPartialRun(t *testing.T) {
	f := newFixture(map[int64]int64{1: -100, 2: 60})
	gen := NewGenerator(f.ev, &txValues{Values: f.values, failAfter: 2}, nil)
	_, err := gen.Generate(context.Background(), lossReport("if_below(USD(0))"), firstHalf(1, 2))
	require.ErrorContains(t, err, "connection reset")
	require.Empty(t, f.values.All())
}
