package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func opts() reporting.Options {
	return reporting.Options{
		ReportID:  1,
		Date:      reporting.DateWindow{From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
		Companies: []int64{1},
		Currency:  "USD",
	}
}

func line(id, parent int64, code string, exprs ...reporting.Expression) reporting.Line {
	return reporting.Line{ID: id, ParentID: parent, Code: code, Sequence: int(id), Expressions: exprs}
}

func agg(id int64, label, formula, sub string) reporting.Expression {
	return reporting.Expression{ID: id, Label: label, Engine: reporting.EngineAggregation, Formula: formula, Subformula: sub}
}

func tagExpr(id int64, tag string) reporting.Expression {
	return reporting.Expression{ID: id, Label: "balance", Engine: reporting.EngineTaxTags, Formula: tag}
}

func aggregations(r *reporting.Report) []reporting.Expression {
	out := make([]reporting.Expression, 0)
	for _, e := range r.Expressions() {
		if e.Engine == reporting.EngineAggregation {
			out = append(out, e)
		}
	}
	return out
}

func TestTaxScenario(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "BASE11", tagExpr(1, "base11")),
		line(2, 0, "BASE42", tagExpr(2, "base42")),
		line(3, 0, "TAX11", agg(3, "balance", "BASE11.balance * 0.11", "")),
		line(4, 0, "TAX42", agg(4, "balance", "BASE42.balance * 42 / 100", "")),
		line(5, 0, "TOTAL", agg(5, "balance", "TAX11.balance + TAX42.balance", "")),
	}}
	res, err := NewResolver(nil).Resolve(context.Background(), Request{
		Report:      r,
		Options:     opts(),
		Expressions: []reporting.Expression{aggregations(r)[2]},
		Table:       map[string]decimal.Decimal{"BASE11.balance": d("100"), "BASE42.balance": d("100")},
	})
	require.NoError(t, err)
	require.True(t, res["TAX11.balance"].Value.Equal(d("11")))
	require.True(t, res["TAX42.balance"].Value.Equal(d("42")))
	require.True(t, res["TOTAL.balance"].Value.Equal(d("53")))
}

func TestDivisionByZeroRecoversToZero(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "A", agg(1, "ratio", "A.balance / B.balance", "")),
	}}
	res, err := NewResolver(nil).Resolve(context.Background(), Request{
		Report: r, Options: opts(), Expressions: aggregations(r),
		Table: map[string]decimal.Decimal{"A.balance": d("10"), "B.balance": decimal.Zero},
	})
	require.NoError(t, err)
	require.True(t, res["A.ratio"].Value.IsZero())
}

func TestBoundBoundaries(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"100", "0"},
		{"100.01", "100.01"},
		{"-5", "0"},
		{"100.004", "0"},
	}
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "X", agg(1, "bounded", "X.raw", "if_above(USD(100))")),
	}}
	for _, tc := range cases {
		res, err := NewResolver(nil).Resolve(context.Background(), Request{
			Report: r, Options: opts(), Expressions: aggregations(r),
			Table: map[string]decimal.Decimal{"X.raw": d(tc.value)},
		})
		require.NoError(t, err)
		got := res["X.bounded"]
		require.True(t, got.Value.Equal(d(tc.want)), "%s -> %s", tc.value, got.Value)
	}
}

func TestBetweenBelowAndOtherExpr(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "X",
			agg(1, "between", "X.raw", "if_between(USD(0), USD(10))"),
			agg(2, "below", "X.raw", "if_below(USD(0))"),
			agg(3, "other", "X.raw * 2", "if_other_expr_above(X.flag, USD(0))"),
		),
	}}
	resolve := func(raw, flag string) map[string]Value {
		res, err := NewResolver(nil).Resolve(context.Background(), Request{
			Report: r, Options: opts(), Expressions: aggregations(r),
			Table: map[string]decimal.Decimal{"X.raw": d(raw), "X.flag": d(flag)},
		})
		require.NoError(t, err)
		return res
	}
	res := resolve("5", "1")
	require.True(t, res["X.between"].Value.Equal(d("5")))
	require.True(t, res["X.below"].Value.IsZero())
	require.True(t, res["X.other"].Value.Equal(d("10")))

	res = resolve("10", "0")
	require.True(t, res["X.between"].Value.IsZero(), "upper bound is exclusive")
	require.True(t, res["X.other"].Value.IsZero())
	require.True(t, res["X.other"].Raw.Equal(d("20")))

	res = resolve("-3", "0")
	require.True(t, res["X.below"].Value.Equal(d("-3")))
}

func TestBoundConvertsCurrency(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "X", agg(1, "bounded", "X.raw", "if_above(EUR(100))")),
	}}
	conv := currency.NewConverter(currency.StaticQuotes{"EURUSD": {Closing: d("1.2")}})
	res, err := NewResolver(conv).Resolve(context.Background(), Request{
		Report: r, Options: opts(), Expressions: aggregations(r),
		Table: map[string]decimal.Decimal{"X.raw": d("110")},
	})
	require.NoError(t, err)
	require.True(t, res["X.bounded"].Value.IsZero(), "110 USD is below 120 USD")

	_, err = NewResolver(nil).Resolve(context.Background(), Request{
		Report: r, Options: opts(), Expressions: aggregations(r),
		Table: map[string]decimal.Decimal{"X.raw": d("110")},
	})
	var missing *currency.MissingRateError
	require.True(t, errors.As(err, &missing))
}

func TestSumChildren(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "P", agg(1, "balance", SumChildren, "")),
		line(2, 1, "C1", reporting.Expression{ID: 2, Label: "balance", Engine: reporting.EngineDomain, Formula: "[]"}),
		line(3, 1, "", reporting.Expression{ID: 3, Label: "balance", Engine: reporting.EngineDomain, Formula: "[]"}),
		line(4, 0, "EMPTY", agg(4, "balance", SumChildren, "")),
	}}
	res, err := NewResolver(nil).Resolve(context.Background(), Request{
		Report: r, Options: opts(), Expressions: aggregations(r),
		Table: map[string]decimal.Decimal{"C1.balance": d("4"), "_line3.balance": d("6")},
	})
	require.NoError(t, err)
	require.True(t, res["P.balance"].Value.Equal(d("10")))
	require.True(t, res["EMPTY.balance"].Value.IsZero())
}

func TestCycleIsConfigurationError(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "A", agg(1, "balance", "B.balance + 1", "")),
		line(2, 0, "B", agg(2, "balance", "A.balance - 1", "")),
	}}
	_, err := NewResolver(nil).Resolve(context.Background(), Request{Report: r, Options: opts(), Expressions: aggregations(r)})
	var cfg *reporting.ConfigurationError
	require.True(t, errors.As(err, &cfg))
	require.Contains(t, cfg.Reason, "A.balance")
	require.Contains(t, cfg.Reason, "B.balance")
}

func TestUnresolvedTermIsFatal(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "A", agg(1, "balance", "MISSING.balance + 1", "")),
	}}
	_, err := NewResolver(nil).Resolve(context.Background(), Request{Report: r, Options: opts(), Expressions: aggregations(r)})
	var unresolved *reporting.UnresolvedDependencyError
	require.True(t, errors.As(err, &unresolved))
	require.Equal(t, []string{"MISSING.balance"}, unresolved.Terms)
	require.ErrorIs(t, err, reporting.ErrUnresolvedDependency)
}

func TestSeedsAreRoundedToCurrency(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "A", agg(1, "balance", "X.raw * 1000", "")),
	}}
	res, err := NewResolver(nil).Resolve(context.Background(), Request{
		Report: r, Options: opts(), Expressions: aggregations(r),
		Table: map[string]decimal.Decimal{"X.raw": d("0.014")},
	})
	require.NoError(t, err)
	require.True(t, res["A.balance"].Value.Equal(d("10")))
}

func TestDependenciesAndDependents(t *testing.T) {
	r := &reporting.Report{ID: 1, Lines: []reporting.Line{
		line(1, 0, "BASE", tagExpr(1, "base")),
		line(2, 0, "MAN", reporting.Expression{ID: 2, Label: "balance", Engine: reporting.EngineExternal, Formula: "sum"}),
		line(3, 0, "TAX", agg(3, "balance", "BASE.balance * 0.1", "")),
		line(4, 0, "NET", agg(4, "balance", "TAX.balance - MAN.balance", "")),
		line(5, 0, "OTHER", agg(5, "balance", "BASE.balance", "")),
	}}
	deps, err := Dependencies(r, nil, []reporting.Expression{aggregations(r)[1]})
	require.NoError(t, err)
	ids := []int64{}
	for _, e := range deps[r] {
		ids = append(ids, e.ID)
	}
	require.ElementsMatch(t, []int64{1, 2}, ids)

	dirty, err := Dependents(r, []string{"MAN.balance"})
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.EqualValues(t, 4, dirty[0].ID)

	dirty, err = Dependents(r, []string{"BASE.balance"})
	require.NoError(t, err)
	require.Len(t, dirty, 3)
}

func TestCrossReportHelpers(t *testing.T) {
	exprs := []reporting.Expression{
		{ID: 1, Engine: reporting.EngineAggregation, Formula: "VAT.balance", Subformula: "cross_report(vat_return)", DateScope: reporting.DateScopeFromFiscalYear},
		{ID: 2, Engine: reporting.EngineAggregation, Formula: "X.balance"},
	}
	require.Equal(t, []string{"vat_return"}, CrossReports(exprs))
	require.Equal(t, reporting.DateScopeFromFiscalYear, CrossReportScope(exprs, "vat_return"))

	main := &reporting.Report{ID: 1, Lines: []reporting.Line{line(1, 0, "LINK", agg(1, "balance", "VAT.balance", "cross_report(vat_return)"))}}
	linked := &reporting.Report{ID: 2, Code: "vat_return", Lines: []reporting.Line{
		line(10, 0, "VATBASE", tagExpr(10, "vat")),
		line(11, 0, "VAT", agg(11, "balance", "VATBASE.balance * 0.2", "")),
	}}
	res, err := NewResolver(nil).Resolve(context.Background(), Request{
		Report: main, Linked: []*reporting.Report{linked}, Options: opts(), Expressions: aggregations(main),
		Table: map[string]decimal.Decimal{"VATBASE.balance": d("50")},
	})
	require.NoError(t, err)
	require.True(t, res["LINK.balance"].Value.Equal(d("10")))
}
