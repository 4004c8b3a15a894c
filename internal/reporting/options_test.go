package reporting

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDateRangeForScopes(t *testing.T) {
	opts := Options{Date: DateWindow{From: day("2024-04-01"), To: day("2024-06-30"), Mode: DateModeRange}}

	cases := []struct {
		scope DateScope
		want  DateRange
	}{
		{DateScopeNormal, DateRange{From: day("2024-04-01"), To: day("2024-06-30")}},
		{DateScopeStrictRange, DateRange{From: day("2024-04-01"), To: day("2024-06-30")}},
		{DateScopeFromBeginning, DateRange{To: day("2024-06-30")}},
		{DateScopeFromFiscalYear, DateRange{From: day("2024-01-01"), To: day("2024-06-30")}},
		{DateScopeToBeginningOfFiscalYr, DateRange{To: day("2023-12-31")}},
		{DateScopeToBeginningOfPeriod, DateRange{To: day("2024-03-31")}},
		{DateScopePreviousTaxPeriod, DateRange{From: day("2024-01-01"), To: day("2024-03-31")}},
	}
	for _, tc := range cases {
		t.Run(string(tc.scope), func(t *testing.T) {
			got, err := opts.DateRangeFor(tc.scope)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDateRangeForShiftedFiscalYear(t *testing.T) {
	opts := Options{
		Date:             DateWindow{From: day("2024-06-01"), To: day("2024-06-30")},
		FiscalYearEndMon: time.March,
		FiscalYearEndDay: 31,
	}
	got, err := opts.DateRangeFor(DateScopeFromFiscalYear)
	require.NoError(t, err)
	require.Equal(t, day("2024-04-01"), got.From)
}

func TestDateRangeForSingleDate(t *testing.T) {
	opts := Options{Date: DateWindow{To: day("2024-06-30"), Mode: DateModeSingle}}

	normal, err := opts.DateRangeFor(DateScopeNormal)
	require.NoError(t, err)
	require.True(t, normal.From.IsZero())
	require.Equal(t, "*..2024-06-30", normal.String())

	strict, err := opts.DateRangeFor(DateScopeStrictRange)
	require.NoError(t, err)
	require.Equal(t, day("2024-06-01"), strict.From)
}

func TestDateRangeForUnknownScope(t *testing.T) {
	opts := Options{Date: DateWindow{To: day("2024-06-30")}}
	_, err := opts.DateRangeFor("yesterday")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSplitColumnGroups(t *testing.T) {
	opts := Options{
		ReportID:  1,
		Companies: []int64{1},
		Currency:  "USD",
		Date:      DateWindow{From: day("2024-06-01"), To: day("2024-06-30"), Mode: DateModeRange},
		Comparison: Comparison{Periods: []DateWindow{
			{From: day("2024-05-01"), To: day("2024-05-31")},
		}},
		HorizontalGroups: []HorizontalGroup{
			{Name: "EU", Conditions: []Condition{{Field: "partner_country", Operator: "=", Value: "EU"}}},
			{Name: "US", Conditions: []Condition{{Field: "partner_country", Operator: "=", Value: "US"}}},
		},
		UnfoldAll: true,
	}

	groups, err := SplitColumnGroups(opts)
	require.NoError(t, err)
	require.Len(t, groups, 4)
	require.Equal(t, "2024-06-01 - 2024-06-30 / EU", groups[0].Name)
	require.Equal(t, day("2024-05-01"), groups[2].Options.Date.From)
	require.Equal(t, DateModeRange, groups[2].Options.Date.Mode)

	keys := map[string]bool{}
	for _, g := range groups {
		require.Empty(t, g.Options.Comparison.Periods)
		require.Nil(t, g.Options.HorizontalGroups)
		require.False(t, g.Options.UnfoldAll)
		require.Len(t, g.Options.ForcedDomain, 1)
		keys[g.Key] = true
	}
	require.Len(t, keys, 4)

	again, err := SplitColumnGroups(opts)
	require.NoError(t, err)
	for i := range groups {
		require.Equal(t, groups[i].Key, again[i].Key)
	}
}

func TestSplitColumnGroupsRequiresEndDate(t *testing.T) {
	_, err := SplitColumnGroups(Options{})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestResolvedKeepsExplicitGroups(t *testing.T) {
	opts := Options{ColumnGroups: []ColumnGroup{{Key: "fixed"}}}
	got, err := opts.Resolved()
	require.NoError(t, err)
	require.Equal(t, "fixed", got.ColumnGroups[0].Key)
}

func TestReferenceCompanyAndUnfold(t *testing.T) {
	require.Equal(t, int64(3), Options{Companies: []int64{3, 4}}.ReferenceCompany())
	require.Equal(t, int64(4), Options{Companies: []int64{3, 4}, MainCompanyID: 4}.ReferenceCompany())

	opts := Options{UnfoldedLines: []string{"-account.report.line~~1"}}
	require.True(t, opts.IsUnfolded("-account.report.line~~1"))
	require.False(t, opts.IsUnfolded("-account.report.line~~2"))
	require.True(t, Options{PrintMode: true}.IsUnfolded("x"))
}

func TestFiscalPositionScope(t *testing.T) {
	require.False(t, FiscalPositionAll.Restricted())
	require.False(t, FiscalPositionScope("").Restricted())
	require.True(t, FiscalPositionDomestic.Restricted())

	id, err := FiscalPositionScope("7").ID()
	require.NoError(t, err)
	require.Equal(t, int64(7), id)

	_, err = FiscalPositionAll.ID()
	require.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := Configf("TAX", "balance", "bad token %q", "x")
	require.EqualError(t, err, `reporting: configuration error at TAX.balance: bad token "x"`)
	require.ErrorIs(t, err, ErrConfiguration)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "TAX", cfgErr.Line)

	unresolved := &UnresolvedDependencyError{Line: "NET", Terms: []string{"A.balance"}, Formula: "A.balance + 1"}
	require.ErrorIs(t, unresolved, ErrUnresolvedDependency)
	require.Contains(t, unresolved.Error(), "A.balance")

	require.ErrorIs(t, &ConsistencyError{Expected: 1, Actual: 2}, ErrConsistency)
	require.ErrorIs(t, &ScopeError{Reason: "multiple column groups"}, ErrScope)
}

func TestCompareValuesAcrossTypes(t *testing.T) {
	require.Equal(t, -1, CompareValues(nil, true))
	require.Equal(t, -1, CompareValues(true, decimal.NewFromInt(1)))
	require.Equal(t, 0, CompareValues(decimal.RequireFromString("2.50"), 2.5))
	require.Equal(t, -1, CompareValues(int64(9), "a"))
	require.Equal(t, 1, CompareValues(day("2024-01-02"), day("2024-01-01")))

	require.Equal(t, -1, CompareKeys([]any{"b"}, []any{nil}))
	require.Equal(t, 0, CompareKeys([]any{int64(1), "x"}, []any{int64(1), "x"}))
}
