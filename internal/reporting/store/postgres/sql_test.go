package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

var (
	jan1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dec31 = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
)

func TestSelectQueryGroupedPage(t *testing.T) {
	q := reporting.LedgerQuery{
		Conditions: []reporting.Condition{
			{Field: reporting.FieldPartner, Operator: formula.OpEq, Value: nil},
			{Field: reporting.FieldCompany, Operator: formula.OpIn, Value: []any{int64(1), 2}},
		},
		Dates:   reporting.DateRange{From: jan1, To: dec31},
		GroupBy: []string{reporting.FieldAccount},
		Offset:  80,
		Limit:   80,
	}
	sql, args, err := selectQuery(q)
	require.NoError(t, err)
	require.Equal(t, "SELECT ji.account_id, COALESCE(SUM(ji.balance), 0)::text, COUNT(*) FROM journal_items ji"+
		" WHERE ji.date >= $1 AND ji.date <= $2 AND ji.partner_id IS NULL AND COALESCE(ji.company_id = ANY($3), FALSE)"+
		" GROUP BY 1 ORDER BY 1 NULLS LAST LIMIT $4 OFFSET $5", sql)
	require.Equal(t, []any{jan1, dec31, []int64{1, 2}, 80, 80}, args)
}

func TestSelectQueryUnnestsTags(t *testing.T) {
	q := reporting.LedgerQuery{
		Conditions: []reporting.Condition{{Field: reporting.FieldTaxTag, Operator: formula.OpIn, Value: []any{"+base", "-base"}}},
		Dates:      reporting.DateRange{To: dec31},
		GroupBy:    []string{reporting.FieldTaxTag, reporting.FieldTaxNegate},
	}
	sql, args, err := selectQuery(q)
	require.NoError(t, err)
	require.Contains(t, sql, "LEFT JOIN LATERAL unnest(ji.tax_tags) AS tt(tax_tag) ON TRUE")
	require.Contains(t, sql, "SELECT tt.tax_tag, ji.tax_negate,")
	require.Contains(t, sql, "COALESCE(tt.tax_tag = ANY($2), FALSE)")
	require.NotContains(t, sql, "LIMIT")
	require.Equal(t, []any{dec31, []string{"+base", "-base"}}, args)

	sql, _, err = selectQuery(reporting.LedgerQuery{})
	require.NoError(t, err)
	require.NotContains(t, sql, "unnest")
	require.NotContains(t, sql, "WHERE")
}

func TestConditions(t *testing.T) {
	cases := []struct {
		name string
		cond reporting.Condition
		sql  string
		args []any
	}{
		{"not null", reporting.Condition{Field: "partner_id", Operator: "!=", Value: nil}, "ji.partner_id IS NOT NULL", nil},
		{"distinct", reporting.Condition{Field: "partner_id", Operator: "!=", Value: 3}, "ji.partner_id IS DISTINCT FROM $1", []any{int64(3)}},
		{"compare nil", reporting.Condition{Field: "date", Operator: "<", Value: nil}, "FALSE", nil},
		{"compare", reporting.Condition{Field: "date", Operator: ">=", Value: jan1}, "ji.date >= $1", []any{jan1}},
		{"not in with nil", reporting.Condition{Field: "partner_id", Operator: "not in", Value: []any{nil, int64(5)}},
			"NOT (COALESCE(ji.partner_id = ANY($1), FALSE) OR ji.partner_id IS NULL)", []any{[]int64{5}}},
		{"like", reporting.Condition{Field: "label", Operator: "=like", Value: "INV%"}, "ji.label LIKE $1", []any{"INV%"}},
		{"ilike", reporting.Condition{Field: "label", Operator: "ilike", Value: "rent"}, "ji.label ILIKE $1", []any{"%rent%"}},
		{"not ilike", reporting.Condition{Field: "label", Operator: "not ilike", Value: "rent"}, "NOT ji.label ILIKE $1", []any{"%rent%"}},
		{"prefix", reporting.Condition{Field: "account_code", Operator: "=prefix", Value: []any{"40_1", "41"}},
			"ji.account_code LIKE ANY($1)", []any{[]string{`40\_1%`, "41%"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &builder{}
			sql, err := b.condition(tc.cond)
			require.NoError(t, err)
			require.Equal(t, tc.sql, sql)
			require.Equal(t, tc.args, b.args)
		})
	}
}

func TestConditionErrors(t *testing.T) {
	b := &builder{}
	_, err := b.condition(reporting.Condition{Field: "nope", Operator: "=", Value: 1})
	require.Error(t, err)
	_, err = b.condition(reporting.Condition{Field: "partner_id", Operator: "in", Value: []any{int64(1), "x"}})
	require.Error(t, err)
	_, err = b.condition(reporting.Condition{Field: "label", Operator: "=like", Value: 4})
	require.Error(t, err)
	_, err = b.condition(reporting.Condition{Field: "label", Operator: "child_of", Value: 4})
	require.Error(t, err)
}

func TestCountQuery(t *testing.T) {
	q := reporting.LedgerQuery{GroupBy: []string{reporting.FieldPartner}, Offset: 10, Limit: 5}
	sql, args, err := countQuery(q)
	require.NoError(t, err)
	require.Equal(t, "SELECT COUNT(*) FROM (SELECT ji.partner_id, COALESCE(SUM(ji.balance), 0)::text, COUNT(*) FROM journal_items ji GROUP BY 1 ORDER BY 1 NULLS LAST) g", sql)
	require.Empty(t, args)

	sql, _, err = countQuery(reporting.LedgerQuery{})
	require.NoError(t, err)
	require.Equal(t, "SELECT COUNT(*) FROM journal_items ji", sql)
}

func TestFindQuery(t *testing.T) {
	sql, args := findQuery(reporting.ValueFilter{
		TargetExpressionID: 3,
		Companies:          []int64{1},
		FiscalPosition:     reporting.FiscalPositionAll,
		Dates:              reporting.DateRange{To: dec31},
	})
	require.Equal(t, "SELECT "+valueColumns+" FROM report_external_values WHERE target_expression_id = $1 AND company_id = ANY($2) AND date <= $3 ORDER BY id", sql)
	require.Equal(t, []any{int64(3), []int64{1}, dec31}, args)

	sql, _ = findQuery(reporting.ValueFilter{FiscalPosition: "12"})
	require.Contains(t, sql, "WHERE fiscal_position = $1")
}
