package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func seeded() *Ledger {
	l := NewLedger()
	l.Add(
		Row{Date: day(2024, 1, 5), Balance: decimal.NewFromInt(100), Fields: map[string]any{"account_code": "4001", "partner_id": int64(2), "company_id": int64(1)}},
		Row{Date: day(2024, 2, 5), Balance: decimal.NewFromInt(-30), Fields: map[string]any{"account_code": "4002", "partner_id": int64(1), "company_id": int64(1)}},
		Row{Date: day(2024, 3, 5), Balance: decimal.NewFromInt(7), Fields: map[string]any{"account_code": "5001", "company_id": int64(2)}, TaxTags: []string{"+base", "-vat"}},
	)
	return l
}

func TestLedgerQueryGroupsAndFilters(t *testing.T) {
	l := seeded()
	ctx := context.Background()

	rows, err := l.Query(ctx, reporting.LedgerQuery{
		Conditions: []reporting.Condition{{Field: "account_code", Operator: formula.OpPrefix, Value: []any{"40"}}},
		GroupBy:    []string{"partner_id"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, []any{int64(1)}, rows[0].Keys)
	require.True(t, rows[0].Balance.Equal(decimal.NewFromInt(-30)))
	require.Equal(t, []any{int64(2)}, rows[1].Keys)

	rows, err = l.Query(ctx, reporting.LedgerQuery{GroupBy: []string{"partner_id"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Nil(t, rows[2].Keys[0], "absent keys sort last")

	rows, err = l.Query(ctx, reporting.LedgerQuery{Dates: reporting.DateRange{From: day(2024, 2, 1), To: day(2024, 2, 29)}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Balance.Equal(decimal.NewFromInt(-30)))

	count, err := l.Count(ctx, reporting.LedgerQuery{Conditions: []reporting.Condition{{Field: "company_id", Operator: formula.OpIn, Value: []any{int64(1)}}}})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestLedgerUnnestsTags(t *testing.T) {
	l := seeded()
	rows, err := l.Query(context.Background(), reporting.LedgerQuery{
		Conditions: []reporting.Condition{{Field: "tax_tag", Operator: formula.OpIn, Value: []any{"+base", "-vat"}}},
		GroupBy:    []string{"tax_tag", "tax_negate"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, []any{"+base", false}, rows[0].Keys)
	require.Equal(t, []any{"-vat", false}, rows[1].Keys)
}

func TestLedgerRejectsUnknownFields(t *testing.T) {
	l := seeded()
	_, err := l.Query(context.Background(), reporting.LedgerQuery{GroupBy: []string{"label"}})
	require.Error(t, err)
	_, err = l.Query(context.Background(), reporting.LedgerQuery{Conditions: []reporting.Condition{{Field: "nope", Operator: "=", Value: 1}}})
	require.Error(t, err)
}

func TestLikeOperators(t *testing.T) {
	l := seeded()
	ctx := context.Background()
	rows, err := l.Query(ctx, reporting.LedgerQuery{Conditions: []reporting.Condition{{Field: "account_code", Operator: formula.OpLike, Value: "400_"}}})
	require.NoError(t, err)
	require.Equal(t, 2, rows[0].Count)
	rows, err = l.Query(ctx, reporting.LedgerQuery{Conditions: []reporting.Condition{{Field: "account_code", Operator: formula.OpILike, Value: "01"}}})
	require.NoError(t, err)
	require.Equal(t, 2, rows[0].Count)
}

func TestValuesUpsertAndFind(t *testing.T) {
	s := NewValues()
	ctx := context.Background()
	first, err := s.Upsert(ctx, reporting.CarryoverValue{TargetExpressionID: 9, CompanyID: 1, Date: day(2024, 12, 31), Value: decimal.NewFromInt(5), Kind: reporting.ValueCarryover})
	require.NoError(t, err)
	second, err := s.Upsert(ctx, reporting.CarryoverValue{TargetExpressionID: 9, CompanyID: 1, Date: day(2024, 12, 31), Value: decimal.NewFromInt(8), Kind: reporting.ValueCarryover})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	_, err = s.Upsert(ctx, reporting.CarryoverValue{TargetExpressionID: 9, CompanyID: 1, Date: day(2024, 12, 31), Value: decimal.NewFromInt(-1), Kind: reporting.ValueCarryoverAdjustment})
	require.NoError(t, err)

	found, err := s.Find(ctx, reporting.ValueFilter{TargetExpressionID: 9, Companies: []int64{1}, Dates: reporting.DateRange{To: day(2025, 1, 31)}})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.True(t, found[0].Value.Equal(decimal.NewFromInt(8)))

	found, err = s.Find(ctx, reporting.ValueFilter{TargetExpressionID: 9, Dates: reporting.DateRange{From: day(2025, 1, 1), To: day(2025, 1, 31)}})
	require.NoError(t, err)
	require.Empty(t, found)
}
