package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

type stubDB struct {
	statements []string
	rowErrs    []error
	rows       [][]any
	rowTexts   []string
}

func (s *stubDB) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	s.statements = append(s.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (s *stubDB) Query(_ context.Context, sql string, _ ...interface{}) (pgx.Rows, error) {
	s.statements = append(s.statements, sql)
	return &stubRows{values: s.rows, index: -1}, nil
}

func (s *stubDB) QueryRow(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	s.statements = append(s.statements, sql)
	var err error
	if len(s.rowErrs) > 0 {
		err, s.rowErrs = s.rowErrs[0], s.rowErrs[1:]
	}
	return &stubRow{err: err, id: 42, texts: s.rowTexts}
}

type stubRow struct {
	err   error
	id    int64
	texts []string
}

func (r *stubRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int64); ok {
		*p = r.id
		return nil
	}
	if len(dest) == len(r.texts) {
		for i, d := range dest {
			p, ok := d.(*string)
			if !ok {
				return fmt.Errorf("unsupported destination %T", d)
			}
			*p = r.texts[i]
		}
		return nil
	}
	return fmt.Errorf("unsupported destination %T", dest[0])
}

type stubRows struct {
	values [][]any
	index  int
}

func (r *stubRows) Close()                                       { r.index = len(r.values) }
func (r *stubRows) Err() error                                   { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	if r.index+1 >= len(r.values) {
		r.index = len(r.values)
		return false
	}
	r.index++
	return true
}

func (r *stubRows) Scan(...interface{}) error { return errors.New("stub rows only support Values") }

func (r *stubRows) Values() ([]interface{}, error) {
	if r.index < 0 || r.index >= len(r.values) {
		return nil, fmt.Errorf("no row available")
	}
	return r.values[r.index], nil
}

func TestUpsertUpdatesOnUniqueViolation(t *testing.T) {
	db := &stubDB{rowErrs: []error{&pgconn.PgError{Code: "23505"}}}
	store := &Values{db: db}
	v, err := store.Upsert(context.Background(), reporting.CarryoverValue{
		Value: decimal.RequireFromString("12.5"), TargetExpressionID: 3, CompanyID: 1, Date: dec31,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), v.ID)
	require.Equal(t, reporting.ValueManual, v.Kind)
	require.Equal(t, reporting.FiscalPositionAll, v.FiscalPosition)
	require.Len(t, db.statements, 2)
	require.Contains(t, db.statements[0], "INSERT INTO report_external_values")
	require.Contains(t, db.statements[1], "UPDATE report_external_values")
}

func TestUpsertWrapsOtherErrors(t *testing.T) {
	db := &stubDB{rowErrs: []error{&pgconn.PgError{Code: "23503"}}}
	store := &Values{db: db}
	_, err := store.Upsert(context.Background(), reporting.CarryoverValue{TargetExpressionID: 3, CompanyID: 1, Date: dec31})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Len(t, db.statements, 1)
}

func TestLedgerQueryScansGroups(t *testing.T) {
	db := &stubDB{rows: [][]any{
		{int32(7), "10.50", int64(2)},
		{nil, "-3", int64(1)},
	}}
	ledger := &Ledger{db: db, fields: reporting.JournalItemFields()}
	groups, err := ledger.Query(context.Background(), reporting.LedgerQuery{GroupBy: []string{reporting.FieldPartner}})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, []any{int64(7)}, groups[0].Keys)
	require.True(t, groups[0].Balance.Equal(decimal.RequireFromString("10.5")))
	require.Equal(t, 2, groups[0].Count)
	require.Equal(t, []any{nil}, groups[1].Keys)
	require.True(t, strings.HasPrefix(db.statements[0], "SELECT ji.partner_id"))
}

func TestLedgerQueryDropsEmptyAggregate(t *testing.T) {
	db := &stubDB{rows: [][]any{{"0", int64(0)}}}
	ledger := &Ledger{db: db, fields: reporting.JournalItemFields()}
	groups, err := ledger.Query(context.Background(), reporting.LedgerQuery{})
	require.NoError(t, err)
	require.Empty(t, groups)

	_, err = ledger.Query(context.Background(), reporting.LedgerQuery{GroupBy: []string{"label"}})
	require.Error(t, err)
}

func TestQuotesReadLatestRate(t *testing.T) {
	db := &stubDB{rowTexts: []string{"1.0850000000", "1.1000000000"}}
	quotes := &Quotes{db: db}
	q, ok, err := quotes.QuoteForPeriod(context.Background(), dec31, "eurusd")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, q.Closing.Equal(decimal.RequireFromString("1.1")))
	require.True(t, q.Average.Equal(decimal.RequireFromString("1.085")))
	require.Contains(t, db.statements[0], "ORDER BY as_of DESC")

	db = &stubDB{rowErrs: []error{pgx.ErrNoRows}}
	_, ok, err = (&Quotes{db: db}).QuoteForPeriod(context.Background(), dec31, "EURUSD")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQuotesSaveUpserts(t *testing.T) {
	db := &stubDB{}
	quotes := &Quotes{db: db}
	require.NoError(t, quotes.Save(context.Background(), "eurusd", dec31, currency.Quote{Closing: decimal.RequireFromString("1.1")}))
	require.Contains(t, db.statements[0], "ON CONFLICT (pair, as_of)")
}
