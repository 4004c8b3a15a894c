package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	platformdb "github.com/odyssey-erp/ledger-reports/internal/platform/db"
	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// Values persists manual and carryover values in report_external_values.
type Values struct {
	db    dbtx
	begin platformdb.TxBeginner
}

// NewValues constructs the store.
func NewValues(pool *pgxpool.Pool) *Values {
	v := &Values{db: pool}
	if pool != nil {
		v.begin = pool
	}
	return v
}

// InTx runs fn against a store bound to one transaction. Without a pool the
// store runs fn directly.
func (s *Values) InTx(ctx context.Context, fn func(reporting.ExternalValueStore) error) error {
	if s == nil || s.begin == nil {
		return fn(s)
	}
	return platformdb.WithTx(ctx, s.begin, func(tx pgx.Tx) error {
		return fn(&Values{db: tx})
	})
}

const valueColumns = `id, value::text, target_expression_id, company_id, fiscal_position, COALESCE(origin_expression_id, 0), date, kind, label`

// Upsert implements reporting.ExternalValueStore. A unique violation on the
// value key turns the insert into an update, so the last write wins.
func (s *Values) Upsert(ctx context.Context, v reporting.CarryoverValue) (reporting.CarryoverValue, error) {
	if s == nil || s.db == nil {
		return reporting.CarryoverValue{}, errors.New("postgres: value store not initialised")
	}
	if v.Kind == "" {
		v.Kind = reporting.ValueManual
	}
	if v.FiscalPosition == "" {
		v.FiscalPosition = reporting.FiscalPositionAll
	}
	var origin *int64
	if v.OriginExpressionID != 0 {
		origin = &v.OriginExpressionID
	}
	args := []any{v.TargetExpressionID, v.CompanyID, string(v.FiscalPosition), v.Date, string(v.Kind), v.Value.String(), origin, v.Label}

	const insert = `
INSERT INTO report_external_values (target_expression_id, company_id, fiscal_position, date, kind, value, origin_expression_id, label)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
RETURNING id`
	err := s.db.QueryRow(ctx, insert, args...).Scan(&v.ID)
	if err == nil {
		return v, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return reporting.CarryoverValue{}, fmt.Errorf("postgres: insert external value: %w", err)
	}
	const update = `
UPDATE report_external_values
SET value = $6::numeric, origin_expression_id = $7, label = $8, updated_at = NOW()
WHERE target_expression_id = $1 AND company_id = $2 AND fiscal_position = $3 AND date = $4 AND kind = $5
RETURNING id`
	if err := s.db.QueryRow(ctx, update, args...).Scan(&v.ID); err != nil {
		return reporting.CarryoverValue{}, fmt.Errorf("postgres: update external value: %w", err)
	}
	return v, nil
}

// Find implements reporting.ExternalValueStore.
func (s *Values) Find(ctx context.Context, f reporting.ValueFilter) ([]reporting.CarryoverValue, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("postgres: value store not initialised")
	}
	query, args := findQuery(f)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find external values: %w", err)
	}
	defer rows.Close()
	out := make([]reporting.CarryoverValue, 0)
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func findQuery(f reporting.ValueFilter) (string, []any) {
	b := &builder{}
	where := make([]string, 0, 5)
	if f.TargetExpressionID != 0 {
		where = append(where, "target_expression_id = "+b.arg(f.TargetExpressionID))
	}
	if len(f.Companies) > 0 {
		where = append(where, "company_id = ANY("+b.arg(f.Companies)+")")
	}
	if f.FiscalPosition.Restricted() {
		where = append(where, "fiscal_position = "+b.arg(string(f.FiscalPosition)))
	}
	if !f.Dates.From.IsZero() {
		where = append(where, "date >= "+b.arg(f.Dates.From))
	}
	if !f.Dates.To.IsZero() {
		where = append(where, "date <= "+b.arg(f.Dates.To))
	}
	query := "SELECT " + valueColumns + " FROM report_external_values"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY id", b.args
}

func scanValue(row pgx.Row) (reporting.CarryoverValue, error) {
	var (
		v      reporting.CarryoverValue
		amount string
		fiscal string
		kind   string
	)
	if err := row.Scan(&v.ID, &amount, &v.TargetExpressionID, &v.CompanyID, &fiscal, &v.OriginExpressionID, &v.Date, &kind, &v.Label); err != nil {
		return reporting.CarryoverValue{}, fmt.Errorf("postgres: scan external value: %w", err)
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return reporting.CarryoverValue{}, fmt.Errorf("postgres: external value %q: %w", amount, err)
	}
	v.Value = value
	v.FiscalPosition = reporting.FiscalPositionScope(fiscal)
	v.Kind = reporting.ValueKind(kind)
	return v, nil
}
