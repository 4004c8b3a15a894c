// Package postgres implements the reporting ledger and the external value
// store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// displayColumns names the table and label expression of reference fields.
var displayColumns = map[string]struct{ table, name string }{
	reporting.FieldCompany: {"companies", "name"},
	reporting.FieldAccount: {"accounts", "code || ' ' || name"},
	reporting.FieldPartner: {"partners", "name"},
	reporting.FieldJournal: {"journals", "name"},
}

// Ledger reads grouped balances from journal_items.
type Ledger struct {
	db     dbtx
	fields map[string]reporting.FieldInfo
}

// NewLedger constructs a ledger over the pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{db: pool, fields: reporting.JournalItemFields()}
}

// Field implements reporting.Ledger.
func (l *Ledger) Field(name string) (reporting.FieldInfo, bool) {
	info, ok := l.fields[name]
	return info, ok
}

// Query implements reporting.Ledger.
func (l *Ledger) Query(ctx context.Context, q reporting.LedgerQuery) ([]reporting.GroupSum, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("postgres: ledger not initialised")
	}
	if err := l.checkGroupable(q.GroupBy); err != nil {
		return nil, err
	}
	query, args, err := selectQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: ledger query: %w", err)
	}
	defer rows.Close()
	out := make([]reporting.GroupSum, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger row: %w", err)
		}
		sum, err := groupSum(values, len(q.GroupBy))
		if err != nil {
			return nil, err
		}
		// An ungrouped aggregate yields one row even when nothing matched.
		if sum.Count == 0 {
			continue
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Count implements reporting.Ledger.
func (l *Ledger) Count(ctx context.Context, q reporting.LedgerQuery) (int, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("postgres: ledger not initialised")
	}
	if err := l.checkGroupable(q.GroupBy); err != nil {
		return 0, err
	}
	query, args, err := countQuery(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := l.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: ledger count: %w", err)
	}
	return int(n), nil
}

// DisplayNames implements reporting.Ledger.
func (l *Ledger) DisplayNames(ctx context.Context, field string, keys []any) (map[any]string, error) {
	out := make(map[any]string, len(keys))
	ref, ok := displayColumns[field]
	if !ok || len(keys) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		if id, ok := normalize(k).(int64); ok {
			ids = append(ids, id)
		}
	}
	query := fmt.Sprintf(`SELECT id, %s FROM %s WHERE id = ANY($1)`, ref.name, ref.table)
	rows, err := l.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: display names for %s: %w", field, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

func (l *Ledger) checkGroupable(fields []string) error {
	for _, f := range fields {
		if info, ok := l.fields[f]; !ok || !info.Groupable {
			return fmt.Errorf("postgres: field %q is not groupable", f)
		}
	}
	return nil
}

func groupSum(values []any, keys int) (reporting.GroupSum, error) {
	if len(values) != keys+2 {
		return reporting.GroupSum{}, fmt.Errorf("postgres: expected %d columns, got %d", keys+2, len(values))
	}
	sum := reporting.GroupSum{Keys: make([]any, keys)}
	for i := 0; i < keys; i++ {
		sum.Keys[i] = normalize(values[i])
	}
	text, _ := values[keys].(string)
	balance, err := decimal.NewFromString(text)
	if err != nil {
		return reporting.GroupSum{}, fmt.Errorf("postgres: balance %q: %w", text, err)
	}
	sum.Balance = balance
	count, _ := normalize(values[keys+1]).(int64)
	sum.Count = int(count)
	return sum, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	}
	return v
}
