package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// columns maps ledger fields onto the journal_items view. tax_tag is only
// reachable through the lateral unnest join.
var columns = map[string]string{
	reporting.FieldID:             "ji.id",
	reporting.FieldDate:           "ji.date",
	reporting.FieldCompany:        "ji.company_id",
	reporting.FieldAccount:        "ji.account_id",
	reporting.FieldAccountCode:    "ji.account_code",
	reporting.FieldPartner:        "ji.partner_id",
	reporting.FieldJournal:        "ji.journal_id",
	reporting.FieldFiscalPosition: "ji.fiscal_position_id",
	reporting.FieldTaxTag:         "tt.tax_tag",
	reporting.FieldTaxNegate:      "ji.tax_negate",
	"currency":                    "ji.currency",
	"label":                       "ji.label",
	"amount_currency":             "ji.amount_currency",
}

type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func column(field string) (string, error) {
	col, ok := columns[field]
	if !ok {
		return "", fmt.Errorf("postgres: unknown field %q", field)
	}
	return col, nil
}

// fromWhere renders the FROM and WHERE clauses of a ledger query.
func (b *builder) fromWhere(q reporting.LedgerQuery) (string, error) {
	var sb strings.Builder
	sb.WriteString("FROM journal_items ji")
	if needsTags(q) {
		sb.WriteString(" LEFT JOIN LATERAL unnest(ji.tax_tags) AS tt(tax_tag) ON TRUE")
	}
	where := make([]string, 0, len(q.Conditions)+2)
	if !q.Dates.From.IsZero() {
		where = append(where, "ji.date >= "+b.arg(q.Dates.From))
	}
	if !q.Dates.To.IsZero() {
		where = append(where, "ji.date <= "+b.arg(q.Dates.To))
	}
	for _, c := range q.Conditions {
		clause, err := b.condition(c)
		if err != nil {
			return "", err
		}
		where = append(where, clause)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	return sb.String(), nil
}

func needsTags(q reporting.LedgerQuery) bool {
	for _, f := range q.GroupBy {
		if f == reporting.FieldTaxTag {
			return true
		}
	}
	for _, c := range q.Conditions {
		if c.Field == reporting.FieldTaxTag {
			return true
		}
	}
	return false
}

// selectQuery renders the grouped balance query. Keys come first, then the
// balance as text and the row count.
func selectQuery(q reporting.LedgerQuery) (string, []any, error) {
	b := &builder{}
	groups := make([]string, len(q.GroupBy))
	for i, field := range q.GroupBy {
		col, err := column(field)
		if err != nil {
			return "", nil, err
		}
		groups[i] = col
	}
	from, err := b.fromWhere(q)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for _, col := range groups {
		sb.WriteString(col)
		sb.WriteString(", ")
	}
	sb.WriteString("COALESCE(SUM(ji.balance), 0)::text, COUNT(*) ")
	sb.WriteString(from)
	if len(groups) > 0 {
		ordinals := make([]string, len(groups))
		order := make([]string, len(groups))
		for i := range groups {
			ordinals[i] = strconv.Itoa(i + 1)
			order[i] = ordinals[i] + " NULLS LAST"
		}
		sb.WriteString(" GROUP BY " + strings.Join(ordinals, ", "))
		sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + b.arg(q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + b.arg(q.Offset))
	}
	return sb.String(), b.args, nil
}

// countQuery counts distinct groups, or rows when ungrouped.
func countQuery(q reporting.LedgerQuery) (string, []any, error) {
	if len(q.GroupBy) == 0 {
		b := &builder{}
		from, err := b.fromWhere(q)
		if err != nil {
			return "", nil, err
		}
		return "SELECT COUNT(*) " + from, b.args, nil
	}
	q.Offset, q.Limit = 0, 0
	inner, args, err := selectQuery(q)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM (" + inner + ") g", args, nil
}

func (b *builder) condition(c reporting.Condition) (string, error) {
	col, err := column(c.Field)
	if err != nil {
		return "", err
	}
	switch c.Operator {
	case formula.OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + b.arg(scalar(c.Value)), nil
	case formula.OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " IS DISTINCT FROM " + b.arg(scalar(c.Value)), nil
	case formula.OpLt, formula.OpLe, formula.OpGt, formula.OpGe:
		if c.Value == nil {
			return "FALSE", nil
		}
		return col + " " + c.Operator + " " + b.arg(scalar(c.Value)), nil
	case formula.OpIn, formula.OpNotIn:
		list, hasNil, err := typedList(c.Value)
		if err != nil {
			return "", fmt.Errorf("postgres: %s on %s: %w", c.Operator, c.Field, err)
		}
		clause := "COALESCE(" + col + " = ANY(" + b.arg(list) + "), FALSE)"
		if hasNil {
			clause = "(" + clause + " OR " + col + " IS NULL)"
		}
		if c.Operator == formula.OpNotIn {
			return "NOT " + clause, nil
		}
		return clause, nil
	case formula.OpLike, formula.OpILike, formula.OpNotLike:
		pattern, ok := c.Value.(string)
		if !ok {
			return "", fmt.Errorf("postgres: %s expects a string pattern", c.Operator)
		}
		if c.Operator == formula.OpLike {
			return col + " LIKE " + b.arg(pattern), nil
		}
		clause := col + " ILIKE " + b.arg("%"+pattern+"%")
		if c.Operator == formula.OpNotLike {
			return "NOT " + clause, nil
		}
		return clause, nil
	case formula.OpPrefix:
		list, ok := c.Value.([]any)
		if !ok {
			list = []any{c.Value}
		}
		patterns := make([]string, 0, len(list))
		for _, item := range list {
			p, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("postgres: =prefix expects strings, got %T", item)
			}
			patterns = append(patterns, likeEscaper.Replace(p)+"%")
		}
		return col + " LIKE ANY(" + b.arg(patterns) + ")", nil
	}
	return "", fmt.Errorf("postgres: unsupported operator %q", c.Operator)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func scalar(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return decimal.NewFromFloat(x).String()
	case decimal.Decimal:
		return x.String()
	}
	return v
}

// typedList converts an `in` operand into a slice pgx can bind as an array.
// Nil members are reported separately since ANY never matches NULL.
func typedList(v any) (any, bool, error) {
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	var (
		ints   = []int64{}
		strs   []string
		bools  []bool
		hasNil bool
	)
	for _, item := range list {
		switch x := scalar(item).(type) {
		case nil:
			hasNil = true
		case int64:
			ints = append(ints, x)
		case string:
			strs = append(strs, x)
		case bool:
			bools = append(bools, x)
		default:
			return nil, false, fmt.Errorf("unsupported list member %T", item)
		}
	}
	kinds := 0
	for _, n := range []int{len(ints), len(strs), len(bools)} {
		if n > 0 {
			kinds++
		}
	}
	switch {
	case kinds > 1:
		return nil, false, fmt.Errorf("mixed list member types")
	case len(strs) > 0:
		return strs, hasNil, nil
	case len(bools) > 0:
		return bools, hasNil, nil
	}
	return ints, hasNil, nil
}
