package formula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// Operators accepted in domain predicates.
const (
	OpEq      = "="
	OpNe      = "!="
	OpLt      = "<"
	OpLe      = "<="
	OpGt      = ">"
	OpGe      = ">="
	OpIn      = "in"
	OpNotIn   = "not in"
	OpLike    = "=like"
	OpILike   = "ilike"
	OpPrefix  = "=prefix"
	OpNotLike = "not ilike"
)

var domainOperators = map[string]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpIn: true, OpNotIn: true, OpLike: true, OpILike: true, OpPrefix: true, OpNotLike: true,
}

// ValidOperator reports whether op is a supported predicate operator.
func ValidOperator(op string) bool { return domainOperators[op] }

// ParseDomain parses a JSON array of [field, operator, value] triples.
// Numbers decode to int64 when integral and decimal.Decimal otherwise.
func ParseDomain(src string) ([]reporting.Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" || src == "[]" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(src)))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, syntaxErr(src, -1, "domain must be a JSON array of triples: %v", err)
	}
	conds := make([]reporting.Condition, 0, len(raw))
	for i, triple := range raw {
		if len(triple) != 3 {
			return nil, syntaxErr(src, -1, "clause %d is not a [field, operator, value] triple", i)
		}
		field, ok := triple[0].(string)
		if !ok || field == "" {
			return nil, syntaxErr(src, -1, "clause %d has no field name", i)
		}
		op, ok := triple[1].(string)
		if !ok || !ValidOperator(op) {
			return nil, syntaxErr(src, -1, "clause %d has unsupported operator %v", i, triple[1])
		}
		value, err := normalizeValue(triple[2])
		if err != nil {
			return nil, syntaxErr(src, -1, "clause %d: %v", i, err)
		}
		if op == OpIn || op == OpNotIn {
			if _, isList := value.([]any); !isList {
				value = []any{value}
			}
		}
		conds = append(conds, reporting.Condition{Field: field, Operator: op, Value: value})
	}
	return conds, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", x)
		}
		return d, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		return nil, fmt.Errorf("objects are not supported as values")
	}
	return v, nil
}
