package engines

import (
	"context"
	"fmt"
	"sort"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// evalAccountCodes queries the balances of every account under the batch's
// prefixes once, then distributes account totals to the terms matching them.
func evalAccountCodes(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error) {
	terms := make(map[int64][]formula.AccountTerm, len(batch.Expressions))
	prefixSet := make(map[string]struct{})
	for _, expr := range batch.Expressions {
		parsed, err := formula.ParseAccountCodes(expr.Formula)
		if err != nil {
			return nil, configErr(batch, expr, err)
		}
		terms[expr.ID] = parsed
		for _, t := range parsed {
			prefixSet[t.Prefix] = struct{}{}
		}
	}
	prefixes := make([]string, 0, len(prefixSet))
	for p := range prefixSet {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	values := make([]any, len(prefixes))
	for i, p := range prefixes {
		values[i] = p
	}

	groupDepth := len(batch.Scope.GroupBy)
	groupBy := append(append([]string(nil), batch.Scope.GroupBy...), reporting.FieldAccountCode)
	cond := reporting.Condition{Field: reporting.FieldAccountCode, Operator: formula.OpPrefix, Value: values}
	rows, err := deps.Ledger.Query(ctx, batch.query([]reporting.Condition{cond}, groupBy))
	if err != nil {
		return nil, fmt.Errorf("engines: account codes: %w", err)
	}

	out := make(map[int64]reporting.ExpressionTotal, len(batch.Expressions))
	for _, expr := range batch.Expressions {
		acc := newAccumulator()
		for _, row := range rows {
			code, _ := row.Keys[groupDepth].(string)
			for _, term := range terms[expr.ID] {
				if !term.Matches(code) {
					continue
				}
				switch term.Filter {
				case formula.FilterDebit:
					if !row.Balance.IsPositive() {
						continue
					}
				case formula.FilterCredit:
					if !row.Balance.IsNegative() {
						continue
					}
				}
				if term.Sign < 0 {
					acc.add(row.Keys[:groupDepth], row.Balance.Neg())
				} else {
					acc.add(row.Keys[:groupDepth], row.Balance)
				}
			}
		}
		out[expr.ID] = acc.result(batch.Scope)
	}
	return out, nil
}
