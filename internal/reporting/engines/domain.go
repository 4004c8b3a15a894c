package engines

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// evalDomain runs one ledger query per distinct predicate. Sign policies are
// applied to each group's aggregate, never to individual rows.
func evalDomain(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error) {
	type shape struct {
		formula string
		count   bool
	}
	order := make([]shape, 0)
	members := make(map[shape][]reporting.Expression)
	policies := make(map[int64]formula.Policy, len(batch.Expressions))
	for _, expr := range batch.Expressions {
		policy, err := formula.ParseSignPolicy(expr.Subformula)
		if err != nil {
			return nil, configErr(batch, expr, err)
		}
		policies[expr.ID] = policy
		s := shape{formula: expr.Formula, count: policy.Sign == formula.SignCountRows}
		if _, ok := members[s]; !ok {
			order = append(order, s)
		}
		members[s] = append(members[s], expr)
	}

	out := make(map[int64]reporting.ExpressionTotal, len(batch.Expressions))
	for _, s := range order {
		first := members[s][0]
		conds, err := formula.ParseDomain(s.formula)
		if err != nil {
			return nil, configErr(batch, first, err)
		}
		if err := batch.checkFields(first, deps.Ledger, conds); err != nil {
			return nil, err
		}
		acc := newAccumulator()
		if s.count {
			unit := reporting.FieldID
			if len(batch.Scope.NextGroupby) > 0 {
				unit = batch.Scope.NextGroupby[0]
			}
			groupBy := append(append([]string(nil), batch.Scope.GroupBy...), unit)
			rows, err := deps.Ledger.Query(ctx, batch.query(conds, groupBy))
			if err != nil {
				return nil, fmt.Errorf("engines: domain count %q: %w", s.formula, err)
			}
			for _, row := range rows {
				acc.add(row.Keys[:len(batch.Scope.GroupBy)], decimal.NewFromInt(1))
			}
		} else {
			rows, err := deps.Ledger.Query(ctx, batch.query(conds, batch.Scope.GroupBy))
			if err != nil {
				return nil, fmt.Errorf("engines: domain %q: %w", s.formula, err)
			}
			for _, row := range rows {
				acc.add(row.Keys, row.Balance)
			}
		}
		for _, expr := range members[s] {
			total := acc.result(batch.Scope)
			out[expr.ID] = applyPolicy(total, policies[expr.ID].Apply)
		}
	}
	return out, nil
}
