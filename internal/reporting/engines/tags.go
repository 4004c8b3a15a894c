package engines

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// evalTags sums rows carrying +tag or -tag, signed by the tag and flipped
// again when the row's tax_negate flag is set.
func evalTags(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error) {
	type signedTag struct {
		exprID int64
		sign   int
	}
	byTag := make(map[string][]signedTag)
	tags := make([]any, 0, 2*len(batch.Expressions))
	for _, expr := range batch.Expressions {
		pos, neg, err := formula.ParseTag(expr.Formula)
		if err != nil {
			return nil, configErr(batch, expr, err)
		}
		if _, ok := byTag[pos]; !ok {
			tags = append(tags, pos, neg)
		}
		byTag[pos] = append(byTag[pos], signedTag{exprID: expr.ID, sign: 1})
		byTag[neg] = append(byTag[neg], signedTag{exprID: expr.ID, sign: -1})
	}

	groupBy := append([]string{reporting.FieldTaxTag, reporting.FieldTaxNegate}, batch.Scope.GroupBy...)
	cond := reporting.Condition{Field: reporting.FieldTaxTag, Operator: formula.OpIn, Value: tags}
	rows, err := deps.Ledger.Query(ctx, batch.query([]reporting.Condition{cond}, groupBy))
	if err != nil {
		return nil, fmt.Errorf("engines: tax tags: %w", err)
	}

	accs := make(map[int64]*accumulator, len(batch.Expressions))
	for _, expr := range batch.Expressions {
		accs[expr.ID] = newAccumulator()
	}
	for _, row := range rows {
		tag, _ := row.Keys[0].(string)
		negate, _ := row.Keys[1].(bool)
		for _, st := range byTag[tag] {
			v := row.Balance
			if st.sign < 0 {
				v = v.Neg()
			}
			if negate {
				v = v.Neg()
			}
			accs[st.exprID].add(row.Keys[2:], v)
		}
	}
	out := make(map[int64]reporting.ExpressionTotal, len(batch.Expressions))
	for id, acc := range accs {
		out[id] = acc.result(batch.Scope)
	}
	return out, nil
}
