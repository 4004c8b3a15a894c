package engines

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// evalCustom hands expressions sharing a formula name to the report's
// injected custom engine in one call.
func evalCustom(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error) {
	order := make([]string, 0)
	byName := make(map[string][]reporting.Expression)
	for _, expr := range batch.Expressions {
		if _, ok := byName[expr.Formula]; !ok {
			order = append(order, expr.Formula)
		}
		byName[expr.Formula] = append(byName[expr.Formula], expr)
	}
	capability := batch.Report.Capabilities()
	out := make(map[int64]reporting.ExpressionTotal, len(batch.Expressions))
	for _, name := range order {
		exprs := byName[name]
		fn, ok := capability.CustomEngine(name)
		if !ok {
			return nil, configErr(batch, exprs[0], fmt.Errorf("custom engine %q is not provided by the report", name))
		}
		totals, err := fn(ctx, deps.Ledger, reporting.CustomRequest{
			Report:      batch.Report,
			Options:     batch.Group.Options,
			Expressions: exprs,
			Dates:       batch.Dates,
			Conditions:  batch.Conditions,
			GroupBy:     batch.Scope.GroupBy,
			Offset:      batch.Scope.Offset,
			Limit:       batch.Scope.Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("engines: custom engine %q: %w", name, err)
		}
		for _, expr := range exprs {
			total := totals[expr.ID]
			if batch.Scope.Grouped() && total.Groups == nil {
				total.Groups = []reporting.GroupedValue{}
			}
			out[expr.ID] = total
		}
	}
	return out, nil
}
