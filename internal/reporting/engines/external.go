package engines

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// External engine formulas.
const (
	ExternalSum        = "sum"
	ExternalMostRecent = "most_recent"
)

// evalExternal reads manual and carryover values from the value store. An
// absent value yields zero with HasSublines false.
func evalExternal(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error) {
	out := make(map[int64]reporting.ExpressionTotal, len(batch.Expressions))
	for _, expr := range batch.Expressions {
		if batch.Scope.Grouped() {
			return nil, configErr(batch, expr, fmt.Errorf("external values cannot be grouped by %v", batch.Scope.GroupBy))
		}
		if expr.Formula != ExternalSum && expr.Formula != ExternalMostRecent {
			return nil, configErr(batch, expr, fmt.Errorf("external formula must be %q or %q", ExternalSum, ExternalMostRecent))
		}
		opts, err := formula.ParseExternalOptions(expr.Subformula)
		if err != nil {
			return nil, configErr(batch, expr, err)
		}
		if deps.Values == nil {
			out[expr.ID] = reporting.ExpressionTotal{}
			continue
		}
		values, err := deps.Values.Find(ctx, reporting.ValueFilter{
			TargetExpressionID: expr.ID,
			Companies:          batch.Group.Options.Companies,
			FiscalPosition:     batch.Group.Options.FiscalPosition,
			Dates:              batch.Dates,
		})
		if err != nil {
			return nil, fmt.Errorf("engines: external values for expression %d: %w", expr.ID, err)
		}
		total := reporting.ExpressionTotal{HasSublines: len(values) > 0}
		if expr.Formula == ExternalMostRecent {
			total.Value = mostRecent(values)
		} else {
			for _, v := range values {
				total.Value = total.Value.Add(v.Value)
			}
		}
		if opts.Rounded {
			total.Value = total.Value.Round(opts.Rounding)
		}
		out[expr.ID] = total
	}
	return out, nil
}

// mostRecent returns the latest dated value; ties go to the highest id.
func mostRecent(values []reporting.CarryoverValue) decimal.Decimal {
	var (
		best  reporting.CarryoverValue
		found bool
	)
	for _, v := range values {
		if !found || v.Date.After(best.Date) || (v.Date.Equal(best.Date) && v.ID > best.ID) {
			best, found = v, true
		}
	}
	if !found {
		return decimal.Zero
	}
	return best.Value
}
