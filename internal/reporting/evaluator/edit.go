package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// ErrNotEditable is returned when a manual value targets a non editable expression.
var ErrNotEditable = errors.New("evaluator: expression is not editable")

// Invalidator is implemented by caches that can drop a report's entries.
type Invalidator interface {
	Invalidate(ctx context.Context, reportID int64) error
}

// Invalidate drops cached totals of the report when the cache supports it.
// Failures are only logged.
func (e *Evaluator) Invalidate(ctx context.Context, reportID int64) {
	inv, ok := e.cache.(Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, reportID); err != nil {
		e.logger.Warn("reporting cache invalidation failed", slog.Int64("report_id", reportID), slog.Any("error", err))
	}
}

// SetManualValue stores target as the new value of an editable external
// expression for the first column group, then re-evaluates the expression and
// every aggregation reading it. For sum formulas the stored value is the
// difference to the current total.
func (e *Evaluator) SetManualValue(ctx context.Context, report *reporting.Report, opts reporting.Options, exprID int64, target decimal.Decimal, previous reporting.Totals) (reporting.Totals, error) {
	if opts.ReportID != report.ID {
		return nil, &reporting.ConsistencyError{Expected: opts.ReportID, Actual: report.ID}
	}
	expr, line, ok := report.ExpressionByID(exprID)
	if !ok {
		return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("unknown expression %d", exprID)}
	}
	if expr.Engine != reporting.EngineExternal {
		return nil, fmt.Errorf("%w: %s.%s uses engine %s", ErrNotEditable, line.Key(), expr.Label, expr.Engine)
	}
	extOpts, err := formula.ParseExternalOptions(expr.Subformula)
	if err != nil {
		return nil, reporting.Configf(line.Key(), expr.Label, "%v", err)
	}
	if !extOpts.Editable {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotEditable, line.Key(), expr.Label)
	}
	values := e.batcher.Values()
	if values == nil {
		return nil, errors.New("evaluator: external value store not configured")
	}
	if opts.FiscalPosition == "" || opts.FiscalPosition == reporting.FiscalPositionAll {
		if expr.PerFiscalPosition {
			return nil, fmt.Errorf("%w: %s.%s needs a single fiscal position", ErrNotEditable, line.Key(), expr.Label)
		}
	}
	resolved, err := opts.Resolved()
	if err != nil {
		return nil, err
	}
	group := resolved.ColumnGroups[0]

	if extOpts.Rounded {
		target = target.Round(extOpts.Rounding)
	}
	amount := target
	if expr.Formula == engines.ExternalSum {
		current, err := e.batcher.Evaluate(ctx, report, group, []reporting.Expression{expr}, engines.Scope{})
		if err != nil {
			return nil, err
		}
		existing, err := sameKeyValue(ctx, values, expr.ID, group.Options)
		if err != nil {
			return nil, err
		}
		amount = target.Sub(current[expr.ID].Value).Add(existing)
	}
	stored, err := values.Upsert(ctx, reporting.CarryoverValue{
		Value:              amount,
		TargetExpressionID: expr.ID,
		CompanyID:          group.Options.ReferenceCompany(),
		FiscalPosition:     group.Options.FiscalPosition,
		Date:               group.Options.Date.To,
		Kind:               reporting.ValueManual,
		Label:              "Manual value",
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator: store manual value: %w", err)
	}
	e.logger.Info("reporting manual value stored",
		slog.String("report", report.Code),
		slog.String("line", line.Key()),
		slog.String("expression", expr.Label),
		slog.Int64("value_id", stored.ID),
		slog.String("amount", amount.String()))
	return e.Reevaluate(ctx, report, opts, previous, []int64{exprID})
}

// Reevaluate refreshes previous after the external values of changed
// expressions moved: the changed expressions are re-read and every
// aggregation reading them, directly or transitively, is resolved again.
// Reports using cross_report are evaluated in full.
func (e *Evaluator) Reevaluate(ctx context.Context, report *reporting.Report, opts reporting.Options, previous reporting.Totals, changed []int64) (reporting.Totals, error) {
	e.Invalidate(ctx, report.ID)
	if previous == nil || len(aggregation.CrossReports(report.Expressions())) > 0 {
		return e.Evaluate(ctx, report, opts, nil, engines.Scope{})
	}
	resolved, err := opts.Resolved()
	if err != nil {
		return nil, err
	}
	exprs := make([]reporting.Expression, 0, len(changed))
	refs := make([]string, 0, len(changed))
	for _, id := range changed {
		expr, _, ok := report.ExpressionByID(id)
		if !ok {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("unknown expression %d", id)}
		}
		exprs = append(exprs, expr)
		refs = append(refs, report.Ref(expr))
	}
	dirty, err := aggregation.Dependents(report, refs)
	if err != nil {
		return nil, err
	}
	dirtyRefs := make(map[string]bool, len(dirty))
	for _, expr := range dirty {
		dirtyRefs[report.Ref(expr)] = true
	}

	out := make(reporting.Totals, len(previous))
	out.Merge(previous)
	all := report.Expressions()
	for _, group := range resolved.ColumnGroups {
		fresh, err := e.batcher.Evaluate(ctx, report, group, exprs, engines.Scope{})
		if err != nil {
			return nil, err
		}
		for id, total := range fresh {
			out[reporting.TotalKey{ColumnGroup: group.Key, ExpressionID: id}] = total
		}
		if len(dirty) == 0 {
			continue
		}
		table := make(map[string]decimal.Decimal, len(all))
		for _, expr := range all {
			ref := report.Ref(expr)
			if dirtyRefs[ref] {
				continue
			}
			if total, ok := out[reporting.TotalKey{ColumnGroup: group.Key, ExpressionID: expr.ID}]; ok {
				table[ref] = total.Value
			}
		}
		values, err := e.resolver.Resolve(ctx, aggregation.Request{
			Report:      report,
			Options:     group.Options,
			Expressions: dirty,
			Table:       table,
		})
		if err != nil {
			return nil, err
		}
		for _, expr := range dirty {
			key := reporting.TotalKey{ColumnGroup: group.Key, ExpressionID: expr.ID}
			total := out[key]
			total.Value = values[report.Ref(expr)].Value
			out[key] = total
		}
	}
	return out, nil
}

// sameKeyValue is the manual value Upsert will overwrite, so sum formulas can
// restate the difference on top of it.
func sameKeyValue(ctx context.Context, values reporting.ExternalValueStore, exprID int64, opts reporting.Options) (decimal.Decimal, error) {
	day := opts.Date.To
	found, err := values.Find(ctx, reporting.ValueFilter{
		TargetExpressionID: exprID,
		Companies:          []int64{opts.ReferenceCompany()},
		Dates:              reporting.DateRange{From: day, To: day},
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("evaluator: read manual values: %w", err)
	}
	for _, v := range found {
		if v.Kind == reporting.ValueManual && v.FiscalPosition == opts.FiscalPosition && v.Date.Equal(day) {
			return v.Value, nil
		}
	}
	return decimal.Zero, nil
}
