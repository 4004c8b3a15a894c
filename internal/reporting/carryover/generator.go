// Package carryover persists the period-end values of `_carryover_`
// expressions so the next period's external expressions can read them back.
// Multi-company scopes are evaluated consolidated and per company; the gap
// left by non-linear bounds is stored as an adjustment on the reference
// company.
package carryover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
)

// Labels written on persisted values.
const (
	LabelCarryover  = "Carryover"
	LabelAdjustment = "Carryover consolidation adjustment"
)

// Run summarises one generation.
type Run struct {
	ID     string                     `json:"id"`
	Report string                     `json:"report"`
	Date   time.Time                  `json:"date"`
	Values []reporting.CarryoverValue `json:"values"`
}

// Adjustments returns the reconciling values of the run.
func (r Run) Adjustments() []reporting.CarryoverValue {
	out := make([]reporting.CarryoverValue, 0)
	for _, v := range r.Values {
		if v.Kind == reporting.ValueCarryoverAdjustment {
			out = append(out, v)
		}
	}
	return out
}

// Generator evaluates and stores carryover values.
type Generator struct {
	evaluator *evaluator.Evaluator
	values    reporting.ExternalValueStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewGenerator wires a generator. A nil store falls back to the one the
// evaluator reads external values from.
func NewGenerator(ev *evaluator.Evaluator, values reporting.ExternalValueStore, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if values == nil && ev != nil {
		values = ev.Batcher().Values()
	}
	return &Generator{evaluator: ev, values: values, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (g *Generator) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

type target struct {
	origin reporting.Expression
	target reporting.Expression
}

// Generate persists one carryover value per carryover expression and company.
func (g *Generator) Generate(ctx context.Context, report *reporting.Report, opts reporting.Options) (Run, error) {
	if g == nil || g.evaluator == nil {
		return Run{}, errors.New("carryover: generator not configured")
	}
	if g.values == nil {
		return Run{}, errors.New("carryover: external value store not configured")
	}
	if opts.ReportID != report.ID {
		return Run{}, &reporting.ConsistencyError{Expected: opts.ReportID, Actual: report.ID}
	}
	resolved, err := opts.Resolved()
	if err != nil {
		return Run{}, err
	}
	if len(resolved.ColumnGroups) != 1 {
		return Run{}, &reporting.ScopeError{Reason: fmt.Sprintf("carryover needs exactly one column group, got %d", len(resolved.ColumnGroups))}
	}
	targets, err := targetsOf(report)
	if err != nil {
		return Run{}, err
	}
	for _, t := range targets {
		if (t.target.PerFiscalPosition || t.origin.PerFiscalPosition) && !resolved.FiscalPosition.Restricted() {
			return Run{}, &reporting.ScopeError{Reason: fmt.Sprintf("carryover %s into %s needs a single fiscal position", report.Ref(t.origin), report.Ref(t.target))}
		}
	}

	group := resolved.ColumnGroups[0]
	run := Run{ID: uuid.NewString(), Report: report.Code, Date: group.Options.Date.To}
	if len(targets) == 0 {
		return run, nil
	}
	start := g.now()
	origins := make([]reporting.Expression, len(targets))
	for i, t := range targets {
		origins[i] = t.origin
	}

	consolidated, err := g.evaluate(ctx, report, resolved, origins)
	if err != nil {
		return Run{}, err
	}
	var pending []pendingValue
	companies := resolved.Companies
	if len(companies) <= 1 {
		company := resolved.ReferenceCompany()
		for _, t := range targets {
			pending = append(pending, pendingValue{target: t, company: company, value: consolidated[t.origin.ID], kind: reporting.ValueCarryover})
		}
	} else {
		sums := make(map[int64]decimal.Decimal, len(targets))
		for _, company := range companies {
			single := resolved
			single.Companies = []int64{company}
			single.MainCompanyID = company
			single.ColumnGroups = nil
			values, err := g.evaluate(ctx, report, single, origins)
			if err != nil {
				return Run{}, err
			}
			for _, t := range targets {
				pending = append(pending, pendingValue{target: t, company: company, value: values[t.origin.ID], kind: reporting.ValueCarryover})
				sums[t.origin.ID] = sums[t.origin.ID].Add(values[t.origin.ID])
			}
		}
		reference := resolved.ReferenceCompany()
		for _, t := range targets {
			plug := consolidated[t.origin.ID].Sub(sums[t.origin.ID])
			pending = append(pending, pendingValue{target: t, company: reference, value: plug, kind: reporting.ValueCarryoverAdjustment})
		}
	}

	stored, err := g.persistAll(ctx, run, pending, resolved)
	if err != nil {
		return Run{}, err
	}
	run.Values = stored
	g.finish(ctx, report, run, start)
	return run, nil
}

type pendingValue struct {
	target  target
	company int64
	value   decimal.Decimal
	kind    reporting.ValueKind
}

// transactional is implemented by stores that can group writes.
type transactional interface {
	InTx(ctx context.Context, fn func(reporting.ExternalValueStore) error) error
}

// persistAll stores every value of the run, in one transaction when the
// store supports it.
func (g *Generator) persistAll(ctx context.Context, run Run, pending []pendingValue, opts reporting.Options) ([]reporting.CarryoverValue, error) {
	write := func(store reporting.ExternalValueStore) ([]reporting.CarryoverValue, error) {
		out := make([]reporting.CarryoverValue, 0, len(pending))
		for _, p := range pending {
			v, err := g.persist(ctx, store, run, p.target, p.company, p.value, p.kind, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	tx, ok := g.values.(transactional)
	if !ok {
		return write(g.values)
	}
	var out []reporting.CarryoverValue
	err := tx.InTx(ctx, func(store reporting.ExternalValueStore) error {
		var err error
		out, err = write(store)
		return err
	})
	return out, err
}

// evaluate returns the bounded value of every origin expression for the one
// column group of opts.
func (g *Generator) evaluate(ctx context.Context, report *reporting.Report, opts reporting.Options, origins []reporting.Expression) (map[int64]decimal.Decimal, error) {
	resolved, err := opts.Resolved()
	if err != nil {
		return nil, err
	}
	totals, err := g.evaluator.Evaluate(ctx, report, resolved, origins, engines.Scope{})
	if err != nil {
		return nil, fmt.Errorf("carryover: evaluate %s: %w", resolved.CompanyLabel(), err)
	}
	key := resolved.ColumnGroups[0].Key
	out := make(map[int64]decimal.Decimal, len(origins))
	for _, expr := range origins {
		out[expr.ID] = totals.Get(key, expr.ID).Value
	}
	return out, nil
}

func (g *Generator) persist(ctx context.Context, store reporting.ExternalValueStore, run Run, t target, company int64, value decimal.Decimal, kind reporting.ValueKind, opts reporting.Options) (reporting.CarryoverValue, error) {
	label := LabelCarryover
	if kind == reporting.ValueCarryoverAdjustment {
		label = LabelAdjustment
	}
	fiscal := opts.FiscalPosition
	if fiscal == "" {
		fiscal = reporting.FiscalPositionAll
	}
	stored, err := store.Upsert(ctx, reporting.CarryoverValue{
		Value:              value,
		TargetExpressionID: t.target.ID,
		CompanyID:          company,
		FiscalPosition:     fiscal,
		OriginExpressionID: t.origin.ID,
		Date:               run.Date,
		Kind:               kind,
		Label:              label,
	})
	if err != nil {
		return reporting.CarryoverValue{}, fmt.Errorf("carryover: store value for expression %d: %w", t.origin.ID, err)
	}
	g.logger.Info("reporting carryover stored",
		slog.String("run_id", run.ID),
		slog.String("report", run.Report),
		slog.Int64("origin_expression_id", t.origin.ID),
		slog.Int64("target_expression_id", t.target.ID),
		slog.Int64("company_id", company),
		slog.String("kind", string(kind)),
		slog.String("value", value.String()))
	return stored, nil
}

func (g *Generator) finish(ctx context.Context, report *reporting.Report, run Run, start time.Time) {
	g.evaluator.Invalidate(ctx, report.ID)
	g.logger.Info("reporting carryover generated",
		slog.String("run_id", run.ID),
		slog.String("report", run.Report),
		slog.Int("values", len(run.Values)),
		slog.Duration("took", g.now().Sub(start)))
}

// targetsOf pairs every carryover expression with the external expression
// receiving its value. Without an explicit target the expression on the same
// line named after the label without the prefix is used.
func targetsOf(report *reporting.Report) ([]target, error) {
	out := make([]target, 0)
	for _, expr := range report.Expressions() {
		if !expr.IsCarryover() {
			continue
		}
		line, _ := report.Line(expr.LineID)
		ref := expr.CarryoverTarget
		if ref == "" {
			ref = line.Key() + "." + strings.TrimPrefix(expr.Label, reporting.CarryoverPrefix)
		}
		dest, ok := report.ExpressionByRef(ref)
		if !ok {
			return nil, reporting.Configf(line.Key(), expr.Label, "carryover target %q not found", ref)
		}
		if dest.Engine != reporting.EngineExternal {
			return nil, reporting.Configf(line.Key(), expr.Label, "carryover target %q must use the external engine", ref)
		}
		out = append(out, target{origin: expr, target: dest})
	}
	return out, nil
}
