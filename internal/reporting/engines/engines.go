// Package engines turns batches of report expressions into totals. Each
// engine variant has one evaluation function registered in a dispatch table;
// the Batcher groups expressions so every distinct query shape reaches the
// ledger once per column group.
package engines

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// Scope narrows an evaluation to one groupby expansion.
type Scope struct {
	// GroupBy lists the fields results are grouped by, outermost first.
	GroupBy []string
	// NextGroupby is the remaining chain after GroupBy; count_rows uses its
	// first field as the counted unit.
	NextGroupby []string
	// Filters fixes the keys chosen by ancestor groupby lines.
	Filters []reporting.Condition
	Offset  int
	Limit   int
}

// Key renders the grouping part of the batch key.
func (s Scope) Key() string {
	return strings.Join(s.GroupBy, ",") + ">" + strings.Join(s.NextGroupby, ",")
}

// Grouped reports whether results are grouped.
func (s Scope) Grouped() bool { return len(s.GroupBy) > 0 }

// Batch is a set of expressions sharing one query shape.
type Batch struct {
	Engine      reporting.Engine
	DateScope   reporting.DateScope
	Dates       reporting.DateRange
	Expressions []reporting.Expression
	Scope       Scope
	// Conditions are the forced predicates of the column group (companies,
	// fiscal position, forced domain) plus the scope filters.
	Conditions []reporting.Condition
	Group      reporting.ColumnGroup
	Report     *reporting.Report
}

// Deps are the collaborators engines read from.
type Deps struct {
	Ledger reporting.Ledger
	Values reporting.ExternalValueStore
}

// Func evaluates one batch and returns totals keyed by expression id.
type Func func(ctx context.Context, deps Deps, batch Batch) (map[int64]reporting.ExpressionTotal, error)

// Dispatch is the engine dispatch table. Aggregation is resolved separately.
var Dispatch = map[reporting.Engine]Func{
	reporting.EngineDomain:       evalDomain,
	reporting.EngineAccountCodes: evalAccountCodes,
	reporting.EngineTaxTags:      evalTags,
	reporting.EngineExternal:     evalExternal,
	reporting.EngineCustom:       evalCustom,
}

// Batcher groups and dispatches expressions.
type Batcher struct {
	deps     Deps
	logger   *slog.Logger
	observer func(engine reporting.Engine, expressions int, took time.Duration)
}

// Option configures the Batcher.
type Option func(*Batcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver installs a per-batch callback, used for metrics.
func WithObserver(fn func(engine reporting.Engine, expressions int, took time.Duration)) Option {
	return func(b *Batcher) { b.observer = fn }
}

// NewBatcher constructs a batcher over the ledger and value store.
func NewBatcher(ledger reporting.Ledger, values reporting.ExternalValueStore, opts ...Option) *Batcher {
	b := &Batcher{deps: Deps{Ledger: ledger, Values: values}, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ledger exposes the ledger the batcher queries.
func (b *Batcher) Ledger() reporting.Ledger { return b.deps.Ledger }

// Values exposes the external value store.
func (b *Batcher) Values() reporting.ExternalValueStore { return b.deps.Values }

// BatchKey is the grouping key of an expression: engine, date scope and scope.
func BatchKey(expr reporting.Expression, scope Scope) string {
	return string(expr.Engine) + "|" + string(expr.DateScope) + "|" + scope.Key()
}

// Evaluate computes every non-aggregation expression for one column group.
// Aggregation expressions in exprs are ignored.
func (b *Batcher) Evaluate(ctx context.Context, report *reporting.Report, group reporting.ColumnGroup, exprs []reporting.Expression, scope Scope) (map[int64]reporting.ExpressionTotal, error) {
	if b == nil || b.deps.Ledger == nil {
		return nil, fmt.Errorf("engines: ledger not configured")
	}
	if err := b.validateScope(scope); err != nil {
		return nil, err
	}
	batches, err := b.plan(report, group, exprs, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]reporting.ExpressionTotal, len(exprs))
	for _, batch := range batches {
		fn, ok := Dispatch[batch.Engine]
		if !ok {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("no dispatcher for engine %q", batch.Engine)}
		}
		start := time.Now()
		totals, err := fn(ctx, b.deps, batch)
		if err != nil {
			return nil, err
		}
		took := time.Since(start)
		b.logger.Debug("reporting batch evaluated",
			slog.String("engine", string(batch.Engine)),
			slog.String("date_scope", string(batch.DateScope)),
			slog.String("scope", batch.Scope.Key()),
			slog.String("column_group", group.Key),
			slog.Int("expressions", len(batch.Expressions)),
			slog.Duration("took", took))
		if b.observer != nil {
			b.observer(batch.Engine, len(batch.Expressions), took)
		}
		for id, total := range totals {
			out[id] = total
		}
	}
	return out, nil
}

func (b *Batcher) validateScope(scope Scope) error {
	for _, field := range append(append([]string(nil), scope.GroupBy...), scope.NextGroupby...) {
		info, ok := b.deps.Ledger.Field(field)
		if !ok || !info.Groupable {
			return &reporting.ConfigurationError{Reason: fmt.Sprintf("field %q cannot be used to group ledger rows", field)}
		}
	}
	return nil
}

func (b *Batcher) plan(report *reporting.Report, group reporting.ColumnGroup, exprs []reporting.Expression, scope Scope) ([]Batch, error) {
	base, err := BaseConditions(group.Options)
	if err != nil {
		return nil, err
	}
	base = append(base, scope.Filters...)
	byKey := make(map[string]*Batch)
	keys := make([]string, 0)
	for _, expr := range exprs {
		if expr.Engine == reporting.EngineAggregation {
			continue
		}
		if !expr.Engine.Valid() {
			return nil, reporting.Configf(lineKey(report, expr), expr.Label, "unknown engine %q", expr.Engine)
		}
		key := BatchKey(expr, scope)
		batch, ok := byKey[key]
		if !ok {
			dates, err := group.Options.DateRangeFor(expr.DateScope)
			if err != nil {
				return nil, reporting.Configf(lineKey(report, expr), expr.Label, "unknown date scope %q", expr.DateScope)
			}
			batch = &Batch{
				Engine:     expr.Engine,
				DateScope:  expr.DateScope,
				Dates:      dates,
				Scope:      scope,
				Conditions: base,
				Group:      group,
				Report:     report,
			}
			byKey[key] = batch
			keys = append(keys, key)
		}
		batch.Expressions = append(batch.Expressions, expr)
	}
	sort.Strings(keys)
	out := make([]Batch, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byKey[key])
	}
	return out, nil
}

// BaseConditions returns the forced predicates of a column group snapshot.
func BaseConditions(opts reporting.Options) ([]reporting.Condition, error) {
	conds := make([]reporting.Condition, 0, len(opts.ForcedDomain)+2)
	if len(opts.Companies) > 0 {
		ids := make([]any, len(opts.Companies))
		for i, id := range opts.Companies {
			ids[i] = id
		}
		conds = append(conds, reporting.Condition{Field: reporting.FieldCompany, Operator: formula.OpIn, Value: ids})
	}
	if opts.FiscalPosition.Restricted() {
		id, err := opts.FiscalPosition.ID()
		if err != nil {
			return nil, &reporting.ConfigurationError{Reason: err.Error()}
		}
		conds = append(conds, reporting.Condition{Field: reporting.FieldFiscalPosition, Operator: formula.OpEq, Value: id})
	}
	for _, c := range opts.ForcedDomain {
		if !formula.ValidOperator(c.Operator) {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("forced domain operator %q is not supported", c.Operator)}
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func lineKey(report *reporting.Report, expr reporting.Expression) string {
	if report == nil {
		return ""
	}
	if line, ok := report.Line(expr.LineID); ok {
		return line.Key()
	}
	return ""
}

func configErr(batch Batch, expr reporting.Expression, err error) error {
	return &reporting.ConfigurationError{Line: lineKey(batch.Report, expr), Expression: expr.Label, Reason: err.Error()}
}

func (b Batch) query(conds []reporting.Condition, groupBy []string) reporting.LedgerQuery {
	all := make([]reporting.Condition, 0, len(b.Conditions)+len(conds))
	all = append(all, b.Conditions...)
	all = append(all, conds...)
	return reporting.LedgerQuery{Conditions: all, Dates: b.Dates, GroupBy: groupBy}
}

func (b Batch) checkFields(expr reporting.Expression, ledger reporting.Ledger, conds []reporting.Condition) error {
	for _, c := range conds {
		if _, ok := ledger.Field(c.Field); !ok {
			return configErr(b, expr, fmt.Errorf("unknown ledger field %q", c.Field))
		}
	}
	return nil
}
