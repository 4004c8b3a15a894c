// Package aggregation resolves cross-line algebraic formulas once every other
// engine has produced its totals, then applies bound subformulas.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// SumChildren sums the same-label expression of the line's direct children.
const SumChildren = "sum_children"

// DefaultMaxPasses bounds the resolution loop.
const DefaultMaxPasses = 100

// Value is a resolved aggregation: Raw before bounds, Value after.
type Value struct {
	Raw   decimal.Decimal
	Value decimal.Decimal
}

// Request describes one resolution pass over a seeded table.
type Request struct {
	Report *reporting.Report
	// Linked holds reports referenced through cross_report; their aggregation
	// expressions are resolved in the same pass.
	Linked  []*reporting.Report
	Options reporting.Options
	// Expressions are the aggregation expressions to compute.
	Expressions []reporting.Expression
	// Table holds already computed values keyed by `code.label`.
	Table map[string]decimal.Decimal
}

// Resolver evaluates aggregation formulas.
type Resolver struct {
	converter *currency.Converter
	maxPasses int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxPasses overrides the resolution pass bound.
func WithMaxPasses(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxPasses = n
		}
	}
}

// NewResolver builds a resolver; converter converts bound literals stated in
// another currency and may be nil when every bound uses the report currency.
func NewResolver(converter *currency.Converter, opts ...Option) *Resolver {
	r := &Resolver{converter: converter, maxPasses: DefaultMaxPasses}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pending struct {
	ref    string
	report *reporting.Report
	expr   reporting.Expression
	parsed *formula.Expr
	bound  formula.Bound
}

// Resolve computes the requested aggregations and every aggregation they
// transitively depend on. Results are keyed by `code.label`.
func (r *Resolver) Resolve(ctx context.Context, req Request) (map[string]Value, error) {
	if r == nil {
		r = NewResolver(nil)
	}
	cur := req.Options.Currency
	table := make(map[string]decimal.Decimal, len(req.Table))
	for ref, v := range req.Table {
		table[ref] = currency.Round(v, cur)
	}

	index := aggregationIndex(req.Report, req.Linked)
	queue := make(map[string]*pending)
	order := make([]string, 0)
	var enqueue func(rep *reporting.Report, expr reporting.Expression) error
	enqueue = func(rep *reporting.Report, expr reporting.Expression) error {
		ref := rep.Ref(expr)
		if _, ok := queue[ref]; ok {
			return nil
		}
		p, err := prepare(rep, expr)
		if err != nil {
			return err
		}
		p.ref = ref
		queue[ref] = p
		order = append(order, ref)
		for _, term := range dependencies(p) {
			if _, known := table[term]; known {
				continue
			}
			dep, ok := index[term]
			if !ok {
				return &reporting.UnresolvedDependencyError{
					Line: lineKey(rep, expr), Expression: expr.Label, Terms: []string{term}, Formula: expr.Formula,
				}
			}
			if err := enqueue(dep.report, dep.expr); err != nil {
				return err
			}
		}
		return nil
	}
	for _, expr := range req.Expressions {
		if expr.Engine != reporting.EngineAggregation {
			continue
		}
		if err := enqueue(req.Report, expr); err != nil {
			return nil, err
		}
	}

	results := make(map[string]Value, len(queue))
	remaining := order
	for pass := 0; len(remaining) > 0; pass++ {
		if pass >= r.maxPasses {
			return nil, cycleError(queue, remaining, "resolution did not converge")
		}
		next := remaining[:0:0]
		for _, ref := range remaining {
			p := queue[ref]
			if !ready(p, table) {
				next = append(next, ref)
				continue
			}
			v, err := r.evaluate(ctx, p, table, req.Options)
			if err != nil {
				return nil, err
			}
			results[ref] = v
			table[ref] = v.Value
		}
		if len(next) == len(remaining) {
			return nil, cycleError(queue, next, "circular reference")
		}
		remaining = next
	}
	return results, nil
}

func (r *Resolver) evaluate(ctx context.Context, p *pending, table map[string]decimal.Decimal, opts reporting.Options) (Value, error) {
	raw, err := p.parsed.Eval(func(term string) (decimal.Decimal, bool) {
		v, ok := table[term]
		return v, ok
	})
	if errors.Is(err, formula.ErrDivisionByZero) {
		raw, err = decimal.Zero, nil
	}
	if err != nil {
		var unresolved *formula.UnresolvedTermError
		if errors.As(err, &unresolved) {
			return Value{}, &reporting.UnresolvedDependencyError{
				Line: lineKey(p.report, p.expr), Expression: p.expr.Label, Terms: []string{unresolved.Term}, Formula: p.expr.Formula,
			}
		}
		return Value{}, err
	}
	value, err := r.applyBound(ctx, p, raw, table, opts)
	if err != nil {
		return Value{}, err
	}
	return Value{Raw: raw, Value: value}, nil
}

func (r *Resolver) applyBound(ctx context.Context, p *pending, raw decimal.Decimal, table map[string]decimal.Decimal, opts reporting.Options) (decimal.Decimal, error) {
	b := p.bound
	if !b.Bounded() {
		return raw, nil
	}
	cur := opts.Currency
	lower, err := r.convert(ctx, b.Lower, opts)
	if err != nil {
		return decimal.Zero, err
	}
	upper, err := r.convert(ctx, b.Upper, opts)
	if err != nil {
		return decimal.Zero, err
	}
	subject := raw
	if b.OtherExpr != "" {
		subject = table[b.OtherExpr]
	}
	keep := false
	switch b.Kind {
	case formula.BoundAbove, formula.BoundOtherExprAbove:
		keep = currency.Compare(subject, lower, cur) > 0
	case formula.BoundBelow, formula.BoundOtherExprBelow:
		keep = currency.Compare(subject, lower, cur) < 0
	case formula.BoundBetween:
		keep = currency.Compare(subject, lower, cur) > 0 && currency.Compare(subject, upper, cur) < 0
	}
	if !keep {
		return decimal.Zero, nil
	}
	return raw, nil
}

func (r *Resolver) convert(ctx context.Context, a formula.Amount, opts reporting.Options) (decimal.Decimal, error) {
	if a.Currency == "" || strings.EqualFold(a.Currency, opts.Currency) {
		return a.Value, nil
	}
	v, err := r.converter.Convert(ctx, a.Value, a.Currency, opts.Currency, opts.Date.To)
	if err != nil {
		return decimal.Zero, fmt.Errorf("aggregation: bound conversion: %w", err)
	}
	return v, nil
}

func prepare(rep *reporting.Report, expr reporting.Expression) (*pending, error) {
	src := expr.Formula
	if strings.TrimSpace(src) == SumChildren {
		src = sumChildren(rep, expr)
	}
	parsed, err := formula.ParseArithmetic(src)
	if err != nil {
		return nil, reporting.Configf(lineKey(rep, expr), expr.Label, "%v", err)
	}
	bound, err := formula.ParseBound(expr.Subformula)
	if err != nil {
		return nil, reporting.Configf(lineKey(rep, expr), expr.Label, "%v", err)
	}
	return &pending{report: rep, expr: expr, parsed: parsed, bound: bound}, nil
}

func sumChildren(rep *reporting.Report, expr reporting.Expression) string {
	terms := make([]string, 0)
	for _, child := range rep.Children(expr.LineID) {
		if _, ok := child.Expression(expr.Label); ok {
			terms = append(terms, child.Key()+"."+expr.Label)
		}
	}
	if len(terms) == 0 {
		return "0"
	}
	return strings.Join(terms, " + ")
}

func dependencies(p *pending) []string {
	terms := p.parsed.Terms()
	if p.bound.OtherExpr != "" {
		terms = append(terms, p.bound.OtherExpr)
	}
	return terms
}

func ready(p *pending, table map[string]decimal.Decimal) bool {
	for _, term := range dependencies(p) {
		if _, ok := table[term]; !ok {
			return false
		}
	}
	return true
}

type located struct {
	report *reporting.Report
	expr   reporting.Expression
}

func aggregationIndex(primary *reporting.Report, linked []*reporting.Report) map[string]located {
	index := make(map[string]located)
	for _, rep := range append([]*reporting.Report{primary}, linked...) {
		if rep == nil {
			continue
		}
		for _, expr := range rep.Expressions() {
			if expr.Engine != reporting.EngineAggregation {
				continue
			}
			ref := rep.Ref(expr)
			if _, dup := index[ref]; !dup {
				index[ref] = located{report: rep, expr: expr}
			}
		}
	}
	return index
}

func cycleError(queue map[string]*pending, refs []string, reason string) error {
	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	first := queue[sorted[0]]
	return &reporting.ConfigurationError{
		Line:       lineKey(first.report, first.expr),
		Expression: first.expr.Label,
		Reason:     fmt.Sprintf("%s between %s", reason, strings.Join(sorted, ", ")),
	}
}

func lineKey(rep *reporting.Report, expr reporting.Expression) string {
	if line, ok := rep.Line(expr.LineID); ok {
		return line.Key()
	}
	return ""
}
