// Package evaluator computes expression totals for every column group of a
// report: non-aggregation engines first, then the aggregation resolver.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
)

// ReportSource resolves reports referenced by cross_report subformulas.
type ReportSource interface {
	Report(ctx context.Context, code string) (*reporting.Report, error)
}

// Cache stores computed totals of one column group and scope.
type Cache interface {
	Get(ctx context.Context, key string) (map[int64]reporting.ExpressionTotal, bool, error)
	Set(ctx context.Context, key string, totals map[int64]reporting.ExpressionTotal) error
}

// Evaluator orchestrates engine dispatch and aggregation resolution.
type Evaluator struct {
	batcher  *engines.Batcher
	resolver *aggregation.Resolver
	reports  ReportSource
	cache    Cache
	parallel bool
	logger   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithReportSource enables cross_report subformulas.
func WithReportSource(src ReportSource) Option {
	return func(e *Evaluator) { e.reports = src }
}

// WithCache installs a totals cache.
func WithCache(c Cache) Option {
	return func(e *Evaluator) { e.cache = c }
}

// WithParallelColumnGroups evaluates column groups concurrently.
func WithParallelColumnGroups(enabled bool) Option {
	return func(e *Evaluator) { e.parallel = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an evaluator.
func New(batcher *engines.Batcher, resolver *aggregation.Resolver, opts ...Option) *Evaluator {
	if resolver == nil {
		resolver = aggregation.NewResolver(nil)
	}
	e := &Evaluator{batcher: batcher, resolver: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Batcher exposes the engine batcher.
func (e *Evaluator) Batcher() *engines.Batcher { return e.batcher }

// Evaluate computes exprs (every report expression when nil) for each column
// group of opts. Totals of the dependencies of exprs are included.
func (e *Evaluator) Evaluate(ctx context.Context, report *reporting.Report, opts reporting.Options, exprs []reporting.Expression, scope engines.Scope) (reporting.Totals, error) {
	if report == nil {
		return nil, &reporting.ConfigurationError{Reason: "report is required"}
	}
	if opts.ReportID != report.ID {
		return nil, &reporting.ConsistencyError{Expected: opts.ReportID, Actual: report.ID}
	}
	resolved, err := opts.Resolved()
	if err != nil {
		return nil, err
	}
	if exprs == nil {
		exprs = report.Expressions()
	}
	plan, err := e.plan(ctx, report, exprs)
	if err != nil {
		return nil, err
	}

	evalID := uuid.NewString()
	start := time.Now()
	totals := make(reporting.Totals)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if !e.parallel {
		g.SetLimit(1)
	}
	for _, group := range resolved.ColumnGroups {
		group := group
		g.Go(func() error {
			res, err := e.evaluateGroup(gctx, report, plan, group, scope)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, total := range res {
				totals[reporting.TotalKey{ColumnGroup: group.Key, ExpressionID: id}] = total
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("reporting evaluation failed",
			slog.String("evaluation_id", evalID),
			slog.String("report", report.Code),
			slog.Any("error", err))
		return nil, err
	}
	observeEvaluation(report.Code, time.Since(start))
	e.logger.Debug("reporting evaluation done",
		slog.String("evaluation_id", evalID),
		slog.String("report", report.Code),
		slog.Int("column_groups", len(resolved.ColumnGroups)),
		slog.String("scope", scope.Key()),
		slog.Duration("took", time.Since(start)))
	return totals, nil
}

// plan is the dependency closure of one evaluation request.
type plan struct {
	direct      []reporting.Expression
	aggregation []reporting.Expression
	linked      []linkedReport
	fingerprint string
}

type linkedReport struct {
	report *reporting.Report
	exprs  []reporting.Expression
}

func (e *Evaluator) plan(ctx context.Context, report *reporting.Report, exprs []reporting.Expression) (*plan, error) {
	p := &plan{}
	for _, expr := range exprs {
		if expr.Engine == reporting.EngineAggregation {
			p.aggregation = append(p.aggregation, expr)
		}
	}
	var linked []*reporting.Report
	codes := aggregation.CrossReports(report.Expressions())
	if len(codes) > 0 {
		if e.reports == nil {
			return nil, &reporting.ConfigurationError{Reason: "cross_report used without a report source"}
		}
		for _, code := range codes {
			rep, err := e.reports.Report(ctx, code)
			if err != nil {
				return nil, fmt.Errorf("evaluator: cross report %q: %w", code, err)
			}
			linked = append(linked, rep)
		}
	}
	deps, err := aggregation.Dependencies(report, linked, p.aggregation)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	for _, expr := range exprs {
		if expr.Engine != reporting.EngineAggregation && !seen[expr.ID] {
			seen[expr.ID] = true
			p.direct = append(p.direct, expr)
		}
	}
	for _, expr := range deps[report] {
		if !seen[expr.ID] {
			seen[expr.ID] = true
			p.direct = append(p.direct, expr)
		}
	}
	for _, rep := range linked {
		scope := aggregation.CrossReportScope(report.Expressions(), rep.Code)
		forced := make([]reporting.Expression, 0, len(deps[rep]))
		for _, expr := range deps[rep] {
			expr.DateScope = scope
			forced = append(forced, expr)
		}
		p.linked = append(p.linked, linkedReport{report: rep, exprs: forced})
	}
	p.fingerprint = fingerprint(p)
	return p, nil
}

func fingerprint(p *plan) string {
	ids := make([]string, 0, len(p.direct)+len(p.aggregation))
	for _, expr := range append(append([]reporting.Expression(nil), p.direct...), p.aggregation...) {
		ids = append(ids, strconv.FormatInt(expr.ID, 10))
	}
	sort.Strings(ids)
	for _, l := range p.linked {
		ids = append(ids, "x"+l.report.Code)
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:8])
}

func cacheKey(report *reporting.Report, group reporting.ColumnGroup, scope engines.Scope, p *plan) string {
	filters := make([]string, len(scope.Filters))
	for i, f := range scope.Filters {
		filters[i] = fmt.Sprintf("%s%s%v", f.Field, f.Operator, f.Value)
	}
	return fmt.Sprintf("%d:%s:%s:%s:%d:%d:%s", report.ID, group.Key, scope.Key(), strings.Join(filters, "&"), scope.Offset, scope.Limit, p.fingerprint)
}

func (e *Evaluator) evaluateGroup(ctx context.Context, report *reporting.Report, p *plan, group reporting.ColumnGroup, scope engines.Scope) (map[int64]reporting.ExpressionTotal, error) {
	key := cacheKey(report, group, scope, p)
	if e.cache != nil {
		cached, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			e.logger.Warn("reporting cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			recordCacheHit(report.Code)
			return cached, nil
		}
		recordCacheMiss(report.Code)
	}

	out, err := e.batcher.Evaluate(ctx, report, group, p.direct, scope)
	if err != nil {
		return nil, err
	}
	if len(p.aggregation) > 0 {
		seeds := make(map[string]decimal.Decimal)
		for _, l := range p.linked {
			totals, err := e.batcher.Evaluate(ctx, l.report, group, l.exprs, engines.Scope{})
			if err != nil {
				return nil, err
			}
			for _, expr := range l.exprs {
				seeds[l.report.Ref(expr)] = totals[expr.ID].Value
			}
		}
		aggs, err := e.resolveAggregations(ctx, report, p, group, scope, out, seeds)
		if err != nil {
			return nil, err
		}
		for id, total := range aggs {
			out[id] = total
		}
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, out); err != nil {
			e.logger.Warn("reporting cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return out, nil
}

// resolveAggregations resolves the ungrouped values and, when the scope is
// grouped, one resolution per grouping key.
func (e *Evaluator) resolveAggregations(ctx context.Context, report *reporting.Report, p *plan, group reporting.ColumnGroup, scope engines.Scope, direct map[int64]reporting.ExpressionTotal, seeds map[string]decimal.Decimal) (map[int64]reporting.ExpressionTotal, error) {
	table := make(map[string]decimal.Decimal, len(direct)+len(seeds))
	for ref, v := range seeds {
		table[ref] = v
	}
	hasSublines := false
	for _, expr := range p.direct {
		total := direct[expr.ID]
		table[report.Ref(expr)] = total.Value
		hasSublines = hasSublines || total.HasSublines
	}
	req := aggregation.Request{
		Report:      report,
		Linked:      linkedReports(p),
		Options:     group.Options,
		Expressions: p.aggregation,
		Table:       table,
	}
	values, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]reporting.ExpressionTotal, len(values))
	index := make(map[string]int64)
	for _, expr := range report.Expressions() {
		if expr.Engine == reporting.EngineAggregation {
			index[report.Ref(expr)] = expr.ID
		}
	}
	for ref, v := range values {
		if id, ok := index[ref]; ok {
			out[id] = reporting.ExpressionTotal{Value: v.Value, HasSublines: hasSublines}
		}
	}
	if !scope.Grouped() {
		return out, nil
	}

	keys := groupKeys(p.direct, direct)
	for id, total := range out {
		total.Groups = make([]reporting.GroupedValue, 0, len(keys))
		out[id] = total
	}
	for _, keyTuple := range keys {
		perKey := make(map[string]decimal.Decimal, len(table))
		for ref, v := range seeds {
			perKey[ref] = v
		}
		for _, expr := range p.direct {
			v, _ := direct[expr.ID].GroupValue(keyTuple)
			perKey[report.Ref(expr)] = v.Value
		}
		req.Table = perKey
		values, err := e.resolver.Resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		for ref, v := range values {
			id, ok := index[ref]
			if !ok {
				continue
			}
			total := out[id]
			total.Groups = append(total.Groups, reporting.GroupedValue{Keys: keyTuple, Value: v.Value, HasSublines: true})
			out[id] = total
		}
	}
	return out, nil
}

func linkedReports(p *plan) []*reporting.Report {
	out := make([]*reporting.Report, len(p.linked))
	for i, l := range p.linked {
		out[i] = l.report
	}
	return out
}

// groupKeys is the sorted union of the grouping keys of the direct totals.
func groupKeys(exprs []reporting.Expression, totals map[int64]reporting.ExpressionTotal) [][]any {
	seen := make(map[string]bool)
	keys := make([][]any, 0)
	for _, expr := range exprs {
		for _, g := range totals[expr.ID].Groups {
			k := reporting.GroupKeyString(g.Keys)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, g.Keys)
			}
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return reporting.CompareKeys(keys[i], keys[j]) < 0 })
	return keys
}
