package evaluator

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
)

// SharedBatch memoizes grouped evaluations for one render. Expanding sibling
// groupby lines reuses a single query grouped by the whole ancestor chain
// instead of querying once per sibling.
type SharedBatch struct {
	ev     *Evaluator
	report *reporting.Report
	opts   reporting.Options

	sf   singleflight.Group
	mu   sync.Mutex
	memo map[string]reporting.Totals
}

// NewSharedBatch opens a memo bound to one report and options snapshot.
func (e *Evaluator) NewSharedBatch(report *reporting.Report, opts reporting.Options) *SharedBatch {
	return &SharedBatch{ev: e, report: report, opts: opts, memo: make(map[string]reporting.Totals)}
}

// Grouped returns the totals of exprs grouped by chain[len(parent)], limited
// to rows whose leading chain keys equal parent. Returned group keys hold the
// last field only.
func (s *SharedBatch) Grouped(ctx context.Context, exprs []reporting.Expression, chain []string, parent []any, next []string) (reporting.Totals, error) {
	if len(chain) != len(parent)+1 {
		return nil, &reporting.ConfigurationError{Reason: "groupby chain does not match the parent keys"}
	}
	key := memoKey(exprs, chain, next)
	full, err := s.load(ctx, key, exprs, engines.Scope{GroupBy: chain, NextGroupby: next})
	if err != nil {
		return nil, err
	}
	return slice(full, parent), nil
}

func (s *SharedBatch) load(ctx context.Context, key string, exprs []reporting.Expression, scope engines.Scope) (reporting.Totals, error) {
	s.mu.Lock()
	cached, ok := s.memo[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		totals, err := s.ev.Evaluate(ctx, s.report, s.opts, exprs, scope)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.memo[key] = totals
		s.mu.Unlock()
		return totals, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(reporting.Totals), nil
}

func memoKey(exprs []reporting.Expression, chain, next []string) string {
	ids := make([]string, len(exprs))
	for i, expr := range exprs {
		ids[i] = strconv.FormatInt(expr.ID, 10)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",") + "|" + strings.Join(chain, ",") + ">" + strings.Join(next, ",")
}

func slice(full reporting.Totals, parent []any) reporting.Totals {
	out := make(reporting.Totals, len(full))
	depth := len(parent)
	for k, total := range full {
		sub := reporting.ExpressionTotal{Groups: make([]reporting.GroupedValue, 0)}
		for _, g := range total.Groups {
			if len(g.Keys) != depth+1 || reporting.CompareKeys(g.Keys[:depth], parent) != 0 {
				continue
			}
			sub.Groups = append(sub.Groups, reporting.GroupedValue{
				Keys:        []any{g.Keys[depth]},
				Value:       g.Value,
				HasSublines: g.HasSublines,
			})
			sub.Value = sub.Value.Add(g.Value)
			sub.HasSublines = sub.HasSublines || g.HasSublines
		}
		out[k] = sub
	}
	return out
}
