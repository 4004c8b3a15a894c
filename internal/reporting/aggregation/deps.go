package aggregation

import (
	"sort"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// Dependencies returns, per report, the non-aggregation expressions the given
// aggregations read directly or through other aggregations.
func Dependencies(primary *reporting.Report, linked []*reporting.Report, exprs []reporting.Expression) (map[*reporting.Report][]reporting.Expression, error) {
	index := make(map[string]located)
	for _, rep := range append([]*reporting.Report{primary}, linked...) {
		if rep == nil {
			continue
		}
		for _, expr := range rep.Expressions() {
			ref := rep.Ref(expr)
			if _, dup := index[ref]; !dup {
				index[ref] = located{report: rep, expr: expr}
			}
		}
	}
	seen := make(map[string]bool)
	out := make(map[*reporting.Report][]reporting.Expression)
	var visit func(rep *reporting.Report, expr reporting.Expression) error
	visit = func(rep *reporting.Report, expr reporting.Expression) error {
		ref := rep.Ref(expr)
		if seen[ref] {
			return nil
		}
		seen[ref] = true
		if expr.Engine != reporting.EngineAggregation {
			out[rep] = append(out[rep], expr)
			return nil
		}
		p, err := prepare(rep, expr)
		if err != nil {
			return err
		}
		for _, term := range dependencies(p) {
			dep, ok := index[term]
			if !ok {
				return &reporting.UnresolvedDependencyError{
					Line: lineKey(rep, expr), Expression: expr.Label, Terms: []string{term}, Formula: expr.Formula,
				}
			}
			if err := visit(dep.report, dep.expr); err != nil {
				return err
			}
		}
		return nil
	}
	for _, expr := range exprs {
		if err := visit(primary, expr); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CrossReports lists the report codes referenced by cross_report subformulas.
func CrossReports(exprs []reporting.Expression) []string {
	set := make(map[string]struct{})
	for _, expr := range exprs {
		if expr.Engine != reporting.EngineAggregation {
			continue
		}
		b, err := formula.ParseBound(expr.Subformula)
		if err == nil && b.Kind == formula.BoundCrossReport {
			set[b.Report] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// CrossReportScope returns the date scope forced on the linked report's
// expressions: the scope of the first cross_report expression naming it.
func CrossReportScope(exprs []reporting.Expression, code string) reporting.DateScope {
	for _, expr := range exprs {
		b, err := formula.ParseBound(expr.Subformula)
		if err == nil && b.Kind == formula.BoundCrossReport && b.Report == code {
			return expr.DateScope
		}
	}
	return reporting.DateScopeNormal
}

// Dependents returns the aggregation expressions of the report that read any
// of the changed refs, directly or transitively, in report order.
func Dependents(report *reporting.Report, changed []string) ([]reporting.Expression, error) {
	dirty := make(map[string]bool, len(changed))
	for _, ref := range changed {
		dirty[ref] = true
	}
	aggs := make([]*pending, 0)
	for _, expr := range report.Expressions() {
		if expr.Engine != reporting.EngineAggregation {
			continue
		}
		p, err := prepare(report, expr)
		if err != nil {
			return nil, err
		}
		p.ref = report.Ref(expr)
		aggs = append(aggs, p)
	}
	for progress := true; progress; {
		progress = false
		for _, p := range aggs {
			if dirty[p.ref] {
				continue
			}
			for _, term := range dependencies(p) {
				if dirty[term] {
					dirty[p.ref] = true
					progress = true
					break
				}
			}
		}
	}
	out := make([]reporting.Expression, 0)
	for _, p := range aggs {
		if dirty[p.ref] {
			out = append(out, p.expr)
		}
	}
	return out, nil
}
