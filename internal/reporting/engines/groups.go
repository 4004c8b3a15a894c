package engines

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// accumulator sums values per grouping key, remembering key order.
type accumulator struct {
	index  map[string]int
	groups []reporting.GroupedValue
	total  decimal.Decimal
	seen   bool
}

func newAccumulator() *accumulator {
	return &accumulator{index: make(map[string]int)}
}

func (a *accumulator) add(keys []any, v decimal.Decimal) {
	a.seen = true
	a.total = a.total.Add(v)
	k := reporting.GroupKeyString(keys)
	if i, ok := a.index[k]; ok {
		a.groups[i].Value = a.groups[i].Value.Add(v)
		return
	}
	a.index[k] = len(a.groups)
	a.groups = append(a.groups, reporting.GroupedValue{Keys: append([]any(nil), keys...), Value: v, HasSublines: true})
}

// result renders the accumulated totals for the scope.
func (a *accumulator) result(scope Scope) reporting.ExpressionTotal {
	if !scope.Grouped() {
		return reporting.ExpressionTotal{Value: a.total, HasSublines: a.seen}
	}
	groups := page(a.groups, scope.Offset, scope.Limit)
	return reporting.ExpressionTotal{Value: a.total, Groups: groups, HasSublines: a.seen}
}

// page sorts groups by key (absent keys last) and slices them.
func page(groups []reporting.GroupedValue, offset, limit int) []reporting.GroupedValue {
	sorted := make([]reporting.GroupedValue, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool {
		return reporting.CompareKeys(sorted[i].Keys, sorted[j].Keys) < 0
	})
	if offset > 0 {
		if offset >= len(sorted) {
			return []reporting.GroupedValue{}
		}
		sorted = sorted[offset:]
	}
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted
}

// applyPolicy applies a transform to the aggregate of every group and to the
// ungrouped total.
func applyPolicy(t reporting.ExpressionTotal, fn func(decimal.Decimal) decimal.Decimal) reporting.ExpressionTotal {
	t.Value = fn(t.Value)
	for i := range t.Groups {
		t.Groups[i].Value = fn(t.Groups[i].Value)
	}
	return t
}
