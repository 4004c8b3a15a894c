package hierarchy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/lineid"
)

func rec(id, parent string, value any) reporting.LineRecord {
	cell := reporting.Cell{Value: value}
	if d, ok := value.(decimal.Decimal); ok {
		cell.IsZero = d.IsZero()
	}
	return reporting.LineRecord{ID: id, ParentID: parent, Name: id, Columns: []reporting.Cell{cell}}
}

func ids(lines []reporting.LineRecord) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.ID
	}
	return out
}

func TestInjectTotalsClosesSubtrees(t *testing.T) {
	a := lineid.Static("", 1)
	a1 := lineid.Static(a, 2)
	a11 := lineid.Static(a1, 3)
	b := lineid.Static("", 4)
	lines := []reporting.LineRecord{rec(a, "", nil), rec(a1, a, nil), rec(a11, a1, nil), rec(b, "", nil)}
	lines[3].Unfoldable = true

	got := InjectTotals(lines)
	require.Equal(t, []string{a, a1, a11, lineid.Total(a1), lineid.Total(a), b, lineid.Total(b)}, ids(got))
	require.Equal(t, a1, got[3].ParentID)
	require.Equal(t, "Total "+a, got[4].Name)
}

func TestSortByColumnKeepsSubtreesAndPinsTotals(t *testing.T) {
	a := lineid.Static("", 1)
	a1 := lineid.Static(a, 2)
	a2 := lineid.Static(a, 3)
	b := lineid.Static("", 4)
	c := lineid.Static("", 5)
	lines := []reporting.LineRecord{
		rec(a, "", decimal.NewFromInt(5)),
		rec(a1, a, decimal.NewFromInt(1)),
		rec(a2, a, decimal.NewFromInt(9)),
		rec(lineid.Total(a), a, decimal.NewFromInt(100)),
		rec(b, "", decimal.NewFromInt(7)),
		rec(c, "", "text sorts after numbers"),
	}
	got := SortByColumn(lines, -1)
	require.Equal(t, []string{c, b, a, a2, a1, lineid.Total(a)}, ids(got))

	got = SortByColumn(lines, 1)
	require.Equal(t, []string{a, a1, a2, lineid.Total(a), b, c}, ids(got))
}

func TestHideZeroSkipsMarkupLines(t *testing.T) {
	a := lineid.Static("", 1)
	zero := rec(a, "", decimal.Zero)
	more := rec(lineid.LoadMore(a), a, nil)
	got := HideZero([]reporting.LineRecord{zero, more}, true)
	require.Empty(t, got)

	got = HideZero([]reporting.LineRecord{rec(a, "", decimal.NewFromInt(1)), more}, true)
	require.Len(t, got, 2)
}
