package hierarchy

import (
	"sort"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/lineid"
)

func pinned(id string) bool {
	switch lineid.Markup(id) {
	case lineid.MarkupTotal, lineid.MarkupLoadMore:
		return true
	}
	return false
}

// subtreeEnd returns the index after the last descendant of lines[i].
func subtreeEnd(lines []reporting.LineRecord, i int) int {
	end := i + 1
	for end < len(lines) && lineid.IsDescendant(lines[end].ID, lines[i].ID) {
		end++
	}
	return end
}

// HideZero drops every hide_if_zero line whose whole subtree is blank, along
// with that subtree. With all set every line is treated as hide_if_zero.
// Lines already hidden by an ancestor are not evaluated again.
func HideZero(lines []reporting.LineRecord, all bool) []reporting.LineRecord {
	hidden := make([]bool, len(lines))
	for i, line := range lines {
		if hidden[i] || pinned(line.ID) || !(line.HideIfZero || all) {
			continue
		}
		end := subtreeEnd(lines, i)
		zero := true
		for k := i; k < end && zero; k++ {
			zero = pinned(lines[k].ID) || lines[k].AllBlank()
		}
		if !zero {
			continue
		}
		for k := i; k < end; k++ {
			hidden[k] = true
		}
	}
	out := make([]reporting.LineRecord, 0, len(lines))
	for i, line := range lines {
		if !hidden[i] {
			out = append(out, line)
		}
	}
	return out
}

// InjectTotals appends a total line right after the subtree of every line
// that is unfoldable or has a direct child. Subtree ends are found with the
// line id prefix test.
func InjectTotals(lines []reporting.LineRecord) []reporting.LineRecord {
	parents := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.ParentID != "" {
			parents[line.ParentID] = true
		}
	}
	out := make([]reporting.LineRecord, 0, len(lines))
	stack := make([]reporting.LineRecord, 0)
	for _, line := range lines {
		for len(stack) > 0 && !lineid.IsDescendant(line.ID, stack[len(stack)-1].ID) {
			out = append(out, totalOf(stack[len(stack)-1]))
			stack = stack[:len(stack)-1]
		}
		out = append(out, line)
		if lineid.Markup(line.ID) != lineid.MarkupTotal && (line.Unfoldable || parents[line.ID]) {
			stack = append(stack, line)
		}
	}
	for len(stack) > 0 {
		out = append(out, totalOf(stack[len(stack)-1]))
		stack = stack[:len(stack)-1]
	}
	return out
}

func totalOf(section reporting.LineRecord) reporting.LineRecord {
	columns := make([]reporting.Cell, len(section.Columns))
	copy(columns, section.Columns)
	return reporting.LineRecord{
		ID:       lineid.Total(section.ID),
		Name:     "Total " + section.Name,
		Level:    section.Level,
		ParentID: section.ID,
		Columns:  columns,
		LineID:   section.LineID,
	}
}

// SortByColumn orders every sibling group by the raw value of the column at
// |column|-1, descending when column is negative. Total and load more lines
// stay after their siblings and each subtree moves with its parent.
func SortByColumn(lines []reporting.LineRecord, column int) []reporting.LineRecord {
	desc := column < 0
	if desc {
		column = -column
	}
	return sortSiblings(lines, column-1, desc)
}

func sortSiblings(lines []reporting.LineRecord, idx int, desc bool) []reporting.LineRecord {
	blocks := make([][]reporting.LineRecord, 0)
	for i := 0; i < len(lines); {
		end := subtreeEnd(lines, i)
		blk := append([]reporting.LineRecord{lines[i]}, sortSiblings(lines[i+1:end], idx, desc)...)
		blocks = append(blocks, blk)
		i = end
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i][0], blocks[j][0]
		pa, pb := pinned(a.ID), pinned(b.ID)
		if pa || pb {
			return !pa && pb
		}
		c := reporting.CompareValues(cellValue(a, idx), cellValue(b, idx))
		if desc {
			return c > 0
		}
		return c < 0
	})
	out := make([]reporting.LineRecord, 0, len(lines))
	for _, blk := range blocks {
		out = append(out, blk...)
	}
	return out
}

func cellValue(line reporting.LineRecord, idx int) any {
	if idx < 0 || idx >= len(line.Columns) {
		return nil
	}
	return line.Columns[idx].Value
}
