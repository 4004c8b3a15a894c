// Package cells renders expression totals into line columns.
package cells

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

// Lookup returns the raw value of expr in one column group.
type Lookup func(columnGroup string, expr reporting.Expression) (any, bool)

// Row builds the cells of a line: every report column repeated for each
// column group, in column group order.
func Row(report *reporting.Report, groups []reporting.ColumnGroup, exprs []reporting.Expression, currencyCode string, lookup Lookup) []reporting.Cell {
	byLabel := make(map[string]reporting.Expression, len(exprs))
	for _, expr := range exprs {
		byLabel[expr.Label] = expr
	}
	out := make([]reporting.Cell, 0, len(groups)*len(report.Columns))
	for _, group := range groups {
		for _, col := range report.Columns {
			figure := col.FigureType
			expr, ok := byLabel[col.ExpressionLabel]
			if !ok {
				out = append(out, reporting.Cell{ColumnGroup: group.Key, ExpressionLabel: col.ExpressionLabel, FigureType: figure})
				continue
			}
			if expr.FigureType != "" {
				figure = expr.FigureType
			}
			var value any
			if lookup != nil {
				value, _ = lookup(group.Key, expr)
			}
			cell := Format(value, figure, currencyCode, col.BlankIfZero || expr.BlankIfZero)
			cell.ColumnGroup = group.Key
			cell.ExpressionLabel = col.ExpressionLabel
			out = append(out, cell)
		}
	}
	return out
}

// Blank returns empty cells shaped like Row's output.
func Blank(report *reporting.Report, groups []reporting.ColumnGroup) []reporting.Cell {
	out := make([]reporting.Cell, 0, len(groups)*len(report.Columns))
	for _, group := range groups {
		for _, col := range report.Columns {
			out = append(out, reporting.Cell{ColumnGroup: group.Key, ExpressionLabel: col.ExpressionLabel, FigureType: col.FigureType})
		}
	}
	return out
}

// Format renders one value. Numeric zeros print as zero, never negative
// zero, and print nothing when blankIfZero is set.
func Format(value any, figure reporting.FigureType, currencyCode string, blankIfZero bool) reporting.Cell {
	cell := reporting.Cell{Value: value, FigureType: figure}
	if value == nil {
		cell.IsZero = figure.Numeric()
		return cell
	}
	if figure.Numeric() {
		d, ok := reporting.ToDecimal(value)
		if !ok {
			cell.FormattedText = fmt.Sprint(value)
			return cell
		}
		switch figure {
		case reporting.FigureMonetary, "":
			d = currency.Round(d, currencyCode)
			cell.FormattedText = currency.Format(d, currencyCode)
		case reporting.FigurePercentage:
			d = d.Round(1)
			cell.FormattedText = d.StringFixed(1) + "%"
		case reporting.FigureInteger:
			d = d.Round(0)
			cell.FormattedText = d.StringFixed(0)
		default:
			d = d.Round(2)
			cell.FormattedText = d.StringFixed(2)
		}
		if d.IsZero() {
			d = decimal.Zero
			cell.IsZero = true
			if blankIfZero {
				cell.FormattedText = ""
			}
		}
		cell.Value = d
		return cell
	}
	switch v := value.(type) {
	case time.Time:
		cell.FormattedText = v.Format("2006-01-02")
		cell.IsZero = v.IsZero()
	case bool:
		if v {
			cell.FormattedText = "Yes"
		} else {
			cell.FormattedText = "No"
		}
	case string:
		cell.FormattedText = v
		cell.IsZero = v == ""
	default:
		if figure != reporting.FigureNone {
			cell.FormattedText = fmt.Sprint(v)
		}
	}
	return cell
}
