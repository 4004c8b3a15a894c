package reporting

import "github.com/shopspring/decimal"

// Cell is one rendered column value of a line.
type Cell struct {
	// Value is the raw value: decimal.Decimal for numeric figures, or a
	// string, bool or time.Time for the others. Nil means absent.
	Value           any        `json:"value"`
	FormattedText   string     `json:"formatted_text"`
	IsZero          bool       `json:"is_zero"`
	ColumnGroup     string     `json:"column_group_key"`
	ExpressionLabel string     `json:"expression_label"`
	FigureType      FigureType `json:"figure_type"`
}

// Blank reports whether the cell has nothing to show.
func (c Cell) Blank() bool {
	return c.Value == nil || c.IsZero
}

// LineRecord is one rendered report line.
type LineRecord struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	Level          int                        `json:"level"`
	ParentID       string                     `json:"parent_id,omitempty"`
	Unfoldable     bool                       `json:"unfoldable"`
	Unfolded       bool                       `json:"unfolded"`
	Groupby        string                     `json:"groupby,omitempty"`
	ExpandFunction string                     `json:"expand_function,omitempty"`
	Columns        []Cell                     `json:"columns"`
	HideIfZero     bool                       `json:"hide_if_zero,omitempty"`
	Offset         int                        `json:"offset,omitempty"`
	Progress       map[string]decimal.Decimal `json:"progress,omitempty"`
	// LineID is the static line the record was rendered for, zero for
	// generated lines.
	LineID int64 `json:"line_id,omitempty"`
}

// AllBlank reports whether every column of the record is blank or zero.
func (r LineRecord) AllBlank() bool {
	for _, c := range r.Columns {
		if !c.Blank() {
			return false
		}
	}
	return true
}

// Expand functions advertised on unfoldable records.
const (
	ExpandGroupby  = "expand_groupby"
	ExpandLoadMore = "load_more"
)

// Result is the output of one report evaluation.
type Result struct {
	Lines  []LineRecord `json:"lines"`
	Totals Totals       `json:"-"`
}
