// Package reporting holds the data model shared by the report evaluation engine:
// report configuration (lines, expressions, columns), the resolved options
// snapshot, expression totals and the collaborator contracts the engine
// consumes (ledger queries, external values, per-report capabilities).
package reporting

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Engine enumerates the computation strategies an expression can use.
type Engine string

const (
	EngineDomain       Engine = "domain"
	EngineAccountCodes Engine = "account_codes"
	EngineTaxTags      Engine = "tax_tags"
	EngineExternal     Engine = "external"
	EngineAggregation  Engine = "aggregation"
	EngineCustom       Engine = "custom"
)

// Valid reports whether the engine is one of the known variants.
func (e Engine) Valid() bool {
	switch e {
	case EngineDomain, EngineAccountCodes, EngineTaxTags, EngineExternal, EngineAggregation, EngineCustom:
		return true
	}
	return false
}

// FigureType drives how a computed value is rendered.
type FigureType string

const (
	FigureMonetary   FigureType = "monetary"
	FigurePercentage FigureType = "percentage"
	FigureInteger    FigureType = "integer"
	FigureFloat      FigureType = "float"
	FigureDate       FigureType = "date"
	FigureString     FigureType = "string"
	FigureBoolean    FigureType = "boolean"
	FigureNone       FigureType = "none"
)

// Numeric reports whether values of this figure type are numbers.
func (f FigureType) Numeric() bool {
	switch f {
	case FigureMonetary, FigurePercentage, FigureInteger, FigureFloat, "":
		return true
	}
	return false
}

// CarryoverPrefix marks expressions whose value rolls into a future period.
const CarryoverPrefix = "_carryover_"

// Expression is a named formula attached to a report line.
type Expression struct {
	ID                int64      `yaml:"id" json:"id"`
	LineID            int64      `yaml:"-" json:"line_id"`
	Label             string     `yaml:"label" json:"label"`
	Engine            Engine     `yaml:"engine" json:"engine"`
	Formula           string     `yaml:"formula" json:"formula"`
	Subformula        string     `yaml:"subformula" json:"subformula,omitempty"`
	DateScope         DateScope  `yaml:"date_scope" json:"date_scope"`
	FigureType        FigureType `yaml:"figure_type" json:"figure_type"`
	CarryoverTarget   string     `yaml:"carryover_target" json:"carryover_target,omitempty"`
	PerFiscalPosition bool       `yaml:"per_fiscal_position" json:"per_fiscal_position,omitempty"`
	BlankIfZero       bool       `yaml:"blank_if_zero" json:"blank_if_zero,omitempty"`
}

// IsCarryover reports whether the expression produces carryover values.
func (e Expression) IsCarryover() bool {
	return strings.HasPrefix(e.Label, CarryoverPrefix)
}

// Line is a static report line.
type Line struct {
	ID          int64        `yaml:"id" json:"id"`
	ParentID    int64        `yaml:"parent_id" json:"parent_id,omitempty"`
	Name        string       `yaml:"name" json:"name"`
	Code        string       `yaml:"code" json:"code,omitempty"`
	Sequence    int          `yaml:"sequence" json:"sequence"`
	Level       int          `yaml:"level" json:"level,omitempty"`
	Groupby     string       `yaml:"groupby" json:"groupby,omitempty"`
	Foldable    bool         `yaml:"foldable" json:"foldable,omitempty"`
	HideIfZero  bool         `yaml:"hide_if_zero" json:"hide_if_zero,omitempty"`
	Expressions []Expression `yaml:"expressions" json:"expressions"`
}

// Key is the identifier aggregation formulas use to reference the line. Lines
// without a code get a synthetic key that no user formula can collide with.
func (l Line) Key() string {
	if l.Code != "" {
		return l.Code
	}
	return "_line" + strconv.FormatInt(l.ID, 10)
}

// Expression returns the expression carrying the label.
func (l Line) Expression(label string) (Expression, bool) {
	for _, expr := range l.Expressions {
		if expr.Label == label {
			return expr, true
		}
	}
	return Expression{}, false
}

// GroupbyFields splits the comma separated groupby chain.
func (l Line) GroupbyFields() []string {
	return SplitGroupby(l.Groupby)
}

// SplitGroupby parses a comma separated groupby chain, dropping blanks.
func SplitGroupby(groupby string) []string {
	if strings.TrimSpace(groupby) == "" {
		return nil
	}
	parts := strings.Split(groupby, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			fields = append(fields, part)
		}
	}
	return fields
}

// Column describes one report column, repeated for every column group.
type Column struct {
	Name            string     `yaml:"name" json:"name"`
	ExpressionLabel string     `yaml:"expression_label" json:"expression_label"`
	FigureType      FigureType `yaml:"figure_type" json:"figure_type"`
	BlankIfZero     bool       `yaml:"blank_if_zero" json:"blank_if_zero,omitempty"`
}

// Report is a named tree of lines plus the columns rendered for each of them.
type Report struct {
	ID                  int64    `yaml:"id" json:"id"`
	Code                string   `yaml:"code" json:"code"`
	Name                string   `yaml:"name" json:"name"`
	Lines               []Line   `yaml:"lines" json:"lines"`
	Columns             []Column `yaml:"columns" json:"columns"`
	LoadMoreLimit       int      `yaml:"load_more_limit" json:"load_more_limit,omitempty"`
	TotalsBelowSections bool     `yaml:"totals_below_sections" json:"totals_below_sections,omitempty"`

	// Capability is resolved once per report configuration.
	Capability Capability `yaml:"-" json:"-"`
}

// Capabilities returns the injected capability or the no-op default.
func (r *Report) Capabilities() Capability {
	if r == nil || r.Capability == nil {
		return NoopCapability{}
	}
	return r.Capability
}

// Line looks a line up by identifier.
func (r *Report) Line(id int64) (Line, bool) {
	for _, line := range r.Lines {
		if line.ID == id {
			return line, true
		}
	}
	return Line{}, false
}

// LineByKey looks a line up by its code (or synthetic key).
func (r *Report) LineByKey(key string) (Line, bool) {
	for _, line := range r.Lines {
		if line.Key() == key {
			return line, true
		}
	}
	return Line{}, false
}

// Children returns the direct children of parentID ordered by sequence. A zero
// parentID yields the root lines.
func (r *Report) Children(parentID int64) []Line {
	children := make([]Line, 0)
	for _, line := range r.Lines {
		if line.ParentID == parentID {
			children = append(children, line)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].Sequence != children[j].Sequence {
			return children[i].Sequence < children[j].Sequence
		}
		return children[i].ID < children[j].ID
	})
	return children
}

// Walk visits the line tree depth-first in declared sequence order.
func (r *Report) Walk(fn func(line Line, depth int) error) error {
	var visit func(parentID int64, depth int) error
	visit = func(parentID int64, depth int) error {
		for _, child := range r.Children(parentID) {
			if err := fn(child, depth); err != nil {
				return err
			}
			if err := visit(child.ID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(0, 0)
}

// Expressions returns every expression of the report with LineID populated.
func (r *Report) Expressions() []Expression {
	out := make([]Expression, 0)
	for _, line := range r.Lines {
		for _, expr := range line.Expressions {
			expr.LineID = line.ID
			out = append(out, expr)
		}
	}
	return out
}

// ExpressionByID finds an expression and its line.
func (r *Report) ExpressionByID(id int64) (Expression, Line, bool) {
	for _, line := range r.Lines {
		for _, expr := range line.Expressions {
			if expr.ID == id {
				expr.LineID = line.ID
				return expr, line, true
			}
		}
	}
	return Expression{}, Line{}, false
}

// ExpressionByRef resolves a "lineKey.label" reference.
func (r *Report) ExpressionByRef(ref string) (Expression, bool) {
	key, label, ok := strings.Cut(ref, ".")
	if !ok {
		return Expression{}, false
	}
	line, ok := r.LineByKey(key)
	if !ok {
		return Expression{}, false
	}
	expr, ok := line.Expression(label)
	if !ok {
		return Expression{}, false
	}
	expr.LineID = line.ID
	return expr, true
}

// Ref returns the "lineKey.label" reference of an expression in this report.
func (r *Report) Ref(expr Expression) string {
	line, ok := r.Line(expr.LineID)
	if !ok {
		return "." + expr.Label
	}
	return line.Key() + "." + expr.Label
}

// Validate checks the structural invariants of the configuration: the parent
// chain is a tree, expression labels are unique per line and line codes are
// unique across the report.
func (r *Report) Validate() error {
	if r == nil {
		return &ConfigurationError{Reason: "report is nil"}
	}
	byID := make(map[int64]Line, len(r.Lines))
	codes := make(map[string]int64)
	exprIDs := make(map[int64]int64)
	for _, line := range r.Lines {
		if line.ID == 0 {
			return &ConfigurationError{Line: line.Name, Reason: "line id is required"}
		}
		if _, dup := byID[line.ID]; dup {
			return &ConfigurationError{Line: line.Name, Reason: fmt.Sprintf("duplicate line id %d", line.ID)}
		}
		byID[line.ID] = line
		if line.Code != "" {
			if other, dup := codes[line.Code]; dup {
				return &ConfigurationError{Line: line.Code, Reason: fmt.Sprintf("code already used by line %d", other)}
			}
			codes[line.Code] = line.ID
		}
		labels := make(map[string]struct{}, len(line.Expressions))
		for _, expr := range line.Expressions {
			if _, dup := labels[expr.Label]; dup {
				return &ConfigurationError{Line: line.Key(), Expression: expr.Label, Reason: "duplicate expression label"}
			}
			labels[expr.Label] = struct{}{}
			if !expr.Engine.Valid() {
				return &ConfigurationError{Line: line.Key(), Expression: expr.Label, Reason: fmt.Sprintf("unknown engine %q", expr.Engine)}
			}
			if other, dup := exprIDs[expr.ID]; dup && expr.ID != 0 {
				return &ConfigurationError{Line: line.Key(), Expression: expr.Label, Reason: fmt.Sprintf("expression id %d already used on line %d", expr.ID, other)}
			}
			exprIDs[expr.ID] = line.ID
		}
	}
	for _, line := range r.Lines {
		seen := map[int64]struct{}{line.ID: {}}
		for parent := line.ParentID; parent != 0; {
			p, ok := byID[parent]
			if !ok {
				return &ConfigurationError{Line: line.Key(), Reason: fmt.Sprintf("unknown parent %d", parent)}
			}
			if _, loop := seen[p.ID]; loop {
				return &ConfigurationError{Line: line.Key(), Reason: "parent chain is cyclic"}
			}
			seen[p.ID] = struct{}{}
			parent = p.ParentID
		}
	}
	return nil
}

// GroupedValue is one (grouping key, sub-total) pair of a grouped evaluation.
// Keys holds one value per grouping field, in groupby order.
type GroupedValue struct {
	Keys        []any           `json:"keys"`
	Value       decimal.Decimal `json:"value"`
	HasSublines bool            `json:"has_sublines"`
}

// ExpressionTotal is the computed value of one expression in one column group.
// Groups is populated instead of Value when the evaluation was grouped.
type ExpressionTotal struct {
	Value       decimal.Decimal `json:"value"`
	Groups      []GroupedValue  `json:"groups,omitempty"`
	HasSublines bool            `json:"has_sublines"`
}

// Grouped reports whether the total carries per-key values.
func (t ExpressionTotal) Grouped() bool {
	return t.Groups != nil
}

// GroupValue returns the sub-total for the given key tuple.
func (t ExpressionTotal) GroupValue(keys []any) (GroupedValue, bool) {
	want := GroupKeyString(keys)
	for _, g := range t.Groups {
		if GroupKeyString(g.Keys) == want {
			return g, true
		}
	}
	return GroupedValue{}, false
}

// GroupKeyString renders a key tuple into a comparable string.
func GroupKeyString(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%T:%v", k, k)
	}
	return strings.Join(parts, "\x1f")
}

// TotalKey binds a total to one column group snapshot and one expression.
type TotalKey struct {
	ColumnGroup  string
	ExpressionID int64
}

// Totals maps (column group, expression) to computed totals.
type Totals map[TotalKey]ExpressionTotal

// Get returns the total or a zero value.
func (t Totals) Get(columnGroup string, expressionID int64) ExpressionTotal {
	return t[TotalKey{ColumnGroup: columnGroup, ExpressionID: expressionID}]
}

// Merge copies other into t, overwriting existing entries.
func (t Totals) Merge(other Totals) {
	for k, v := range other {
		t[k] = v
	}
}
