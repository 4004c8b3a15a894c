// Package groupby expands report lines into one child line per distinct value
// of their next groupby field, page by page.
package groupby

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/cells"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/lineid"
)

// UnknownLabel names the group of rows without a value for the field.
const UnknownLabel = "Unknown"

// LoadMoreLabel names the paging sentinel.
const LoadMoreLabel = "Load more..."

// Request asks for one page of children of a rendered line.
type Request struct {
	Report *reporting.Report
	// Options must already be resolved into column groups.
	Options reporting.Options
	// ParentID is the generic id of the line being expanded.
	ParentID string
	// Groupby is the remaining field chain of the parent line.
	Groupby string
	// Level is the level of the children.
	Level  int
	Offset int
	// Progress is carried unchanged from the previous load more sentinel.
	Progress map[string]decimal.Decimal
	// Shared memoizes grouped queries across siblings when every line unfolds.
	Shared *evaluator.SharedBatch
}

// Page is one page of children, depth first when children unfold too.
type Page struct {
	Lines []reporting.LineRecord `json:"lines"`
	// NextOffset is the offset of the following page, zero on the last page.
	NextOffset int                        `json:"next_offset,omitempty"`
	Progress   map[string]decimal.Decimal `json:"progress,omitempty"`
}

// Expander materializes grouped children.
type Expander struct {
	evaluator *evaluator.Evaluator
	pageSize  int
	logger    *slog.Logger
}

// Option configures an Expander.
type Option func(*Expander)

// WithPageSize sets the page size used when the report configures none.
func WithPageSize(n int) Option {
	return func(x *Expander) { x.pageSize = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Expander) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// New constructs an expander.
func New(ev *evaluator.Evaluator, opts ...Option) *Expander {
	x := &Expander{evaluator: ev, logger: slog.Default()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// PageSize returns the effective page size for report.
func (x *Expander) PageSize(report *reporting.Report) int {
	if report.LoadMoreLimit > 0 {
		return report.LoadMoreLimit
	}
	return x.pageSize
}

type child struct {
	key   any
	name  string
	named bool
}

// Children returns one page of children of req.ParentID. In unfold-all and
// print mode paging is bypassed and unfolded children are expanded
// recursively.
func (x *Expander) Children(ctx context.Context, req Request) (Page, error) {
	fields := reporting.SplitGroupby(req.Groupby)
	if len(fields) == 0 {
		return Page{}, &reporting.ConfigurationError{Reason: fmt.Sprintf("line %s has nothing to group by", req.ParentID)}
	}
	staticID, ok := lineid.StaticLineID(req.ParentID)
	if !ok {
		return Page{}, fmt.Errorf("groupby: %w: %q carries no report line", lineid.ErrMalformed, req.ParentID)
	}
	line, ok := req.Report.Line(staticID)
	if !ok {
		return Page{}, &reporting.ConfigurationError{Reason: fmt.Sprintf("unknown report line %d", staticID)}
	}
	ancestors, err := lineid.GroupbyFilters(req.ParentID)
	if err != nil {
		return Page{}, err
	}
	opts, err := req.Options.Resolved()
	if err != nil {
		return Page{}, err
	}
	unfoldAll := opts.UnfoldAll || opts.PrintMode
	if unfoldAll && req.Shared == nil {
		req.Shared = x.evaluator.NewSharedBatch(req.Report, req.Options)
	}
	current, next := fields[0], fields[1:]
	exprs := append([]reporting.Expression(nil), line.Expressions...)
	for i := range exprs {
		exprs[i].LineID = line.ID
	}

	totals, err := x.grouped(ctx, req, exprs, ancestors, current, next)
	if err != nil {
		return Page{}, err
	}
	children, err := x.sortedChildren(ctx, current, totals)
	if err != nil {
		return Page{}, err
	}

	page := children
	nextOffset := 0
	size := x.PageSize(req.Report)
	if !unfoldAll && size > 0 {
		start := min(req.Offset, len(children))
		end := min(start+size, len(children))
		page = children[start:end]
		if end < len(children) {
			nextOffset = end
		}
	}

	progress, err := x.startProgress(ctx, req, opts)
	if err != nil {
		return Page{}, err
	}
	out := Page{NextOffset: nextOffset}
	nextGroupby := strings.Join(next, ",")
	for _, c := range page {
		id := lineid.Child(req.ParentID, lineid.Part{Markup: lineid.GroupbyMarkup(current), Kind: current, Value: c.key})
		key := []any{c.key}
		record := reporting.LineRecord{
			ID:         id,
			Name:       c.name,
			Level:      req.Level,
			ParentID:   req.ParentID,
			Unfoldable: len(next) > 0,
			Groupby:    nextGroupby,
			LineID:     line.ID,
			Columns: cells.Row(req.Report, opts.ColumnGroups, exprs, opts.Currency, func(group string, expr reporting.Expression) (any, bool) {
				g, ok := totals.Get(group, expr.ID).GroupValue(key)
				return g.Value, ok
			}),
		}
		if record.Unfoldable {
			record.ExpandFunction = reporting.ExpandGroupby
			record.Unfolded = opts.IsUnfolded(id)
		}
		accumulate(progress, record.Columns)
		out.Lines = append(out.Lines, record)
		if record.Unfolded {
			sub, err := x.Children(ctx, Request{
				Report:   req.Report,
				Options:  req.Options,
				ParentID: id,
				Groupby:  nextGroupby,
				Level:    req.Level + 1,
				Shared:   req.Shared,
			})
			if err != nil {
				return Page{}, err
			}
			out.Lines = append(out.Lines, sub.Lines...)
		}
	}
	out.Progress = progress
	if nextOffset > 0 {
		out.Lines = append(out.Lines, reporting.LineRecord{
			ID:             lineid.LoadMore(req.ParentID),
			Name:           LoadMoreLabel,
			Level:          req.Level,
			ParentID:       req.ParentID,
			ExpandFunction: reporting.ExpandLoadMore,
			Groupby:        req.Groupby,
			Offset:         nextOffset,
			Progress:       progress,
			LineID:         line.ID,
			Columns:        cells.Blank(req.Report, opts.ColumnGroups),
		})
	}
	x.logger.Debug("reporting groupby expanded",
		slog.String("parent", req.ParentID),
		slog.String("field", current),
		slog.Int("children", len(children)),
		slog.Int("offset", req.Offset),
		slog.Int("next_offset", nextOffset))
	return out, nil
}

func (x *Expander) grouped(ctx context.Context, req Request, exprs []reporting.Expression, ancestors []lineid.Filter, current string, next []string) (reporting.Totals, error) {
	if req.Shared != nil {
		chain := make([]string, 0, len(ancestors)+1)
		parent := make([]any, 0, len(ancestors))
		for _, f := range ancestors {
			chain = append(chain, f.Field)
			parent = append(parent, f.Value)
		}
		return req.Shared.Grouped(ctx, exprs, append(chain, current), parent, next)
	}
	scope := engines.Scope{GroupBy: []string{current}, NextGroupby: next}
	for _, f := range ancestors {
		scope.Filters = append(scope.Filters, reporting.Condition{Field: f.Field, Operator: formula.OpEq, Value: f.Value})
	}
	return x.evaluator.Evaluate(ctx, req.Report, req.Options, exprs, scope)
}

// sortedChildren lists the distinct keys of every expression and column
// group in display order: named keys by entity name, then unnamed keys by raw
// value, then the absent key.
func (x *Expander) sortedChildren(ctx context.Context, field string, totals reporting.Totals) ([]child, error) {
	seen := make(map[string]bool)
	keys := make([]any, 0)
	for _, total := range totals {
		for _, g := range total.Groups {
			if len(g.Keys) == 0 {
				continue
			}
			k := reporting.GroupKeyString(g.Keys[:1])
			if !seen[k] {
				seen[k] = true
				keys = append(keys, g.Keys[0])
			}
		}
	}
	names := map[any]string{}
	info, _ := x.evaluator.Batcher().Ledger().Field(field)
	if info.Reference && len(keys) > 0 {
		var err error
		names, err = x.evaluator.Batcher().Ledger().DisplayNames(ctx, field, keys)
		if err != nil {
			return nil, fmt.Errorf("groupby: display names for %s: %w", field, err)
		}
	}
	children := make([]child, len(keys))
	for i, k := range keys {
		name, named := names[k]
		children[i] = child{key: k, name: displayName(k, names), named: named && name != ""}
	}
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if (a.key == nil) != (b.key == nil) {
			return b.key == nil
		}
		if a.named != b.named {
			return a.named
		}
		if a.named && a.name != b.name {
			return a.name < b.name
		}
		return reporting.CompareValues(a.key, b.key) < 0
	})
	return children, nil
}

func displayName(key any, names map[any]string) string {
	if key == nil {
		return UnknownLabel
	}
	if name, ok := names[key]; ok && name != "" {
		return name
	}
	if day, ok := key.(time.Time); ok {
		return day.Format(time.DateOnly)
	}
	return fmt.Sprint(key)
}

// startProgress copies the carried progress or asks the report capability
// for the starting point of the first page.
func (x *Expander) startProgress(ctx context.Context, req Request, opts reporting.Options) (map[string]decimal.Decimal, error) {
	progress := make(map[string]decimal.Decimal, len(opts.ColumnGroups))
	if req.Progress != nil {
		for k, v := range req.Progress {
			progress[k] = v
		}
		return progress, nil
	}
	start, err := req.Report.Capabilities().Progress(ctx, req.Report, opts, req.ParentID)
	if err != nil {
		return nil, err
	}
	for k, v := range start {
		progress[k] = v
	}
	return progress, nil
}

// accumulate adds the first numeric cell of every column group to the
// running progress.
func accumulate(progress map[string]decimal.Decimal, columns []reporting.Cell) {
	done := make(map[string]bool)
	for _, c := range columns {
		if done[c.ColumnGroup] || !c.FigureType.Numeric() {
			continue
		}
		done[c.ColumnGroup] = true
		if v, ok := c.Value.(decimal.Decimal); ok {
			progress[c.ColumnGroup] = progress[c.ColumnGroup].Add(v)
		}
	}
}
