// Package hierarchy assembles the ordered line list of a report evaluation:
// static and generated lines merged by sequence, groupby children expanded on
// demand, zero sections pruned, section totals injected and siblings sorted.
package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/cells"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/groupby"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/lineid"
)

// Builder renders reports into line records.
type Builder struct {
	evaluator *evaluator.Evaluator
	expander  *groupby.Expander
	logger    *slog.Logger
}

// NewBuilder wires a builder.
func NewBuilder(ev *evaluator.Evaluator, expander *groupby.Expander, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if expander == nil {
		expander = groupby.New(ev, groupby.WithLogger(logger))
	}
	return &Builder{evaluator: ev, expander: expander, logger: logger}
}

// Build evaluates report for opts and returns its ordered lines plus the
// totals they were computed from.
func (b *Builder) Build(ctx context.Context, report *reporting.Report, opts reporting.Options) (reporting.Result, error) {
	start := time.Now()
	if err := report.Validate(); err != nil {
		return reporting.Result{}, err
	}
	resolved, err := opts.Resolved()
	if err != nil {
		return reporting.Result{}, err
	}
	totals, err := b.evaluator.Evaluate(ctx, report, resolved, nil, engines.Scope{})
	if err != nil {
		return reporting.Result{}, err
	}
	dynamic, err := report.Capabilities().DynamicLines(ctx, report, resolved, totals)
	if err != nil {
		return reporting.Result{}, fmt.Errorf("hierarchy: dynamic lines: %w", err)
	}

	r := &render{builder: b, report: report, opts: resolved, totals: totals}
	if resolved.UnfoldAll || resolved.PrintMode {
		r.shared = b.evaluator.NewSharedBatch(report, resolved)
	}
	lines, err := r.merge(ctx, dynamic)
	if err != nil {
		return reporting.Result{}, err
	}
	lines = HideZero(lines, resolved.HideZeroLines)
	if report.TotalsBelowSections && !resolved.DisableSubtotals {
		lines = InjectTotals(lines)
	}
	if resolved.OrderColumn != 0 {
		lines = SortByColumn(lines, resolved.OrderColumn)
	}
	b.logger.Debug("reporting lines built",
		slog.String("render_id", uuid.NewString()),
		slog.String("report", report.Code),
		slog.Int("lines", len(lines)),
		slog.Duration("took", time.Since(start)))
	return reporting.Result{Lines: lines, Totals: totals}, nil
}

// Children returns one page of groupby children of a rendered line.
func (b *Builder) Children(ctx context.Context, report *reporting.Report, req groupby.Request) (groupby.Page, error) {
	req.Report = report
	page, err := b.expander.Children(ctx, req)
	if err != nil {
		return groupby.Page{}, err
	}
	page.Lines = HideZero(page.Lines, req.Options.HideZeroLines)
	return page, nil
}

type render struct {
	builder *Builder
	report  *reporting.Report
	opts    reporting.Options
	totals  reporting.Totals
	shared  *evaluator.SharedBatch
}

type block struct {
	sequence int
	static   bool
	lines    []reporting.LineRecord
}

// merge interleaves root static subtrees and generated lines by ascending
// root sequence; a generated line never lands inside a section. Static
// lines win ties.
func (r *render) merge(ctx context.Context, dynamic []reporting.SequencedLine) ([]reporting.LineRecord, error) {
	blocks := make([]block, 0)
	for _, line := range r.report.Children(0) {
		lines, err := r.subtree(ctx, line, "", 0)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block{sequence: line.Sequence, static: true, lines: lines})
	}
	for i, d := range dynamic {
		rec := d.Record
		if rec.ID == "" {
			rec.ID = lineid.Child("", lineid.Part{Markup: "dynamic", Value: int64(i + 1)})
		}
		if rec.Columns == nil {
			rec.Columns = cells.Blank(r.report, r.opts.ColumnGroups)
		}
		blocks = append(blocks, block{sequence: d.Sequence, lines: []reporting.LineRecord{rec}})
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].sequence != blocks[j].sequence {
			return blocks[i].sequence < blocks[j].sequence
		}
		return blocks[i].static && !blocks[j].static
	})
	out := make([]reporting.LineRecord, 0, len(r.report.Lines))
	for _, blk := range blocks {
		out = append(out, blk.lines...)
	}
	return out, nil
}

// subtree renders a static line, its visible static children and, when
// unfolded, its groupby children.
func (r *render) subtree(ctx context.Context, line reporting.Line, parentID string, depth int) ([]reporting.LineRecord, error) {
	id := lineid.Static(parentID, line.ID)
	children := r.report.Children(line.ID)
	exprs := make([]reporting.Expression, len(line.Expressions))
	hasSublines := false
	for i, expr := range line.Expressions {
		expr.LineID = line.ID
		exprs[i] = expr
		for _, group := range r.opts.ColumnGroups {
			hasSublines = hasSublines || r.totals.Get(group.Key, expr.ID).HasSublines
		}
	}
	level := line.Level
	if level == 0 {
		level = depth + 1
	}
	rec := reporting.LineRecord{
		ID:         id,
		Name:       line.Name,
		Level:      level,
		ParentID:   parentID,
		HideIfZero: line.HideIfZero,
		LineID:     line.ID,
		Columns: cells.Row(r.report, r.opts.ColumnGroups, exprs, r.opts.Currency, func(group string, expr reporting.Expression) (any, bool) {
			total, ok := r.totals[reporting.TotalKey{ColumnGroup: group, ExpressionID: expr.ID}]
			return total.Value, ok
		}),
	}
	grouped := line.Groupby != "" && hasSublines
	rec.Unfoldable = grouped || (line.Foldable && len(children) > 0)
	if rec.Unfoldable {
		rec.Unfolded = r.opts.IsUnfolded(id)
	}
	if grouped {
		rec.Groupby = line.Groupby
		rec.ExpandFunction = reporting.ExpandGroupby
	}
	out := []reporting.LineRecord{rec}

	if len(children) > 0 && (!line.Foldable || rec.Unfolded) {
		for _, child := range children {
			lines, err := r.subtree(ctx, child, id, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, lines...)
		}
	}
	if grouped && rec.Unfolded {
		page, err := r.builder.expander.Children(ctx, groupby.Request{
			Report:   r.report,
			Options:  r.opts,
			ParentID: id,
			Groupby:  line.Groupby,
			Level:    level + 1,
			Shared:   r.shared,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Lines...)
	}
	return out, nil
}
