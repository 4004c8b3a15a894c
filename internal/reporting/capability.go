package reporting

import (
	"context"

	"github.com/shopspring/decimal"
)

// CustomRequest is the scope handed to a custom engine. Implementations must
// honour GroupBy, Offset and Limit the same way the built-in engines do.
type CustomRequest struct {
	Report      *Report
	Options     Options
	Expressions []Expression
	Dates       DateRange
	Conditions  []Condition
	GroupBy     []string
	Offset      int
	Limit       int
}

// CustomEngineFunc computes totals keyed by expression id.
type CustomEngineFunc func(ctx context.Context, ledger Ledger, req CustomRequest) (map[int64]ExpressionTotal, error)

// SequencedLine is a generated line positioned among the root static lines by
// Sequence. It always lands between whole root sections, never inside one.
type SequencedLine struct {
	Sequence int
	Record   LineRecord
}

// Capability carries the per-report strategies plugged into the engine.
type Capability interface {
	CustomEngine(name string) (CustomEngineFunc, bool)
	// DynamicLines returns generated root-level lines.
	DynamicLines(ctx context.Context, report *Report, opts Options, totals Totals) ([]SequencedLine, error)
	// Progress seeds the cumulative accumulator of the first groupby page.
	Progress(ctx context.Context, report *Report, opts Options, lineID string) (map[string]decimal.Decimal, error)
}

// NoopCapability is the behaviour of a report without custom handlers.
type NoopCapability struct{}

func (NoopCapability) CustomEngine(string) (CustomEngineFunc, bool) { return nil, false }

func (NoopCapability) DynamicLines(context.Context, *Report, Options, Totals) ([]SequencedLine, error) {
	return nil, nil
}

func (NoopCapability) Progress(context.Context, *Report, Options, string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

// CapabilityFuncs adapts plain functions into a Capability; nil members
// behave like NoopCapability.
type CapabilityFuncs struct {
	Engines       map[string]CustomEngineFunc
	Dynamic       func(ctx context.Context, report *Report, opts Options, totals Totals) ([]SequencedLine, error)
	StartProgress func(ctx context.Context, report *Report, opts Options, lineID string) (map[string]decimal.Decimal, error)
}

// Capability wraps the funcs.
func (f CapabilityFuncs) Capability() Capability { return funcCapability(f) }

type funcCapability CapabilityFuncs

func (f funcCapability) CustomEngine(name string) (CustomEngineFunc, bool) {
	fn, ok := f.Engines[name]
	return fn, ok && fn != nil
}

func (f funcCapability) DynamicLines(ctx context.Context, report *Report, opts Options, totals Totals) ([]SequencedLine, error) {
	if f.Dynamic == nil {
		return nil, nil
	}
	return f.Dynamic(ctx, report, opts, totals)
}

func (f funcCapability) Progress(ctx context.Context, report *Report, opts Options, lineID string) (map[string]decimal.Decimal, error) {
	if f.StartProgress == nil {
		return nil, nil
	}
	return f.StartProgress(ctx, report, opts, lineID)
}
