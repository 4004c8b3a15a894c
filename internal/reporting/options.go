package reporting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateMode distinguishes period reports from as-of-date reports.
type DateMode string

const (
	DateModeRange  DateMode = "range"
	DateModeSingle DateMode = "single"
)

// DateWindow is the report's overall date filter.
type DateWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to" validate:"required"`
	Mode DateMode  `json:"mode" validate:"omitempty,oneof=range single"`
}

// Label renders the window for column headers.
func (w DateWindow) Label() string {
	if w.Mode == DateModeSingle || w.From.IsZero() {
		return "As of " + w.To.Format("2006-01-02")
	}
	return w.From.Format("2006-01-02") + " - " + w.To.Format("2006-01-02")
}

// Condition is one clause of a ledger predicate; clauses are ANDed.
type Condition struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value"`
}

// HorizontalGroup slices every period by a set of forced conditions.
type HorizontalGroup struct {
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
}

// Comparison lists the extra periods compared against the main one.
type Comparison struct {
	Periods []DateWindow `json:"periods"`
}

// FiscalPositionScope filters ledger rows and external values by tax jurisdiction.
type FiscalPositionScope string

const (
	FiscalPositionAll      FiscalPositionScope = "all"
	FiscalPositionDomestic FiscalPositionScope = "domestic"
)

// Restricted reports whether the scope filters anything.
func (s FiscalPositionScope) Restricted() bool {
	return s != "" && s != FiscalPositionAll
}

// ID returns the fiscal position identifier; domestic maps to 0.
func (s FiscalPositionScope) ID() (int64, error) {
	switch s {
	case FiscalPositionDomestic:
		return 0, nil
	case "", FiscalPositionAll:
		return 0, fmt.Errorf("reporting: fiscal position scope %q has no id", s)
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reporting: invalid fiscal position scope %q", s)
	}
	return id, nil
}

// Options is the resolved filter snapshot one evaluation runs against.
type Options struct {
	ReportID         int64               `json:"report_id" validate:"required"`
	Date             DateWindow          `json:"date" validate:"required"`
	FiscalYearEndDay int                 `json:"fiscal_year_end_day,omitempty" validate:"omitempty,min=1,max=31"`
	FiscalYearEndMon time.Month          `json:"fiscal_year_end_month,omitempty" validate:"omitempty,min=1,max=12"`
	Comparison       Comparison          `json:"comparison"`
	HorizontalGroups []HorizontalGroup   `json:"horizontal_groups,omitempty"`
	ForcedDomain     []Condition         `json:"forced_domain,omitempty"`
	Companies        []int64             `json:"companies" validate:"required,min=1"`
	MainCompanyID    int64               `json:"main_company_id,omitempty"`
	FiscalPosition   FiscalPositionScope `json:"fiscal_position,omitempty"`
	Currency         string              `json:"currency" validate:"required,len=3"`
	UnfoldAll        bool                `json:"unfold_all,omitempty"`
	UnfoldedLines    []string            `json:"unfolded_lines,omitempty"`
	PrintMode        bool                `json:"print_mode,omitempty"`
	OrderColumn      int                 `json:"order_column,omitempty"`
	ColumnGroups     []ColumnGroup       `json:"column_groups,omitempty"`
	HideZeroLines    bool                `json:"hide_zero_lines,omitempty"`
	DisableSubtotals bool                `json:"disable_subtotals,omitempty"`
}

// ReferenceCompany is the entity receiving consolidation adjustments.
func (o Options) ReferenceCompany() int64 {
	if o.MainCompanyID != 0 {
		return o.MainCompanyID
	}
	if len(o.Companies) > 0 {
		return o.Companies[0]
	}
	return 0
}

// IsUnfolded reports whether the rendered line id was unfolded by the caller.
func (o Options) IsUnfolded(lineID string) bool {
	if o.UnfoldAll || o.PrintMode {
		return true
	}
	for _, id := range o.UnfoldedLines {
		if id == lineID {
			return true
		}
	}
	return false
}

// Resolved returns the options with column groups populated.
func (o Options) Resolved() (Options, error) {
	if len(o.ColumnGroups) > 0 {
		return o, nil
	}
	groups, err := SplitColumnGroups(o)
	if err != nil {
		return o, err
	}
	o.ColumnGroups = groups
	return o, nil
}

// ColumnGroup is one independent evaluation context. Options holds the forced
// snapshot the group evaluates against; Key is derived from it.
type ColumnGroup struct {
	Key     string  `json:"key"`
	Name    string  `json:"name"`
	Options Options `json:"options"`
}

// SplitColumnGroups produces one column group per comparison period and
// horizontal slice. The main period comes first.
func SplitColumnGroups(o Options) ([]ColumnGroup, error) {
	if o.Date.To.IsZero() {
		return nil, &ConfigurationError{Reason: "date window requires an end date"}
	}
	periods := append([]DateWindow{o.Date}, o.Comparison.Periods...)
	horizontal := o.HorizontalGroups
	if len(horizontal) == 0 {
		horizontal = []HorizontalGroup{{}}
	}
	groups := make([]ColumnGroup, 0, len(periods)*len(horizontal))
	for _, period := range periods {
		if period.Mode == "" {
			period.Mode = o.Date.Mode
		}
		for _, h := range horizontal {
			forced := o
			forced.Date = period
			forced.Comparison = Comparison{}
			forced.HorizontalGroups = nil
			forced.ColumnGroups = nil
			forced.UnfoldedLines = nil
			forced.UnfoldAll = false
			forced.PrintMode = false
			forced.OrderColumn = 0
			forced.ForcedDomain = append(append([]Condition(nil), o.ForcedDomain...), h.Conditions...)
			key, err := snapshotKey(forced)
			if err != nil {
				return nil, err
			}
			name := period.Label()
			if h.Name != "" {
				name += " / " + h.Name
			}
			groups = append(groups, ColumnGroup{Key: key, Name: name, Options: forced})
		}
	}
	return groups, nil
}

func snapshotKey(o Options) (string, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("reporting: column group key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8]), nil
}

// DateScope maps the report date window to the range an expression uses.
type DateScope string

const (
	DateScopeNormal                DateScope = "normal"
	DateScopeStrictRange           DateScope = "strict_range"
	DateScopeFromBeginning         DateScope = "from_beginning"
	DateScopeFromFiscalYear        DateScope = "from_fiscalyear"
	DateScopeToBeginningOfFiscalYr DateScope = "to_beginning_of_fiscalyear"
	DateScopeToBeginningOfPeriod   DateScope = "to_beginning_of_period"
	DateScopePreviousTaxPeriod     DateScope = "previous_tax_period"
)

// DateRange is a resolved date filter; a zero From means unbounded.
type DateRange struct {
	From time.Time
	To   time.Time
}

// String renders the range for cache keys and logs.
func (d DateRange) String() string {
	from := "*"
	if !d.From.IsZero() {
		from = d.From.Format("2006-01-02")
	}
	return from + ".." + d.To.Format("2006-01-02")
}

// DateRangeFor resolves a date scope against the options' window.
func (o Options) DateRangeFor(scope DateScope) (DateRange, error) {
	w := o.Date
	to := truncateDay(w.To)
	from := truncateDay(w.From)
	periodStart := from
	if periodStart.IsZero() || w.Mode == DateModeSingle {
		periodStart = time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	switch scope {
	case "", DateScopeNormal:
		if w.Mode == DateModeSingle || from.IsZero() {
			return DateRange{To: to}, nil
		}
		return DateRange{From: from, To: to}, nil
	case DateScopeStrictRange:
		return DateRange{From: periodStart, To: to}, nil
	case DateScopeFromBeginning:
		return DateRange{To: to}, nil
	case DateScopeFromFiscalYear:
		return DateRange{From: o.fiscalYearStart(to), To: to}, nil
	case DateScopeToBeginningOfFiscalYr:
		return DateRange{To: o.fiscalYearStart(to).AddDate(0, 0, -1)}, nil
	case DateScopeToBeginningOfPeriod:
		return DateRange{To: periodStart.AddDate(0, 0, -1)}, nil
	case DateScopePreviousTaxPeriod:
		months := (to.Year()-periodStart.Year())*12 + int(to.Month()) - int(periodStart.Month()) + 1
		if months < 1 {
			months = 1
		}
		prevFrom := periodStart.AddDate(0, -months, 0)
		return DateRange{From: prevFrom, To: periodStart.AddDate(0, 0, -1)}, nil
	}
	return DateRange{}, &ConfigurationError{Reason: fmt.Sprintf("unknown date scope %q", scope)}
}

// fiscalYearStart returns the first day of the fiscal year containing day.
func (o Options) fiscalYearStart(day time.Time) time.Time {
	month := o.FiscalYearEndMon
	if month == 0 {
		month = time.December
	}
	end := fiscalYearEnd(day.Year(), month, o.FiscalYearEndDay)
	if day.After(end) {
		end = fiscalYearEnd(day.Year()+1, month, o.FiscalYearEndDay)
	}
	prev := fiscalYearEnd(end.Year()-1, month, o.FiscalYearEndDay)
	return prev.AddDate(0, 0, 1)
}

func fiscalYearEnd(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day <= 0 || day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CompanyLabel renders the company scope for logs.
func (o Options) CompanyLabel() string {
	parts := make([]string, len(o.Companies))
	for i, id := range o.Companies {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
