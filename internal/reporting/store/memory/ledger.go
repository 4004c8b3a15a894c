// Package memory provides in-memory implementations of the ledger and the
// external value store, used by tests and the CLI demo catalog.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/formula"
)

// Row is one ledger line. Fields holds every groupable attribute except the
// id, date and tax tags, which have their own members.
type Row struct {
	ID      int64
	Date    time.Time
	Balance decimal.Decimal
	TaxTags []string
	Fields  map[string]any
}

func (r Row) value(field string) any {
	switch field {
	case reporting.FieldID:
		return r.ID
	case reporting.FieldDate:
		return r.Date
	case reporting.FieldTaxTag:
		if len(r.TaxTags) == 1 {
			return r.TaxTags[0]
		}
		return nil
	}
	v := r.Fields[field]
	if field == reporting.FieldTaxNegate && v == nil {
		return false
	}
	return normalize(v)
}

// Ledger is a thread-safe in-memory ledger.
type Ledger struct {
	mu     sync.RWMutex
	rows   []Row
	fields map[string]reporting.FieldInfo
	names  map[string]map[any]string
	nextID int64
}

// NewLedger creates an empty ledger with the default field catalogue.
func NewLedger() *Ledger {
	return &Ledger{fields: reporting.JournalItemFields(), names: make(map[string]map[any]string)}
}

// Add appends rows, assigning ids to rows without one.
func (l *Ledger) Add(rows ...Row) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rows {
		if r.ID == 0 {
			l.nextID++
			r.ID = l.nextID
		} else if r.ID > l.nextID {
			l.nextID = r.ID
		}
		l.rows = append(l.rows, r)
	}
}

// SetName registers the display name of a reference key.
func (l *Ledger) SetName(field string, key any, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.names[field] == nil {
		l.names[field] = make(map[any]string)
	}
	l.names[field][normalize(key)] = name
}

// Field implements reporting.Ledger.
func (l *Ledger) Field(name string) (reporting.FieldInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.fields[name]
	return info, ok
}

// DisplayNames implements reporting.Ledger.
func (l *Ledger) DisplayNames(_ context.Context, field string, keys []any) (map[any]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[any]string, len(keys))
	for _, k := range keys {
		if name, ok := l.names[field][normalize(k)]; ok {
			out[normalize(k)] = name
		}
	}
	return out, nil
}

// Query implements reporting.Ledger.
func (l *Ledger) Query(_ context.Context, q reporting.LedgerQuery) ([]reporting.GroupSum, error) {
	groups, err := l.groups(q)
	if err != nil {
		return nil, err
	}
	if q.Offset > 0 {
		if q.Offset >= len(groups) {
			return []reporting.GroupSum{}, nil
		}
		groups = groups[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(groups) {
		groups = groups[:q.Limit]
	}
	return groups, nil
}

// Count implements reporting.Ledger.
func (l *Ledger) Count(_ context.Context, q reporting.LedgerQuery) (int, error) {
	groups, err := l.groups(q)
	if err != nil {
		return 0, err
	}
	if len(q.GroupBy) == 0 {
		if len(groups) == 0 {
			return 0, nil
		}
		return groups[0].Count, nil
	}
	return len(groups), nil
}

func (l *Ledger) groups(q reporting.LedgerQuery) ([]reporting.GroupSum, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, field := range q.GroupBy {
		if info, ok := l.fields[field]; !ok || !info.Groupable {
			return nil, fmt.Errorf("memory: field %q is not groupable", field)
		}
	}
	matchers := make([]func(Row) bool, 0, len(q.Conditions))
	unnest := containsField(q.GroupBy, reporting.FieldTaxTag)
	for _, c := range q.Conditions {
		if _, ok := l.fields[c.Field]; !ok {
			return nil, fmt.Errorf("memory: unknown field %q", c.Field)
		}
		m, err := matcher(c)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
		if c.Field == reporting.FieldTaxTag {
			unnest = true
		}
	}

	index := make(map[string]int)
	out := make([]reporting.GroupSum, 0)
	for _, base := range l.rows {
		if !inRange(base.Date, q.Dates) {
			continue
		}
		for _, row := range expand(base, unnest) {
			if !matchAll(matchers, row) {
				continue
			}
			keys := make([]any, len(q.GroupBy))
			for i, field := range q.GroupBy {
				keys[i] = row.value(field)
			}
			k := reporting.GroupKeyString(keys)
			i, ok := index[k]
			if !ok {
				i = len(out)
				index[k] = i
				out = append(out, reporting.GroupSum{Keys: keys})
			}
			out[i].Balance = out[i].Balance.Add(row.Balance)
			out[i].Count++
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return reporting.CompareKeys(out[i].Keys, out[j].Keys) < 0
	})
	return out, nil
}

// expand splits a multi-tagged row into one row per tag when the query
// filters or groups on tags.
func expand(r Row, unnest bool) []Row {
	if !unnest || len(r.TaxTags) <= 1 {
		return []Row{r}
	}
	out := make([]Row, len(r.TaxTags))
	for i, tag := range r.TaxTags {
		cp := r
		cp.TaxTags = []string{tag}
		out[i] = cp
	}
	return out
}

func matchAll(matchers []func(Row) bool, r Row) bool {
	for _, m := range matchers {
		if !m(r) {
			return false
		}
	}
	return true
}

func inRange(day time.Time, dates reporting.DateRange) bool {
	if !dates.From.IsZero() && day.Before(dates.From) {
		return false
	}
	if !dates.To.IsZero() && day.After(dates.To) {
		return false
	}
	return true
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

func matcher(c reporting.Condition) (func(Row) bool, error) {
	field := c.Field
	switch c.Operator {
	case formula.OpEq:
		return func(r Row) bool { return equal(r.value(field), c.Value) }, nil
	case formula.OpNe:
		return func(r Row) bool { return !equal(r.value(field), c.Value) }, nil
	case formula.OpLt, formula.OpLe, formula.OpGt, formula.OpGe:
		return func(r Row) bool {
			v := r.value(field)
			if v == nil || c.Value == nil {
				return false
			}
			cmp := reporting.CompareValues(v, normalize(c.Value))
			switch c.Operator {
			case formula.OpLt:
				return cmp < 0
			case formula.OpLe:
				return cmp <= 0
			case formula.OpGt:
				return cmp > 0
			}
			return cmp >= 0
		}, nil
	case formula.OpIn, formula.OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			list = []any{c.Value}
		}
		in := c.Operator == formula.OpIn
		return func(r Row) bool {
			v := r.value(field)
			for _, item := range list {
				if equal(v, item) {
					return in
				}
			}
			return !in
		}, nil
	case formula.OpLike, formula.OpILike, formula.OpNotLike:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("memory: %s expects a string pattern", c.Operator)
		}
		re, err := likePattern(pattern, c.Operator != formula.OpLike)
		if err != nil {
			return nil, err
		}
		negate := c.Operator == formula.OpNotLike
		return func(r Row) bool {
			s, ok := r.value(field).(string)
			return ok && re.MatchString(s) != negate
		}, nil
	case formula.OpPrefix:
		list, ok := c.Value.([]any)
		if !ok {
			list = []any{c.Value}
		}
		return func(r Row) bool {
			s, ok := r.value(field).(string)
			if !ok {
				return false
			}
			for _, item := range list {
				if p, ok := item.(string); ok && strings.HasPrefix(s, p) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, fmt.Errorf("memory: unsupported operator %q", c.Operator)
}

// likePattern translates SQL LIKE wildcards. ilike matches anywhere in the
// value, case-insensitively.
func likePattern(pattern string, insensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if insensitive {
		b.WriteString("(?i)")
	} else {
		b.WriteString("^")
	}
	for _, ch := range pattern {
		switch ch {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	if !insensitive {
		b.WriteString("$")
	}
	return regexp.Compile(b.String())
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reporting.CompareValues(a, b) == 0 && sameKind(a, b)
}

func sameKind(a, b any) bool {
	_, an := reporting.ToDecimal(a)
	_, bn := reporting.ToDecimal(b)
	if an || bn {
		return an && bn
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// normalize maps integer kinds to int64 so keys compare and hash alike.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}
