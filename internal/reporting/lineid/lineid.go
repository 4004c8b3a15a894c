// Package lineid encodes the generic line identifier: the ancestry path of a
// rendered line as `markup-kind-value` triples joined by `|`. A line's id is a
// string prefix of every descendant id, which is the only ancestry test the
// hierarchy relies on.
package lineid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Markups used by the engine.
const (
	MarkupTotal    = "total"
	MarkupLoadMore = "load_more"
	groupbyPrefix  = "groupby:"
)

// Entity kinds.
const (
	KindLine = "line"
	KindNone = ""
)

const (
	levelSep = "|"
	fieldSep = "-"
)

// ErrMalformed is returned when an id does not decode into triples.
var ErrMalformed = errors.New("lineid: malformed generic line id")

// Part is one level of a generic line id. Value is nil, an int64, a bool, a
// date (time.Time at UTC midnight) or a string.
type Part struct {
	Markup string
	Kind   string
	Value  any
}

// GroupbyMarkup tags a part produced by expanding field.
func GroupbyMarkup(field string) string {
	return groupbyPrefix + field
}

// GroupbyField returns the field of a groupby markup.
func (p Part) GroupbyField() (string, bool) {
	return strings.CutPrefix(p.Markup, groupbyPrefix)
}

// Path is an ordered ancestry of parts, root first.
type Path []Part

// Encode renders the path; empty components stay empty.
func Encode(path Path) string {
	levels := make([]string, len(path))
	for i, p := range path {
		levels[i] = escape(p.Markup) + fieldSep + escape(p.Kind) + fieldSep + escape(valueString(p.Value))
	}
	return strings.Join(levels, levelSep)
}

// Decode parses an id back into its parts. Numeric values become int64.
func Decode(id string) (Path, error) {
	if id == "" {
		return Path{}, nil
	}
	levels := strings.Split(id, levelSep)
	path := make(Path, 0, len(levels))
	for _, level := range levels {
		fields := strings.Split(level, fieldSep)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, id)
		}
		markup, err := unescape(fields[0])
		if err != nil {
			return nil, err
		}
		kind, err := unescape(fields[1])
		if err != nil {
			return nil, err
		}
		raw, err := unescape(fields[2])
		if err != nil {
			return nil, err
		}
		path = append(path, Part{Markup: markup, Kind: kind, Value: parseValue(raw)})
	}
	return path, nil
}

// Child appends one level to a parent id.
func Child(parent string, p Part) string {
	encoded := Encode(Path{p})
	if parent == "" {
		return encoded
	}
	return parent + levelSep + encoded
}

// Static builds the id of a static report line.
func Static(parent string, lineID int64) string {
	return Child(parent, Part{Kind: KindLine, Value: lineID})
}

// Total builds the id of the synthetic total below a section.
func Total(parent string) string {
	return Child(parent, Part{Markup: MarkupTotal})
}

// LoadMore builds the id of the paging sentinel under parent.
func LoadMore(parent string) string {
	return Child(parent, Part{Markup: MarkupLoadMore})
}

// IsDescendant reports whether child sits strictly below parent.
func IsDescendant(child, parent string) bool {
	if parent == "" {
		return child != ""
	}
	return strings.HasPrefix(child, parent+levelSep)
}

// IsSelfOrDescendant includes the line itself.
func IsSelfOrDescendant(child, parent string) bool {
	return child == parent || IsDescendant(child, parent)
}

// Last returns the final part of an id.
func Last(id string) (Part, error) {
	idx := strings.LastIndex(id, levelSep)
	path, err := Decode(id[idx+1:])
	if err != nil {
		return Part{}, err
	}
	if len(path) == 0 {
		return Part{}, fmt.Errorf("%w: empty id", ErrMalformed)
	}
	return path[0], nil
}

// Markup returns the markup of the last level, ignoring decode errors.
func Markup(id string) string {
	p, err := Last(id)
	if err != nil {
		return ""
	}
	return p.Markup
}

// Parent strips the last level.
func Parent(id string) string {
	idx := strings.LastIndex(id, levelSep)
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// StaticLineID finds the deepest static report line in an id.
func StaticLineID(id string) (int64, bool) {
	path, err := Decode(id)
	if err != nil {
		return 0, false
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Kind == KindLine && path[i].Markup == "" {
			if v, ok := path[i].Value.(int64); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// GroupbyFilters returns the (field, value) pairs of every groupby level in
// the id, outermost first.
func GroupbyFilters(id string) ([]Filter, error) {
	path, err := Decode(id)
	if err != nil {
		return nil, err
	}
	var out []Filter
	for _, p := range path {
		if field, ok := p.GroupbyField(); ok {
			out = append(out, Filter{Field: field, Value: p.Value})
		}
	}
	return out, nil
}

// Filter is a groupby key fixed by an ancestor level.
type Filter struct {
	Field string
	Value any
}

// Value tags. Dates keep day precision only.
const (
	tagText = "'"
	tagDate = "@"
	tagBool = "?"
)

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if needsTextTag(x) {
			return tagText + x
		}
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case bool:
		return tagBool + strconv.FormatBool(x)
	case time.Time:
		return tagDate + x.Format(time.DateOnly)
	}
	return valueString(fmt.Sprint(v))
}

// needsTextTag reports whether s would otherwise decode as another type.
func needsTextTag(s string) bool {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return true
	}
	return strings.HasPrefix(s, tagText) || strings.HasPrefix(s, tagDate) || strings.HasPrefix(s, tagBool)
}

func parseValue(raw string) any {
	switch {
	case raw == "":
		return nil
	case strings.HasPrefix(raw, tagText):
		return raw[len(tagText):]
	case strings.HasPrefix(raw, tagDate):
		if t, err := time.Parse(time.DateOnly, raw[len(tagDate):]); err == nil {
			return t
		}
	case strings.HasPrefix(raw, tagBool):
		if b, err := strconv.ParseBool(raw[len(tagBool):]); err == nil {
			return b
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

var escaper = strings.NewReplacer("%", "%25", "-", "%2D", "|", "%7C")

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: bad escape in %q", ErrMalformed, s)
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "2D":
			b.WriteByte('-')
		case "7C":
			b.WriteByte('|')
		default:
			return "", fmt.Errorf("%w: bad escape in %q", ErrMalformed, s)
		}
		i += 2
	}
	return b.String(), nil
}
